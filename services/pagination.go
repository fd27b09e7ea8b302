package services

import (
	"context"
	"fmt"
	"time"

	"github.com/LovationAdmin/bank-aggregator/models"
)

// MaxPages stops a provider that never reports the end of its results.
const MaxPages = 1000

func tooManyPages(provider string) error {
	return models.NewProviderError(provider, models.KindMalformedResponse, 0,
		fmt.Sprintf("pagination did not terminate after %d pages", MaxPages), nil)
}

// ============================================================================
// 1. OPAQUE TOKEN (continuation_key, nextPageToken)
// ============================================================================

// TokenPageFunc fetches the page for token ("" for the first page) and
// returns the token of the next page, "" when there is none.
type TokenPageFunc[T any] func(ctx context.Context, token string) ([]T, string, error)

// CollectTokenPages follows next tokens until the provider stops sending one.
func CollectTokenPages[T any](ctx context.Context, provider string, fetch TokenPageFunc[T]) ([]T, error) {
	var all []T
	token := ""
	seen := map[string]bool{}
	for page := 0; page < MaxPages; page++ {
		items, next, err := fetch(ctx, token)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if next == "" {
			return all, nil
		}
		if seen[next] {
			return nil, models.NewProviderError(provider, models.KindMalformedResponse, 0,
				"provider repeated a page token", nil)
		}
		seen[next] = true
		token = next
	}
	return nil, tooManyPages(provider)
}

// ============================================================================
// 2. INTEGER OFFSET (Plaid count/offset/total)
// ============================================================================

// OffsetPageFunc fetches count records starting at offset and returns the
// server's total.
type OffsetPageFunc[T any] func(ctx context.Context, offset, count int) ([]T, int, error)

// CollectOffsetPages advances the offset until offset+returned reaches total.
func CollectOffsetPages[T any](ctx context.Context, provider string, pageSize int, fetch OffsetPageFunc[T]) ([]T, error) {
	var all []T
	offset := 0
	for page := 0; page < MaxPages; page++ {
		items, total, err := fetch(ctx, offset, pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		offset += len(items)
		if len(items) == 0 || offset >= total {
			return all, nil
		}
	}
	return nil, tooManyPages(provider)
}

// ============================================================================
// 3. CURSOR RECORD ID (Teller count/from_id)
// ============================================================================

// CursorPageFunc fetches up to pageSize records after fromID ("" first).
type CursorPageFunc[T any] func(ctx context.Context, fromID string, count int) ([]T, error)

// CursorOptions describes the records. DateOf and LowerBound enable the early
// stop; pages are assumed newest first.
type CursorOptions[T any] struct {
	PageSize   int
	IDOf       func(T) string
	DateOf     func(T) time.Time
	LowerBound *time.Time
}

// CollectCursorPages feeds the last record's id back as from_id and stops on
// a short page. With a lower bound it also stops once the last record is
// older than the bound, but only after at least one record inside the window
// has been seen, so a page of out-of-order pending items cannot hide the
// current window.
func CollectCursorPages[T any](ctx context.Context, provider string, opts CursorOptions[T], fetch CursorPageFunc[T]) ([]T, error) {
	var all []T
	fromID := ""
	seenInWindow := false
	for page := 0; page < MaxPages; page++ {
		items, err := fetch(ctx, fromID, opts.PageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if len(items) < opts.PageSize || len(items) == 0 {
			return all, nil
		}

		last := items[len(items)-1]
		if opts.LowerBound != nil && opts.DateOf != nil {
			bound := models.DateOnly(*opts.LowerBound)
			for _, it := range items {
				if !models.DateOnly(opts.DateOf(it)).Before(bound) {
					seenInWindow = true
					break
				}
			}
			if seenInWindow && models.DateOnly(opts.DateOf(last)).Before(bound) {
				return all, nil
			}
		}

		next := opts.IDOf(last)
		if next == "" || next == fromID {
			return nil, models.NewProviderError(provider, models.KindMalformedResponse, 0,
				"cursor record has no usable id", nil)
		}
		fromID = next
	}
	return nil, tooManyPages(provider)
}

// inWindow keeps the records inside the filter's date range, for providers
// that cannot apply it server-side.
func inWindow(txs []models.Transaction, filter *models.Filter) []models.Transaction {
	window := filter.Window()
	if window == nil || (window.DateFrom == nil && window.DateTo == nil) {
		return txs
	}
	out := make([]models.Transaction, 0, len(txs))
	for _, tx := range txs {
		if window.Match(tx) {
			out = append(out, tx)
		}
	}
	return out
}
