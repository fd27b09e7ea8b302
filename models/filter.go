package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Filter narrows a transaction query. The date range is pushed down to the
// provider when its API supports it; every field is also applied in memory so
// both paths give the same answer.
type Filter struct {
	DateFrom  *time.Time       `json:"date_from,omitempty"`
	DateTo    *time.Time       `json:"date_to,omitempty"`
	AmountMin *decimal.Decimal `json:"amount_min,omitempty"`
	AmountMax *decimal.Decimal `json:"amount_max,omitempty"`
	Type      *TransactionType `json:"type,omitempty"`
	Limit     int              `json:"limit,omitempty"`
}

// Query is the aggregator's input. Empty ConnectionID or AccountID means
// "every connection" and "every account" respectively.
type Query struct {
	ConnectionID string
	AccountID    string
	Filter       *Filter
}

// Match reports whether tx passes every predicate except Limit.
// Amount bounds compare the magnitude, so [20, 100] keeps a -28.34 expense.
func (f *Filter) Match(tx Transaction) bool {
	if f == nil {
		return true
	}
	day := DateOnly(tx.Date)
	if f.DateFrom != nil && day.Before(DateOnly(*f.DateFrom)) {
		return false
	}
	if f.DateTo != nil && day.After(DateOnly(*f.DateTo)) {
		return false
	}
	abs := tx.Amount.Abs()
	if f.AmountMin != nil && abs.LessThan(*f.AmountMin) {
		return false
	}
	if f.AmountMax != nil && abs.GreaterThan(*f.AmountMax) {
		return false
	}
	if f.Type != nil && tx.Type != *f.Type {
		return false
	}
	return true
}

// Apply filters txs, sorts newest first and truncates to Limit.
func (f *Filter) Apply(txs []Transaction) []Transaction {
	out := make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		if f.Match(tx) {
			out = append(out, tx)
		}
	}
	SortByDateDesc(out)
	if f != nil && f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// SortByDateDesc orders newest first; ties keep a stable order by id.
func SortByDateDesc(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].Date.Equal(txs[j].Date) {
			return txs[i].Date.After(txs[j].Date)
		}
		return txs[i].ID < txs[j].ID
	})
}

// Window returns a filter holding only the date range of f, or nil.
func (f *Filter) Window() *Filter {
	if f == nil {
		return nil
	}
	return &Filter{DateFrom: f.DateFrom, DateTo: f.DateTo}
}

// DateWindow renders the range as a stable cache-key fragment.
func (f *Filter) DateWindow() (string, string) {
	if f == nil {
		return "", ""
	}
	var from, to string
	if f.DateFrom != nil {
		from = f.DateFrom.Format(DateLayout)
	}
	if f.DateTo != nil {
		to = f.DateTo.Format(DateLayout)
	}
	return from, to
}
