// utils/safelog.go
// ============================================================================
// SAFE LOGGING - masks account numbers, amounts and ids in production
// ============================================================================

package utils

import (
	"context"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// IsProduction switches masking on. It starts from the environment and can
// be overridden by the caller (config.Settings.Production).
var IsProduction = os.Getenv("GIN_MODE") == "release" ||
	os.Getenv("ENVIRONMENT") == "production" ||
	os.Getenv("ENV") == "production"

// ============================================================================
// MASKING PATTERNS
// ============================================================================

var (
	ibanRegex               = regexp.MustCompile(`[A-Z]{2}\d{2}[A-Z0-9]{10,30}`)
	cardRegex               = regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`)
	amountWithCurrencyRegex = regexp.MustCompile(`-?\b\d+([.,]\d{1,2})?\s*(€|EUR|CHF|GBP|USD|SEK|£|\$)`)
	bearerRegex             = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)
	uuidRegex               = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
)

// ============================================================================
// MASKING
// ============================================================================

// MaskString hides sensitive data inside free text. Tokens are always
// stripped; everything else only in production.
func MaskString(input string) string {
	result := bearerRegex.ReplaceAllString(input, "Bearer ***")
	if !IsProduction {
		return result
	}
	result = ibanRegex.ReplaceAllString(result, "****IBAN****")
	result = cardRegex.ReplaceAllString(result, "****-****-****-****")
	result = amountWithCurrencyRegex.ReplaceAllString(result, "***")
	result = uuidRegex.ReplaceAllStringFunc(result, func(id string) string {
		return id[:8] + "..."
	})
	return result
}

// MaskAmount hides a monetary amount in production.
func MaskAmount(amount decimal.Decimal) string {
	if IsProduction {
		return "***"
	}
	return amount.StringFixed(2)
}

// MaskID keeps the first 8 characters of an id in production.
func MaskID(id string) string {
	if !IsProduction {
		return id
	}
	if len(id) <= 8 {
		return "***"
	}
	return id[:8] + "..."
}

// ============================================================================
// LOGGER
// ============================================================================

type ctxKey struct{}

// NewLogger builds the structured logger. level is one of zerolog's names;
// an unknown level falls back to info.
func NewLogger(w io.Writer, level string) zerolog.Logger {
	if w == nil {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or a disabled one.
func LoggerFrom(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return l
	}
	return zerolog.Nop()
}

// LogProviderCall records one outbound provider call without exposing ids.
func LogProviderCall(ctx context.Context, provider, operation, accountID string, records int, elapsed time.Duration) {
	l := LoggerFrom(ctx)
	l.Debug().
		Str("provider", provider).
		Str("operation", operation).
		Str("account", MaskID(accountID)).
		Int("records", records).
		Dur("elapsed", elapsed).
		Msg("provider call")
}
