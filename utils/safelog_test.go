package utils

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func withProduction(t *testing.T, on bool) {
	t.Helper()
	prev := IsProduction
	IsProduction = on
	t.Cleanup(func() { IsProduction = prev })
}

func TestMaskStringAlwaysStripsBearer(t *testing.T) {
	withProduction(t, false)
	got := MaskString("request failed: Authorization: Bearer eyJhbGciOi.abc-def")
	if strings.Contains(got, "eyJhbGciOi") {
		t.Errorf("token leaked: %q", got)
	}
	if got := MaskString("FR7630006000011234567890189"); got != "FR7630006000011234567890189" {
		t.Errorf("outside production the IBAN should pass through, got %q", got)
	}
}

func TestMaskStringProduction(t *testing.T) {
	withProduction(t, true)
	got := MaskString("débit 28.34 EUR sur FR7630006000011234567890189 carte 4970 1012 3456 7890")
	for _, leak := range []string{"28.34", "FR7630006000011234567890189", "4970 1012 3456 7890"} {
		if strings.Contains(got, leak) {
			t.Errorf("%q leaked in %q", leak, got)
		}
	}

	got = MaskString("account 2f1c8e0a-6b9d-4d7e-9a51-3c0f6e2b8d14")
	if got != "account 2f1c8e0a..." {
		t.Errorf("uuid not shortened: %q", got)
	}
}

func TestMaskIDAndAmount(t *testing.T) {
	withProduction(t, true)
	if got := MaskID("acc-1234567890"); got != "acc-1234..." {
		t.Errorf("MaskID() = %q", got)
	}
	if got := MaskID("short"); got != "***" {
		t.Errorf("MaskID(short) = %q", got)
	}
	if got := MaskAmount(decimal.RequireFromString("-28.34")); got != "***" {
		t.Errorf("MaskAmount() = %q", got)
	}

	withProduction(t, false)
	if got := MaskAmount(decimal.RequireFromString("-28.3")); got != "-28.30" {
		t.Errorf("MaskAmount() = %q", got)
	}
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "warn")
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("unexpected output %q", out)
	}

	if lvl := NewLogger(&buf, "nonsense").GetLevel(); lvl != zerolog.InfoLevel {
		t.Errorf("unknown level should fall back to info, got %s", lvl)
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewLogger(&buf, "debug"))

	LogProviderCall(ctx, "tink", "transactions", "acc-1", 12, 40*time.Millisecond)
	if !strings.Contains(buf.String(), `"records":12`) {
		t.Errorf("provider call not logged: %q", buf.String())
	}

	// No logger in the context: nothing is written and nothing panics.
	LogProviderCall(context.Background(), "tink", "transactions", "acc-1", 1, time.Millisecond)
}
