package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Direction is a provider's credit/debit marker once mapped by the adapter.
// Neutral means "trust the sign of the magnitude".
type Direction int

const (
	DirectionNeutral Direction = iota
	DirectionCredit
	DirectionDebit
)

// ============================================================================
// 1. PRE-SIGNED DECIMAL STRINGS
// ============================================================================

// SignedAmount parses an amount that already carries its sign ("-28.34").
func SignedAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(strings.TrimPrefix(raw, "+"))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return d, nil
}

// ============================================================================
// 2. MAGNITUDE + DIRECTION
// ============================================================================

// DirectedAmount applies dir to magnitude. Debit is always negative, credit
// always positive, neutral keeps whatever sign the magnitude had.
func DirectedAmount(magnitude string, dir Direction) (decimal.Decimal, error) {
	d, err := SignedAmount(magnitude)
	if err != nil {
		return decimal.Zero, err
	}
	return applyDirection(d, dir), nil
}

func applyDirection(d decimal.Decimal, dir Direction) decimal.Decimal {
	switch dir {
	case DirectionDebit:
		return d.Abs().Neg()
	case DirectionCredit:
		return d.Abs()
	default:
		return d
	}
}

// InvertedAmount handles APIs that report outflows as positive floats.
func InvertedAmount(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Neg()
}

// ============================================================================
// 3. FIXED-POINT {unscaledValue, scale}
// ============================================================================

// FixedPoint is an integer magnitude with a power-of-ten scale. It decodes
// both the flat shape and the shape nested one level under "value", with the
// numbers given either as JSON strings or JSON numbers.
type FixedPoint struct {
	UnscaledValue string
	Scale         int32
}

func (fp *FixedPoint) UnmarshalJSON(b []byte) error {
	var wire struct {
		UnscaledValue json.RawMessage `json:"unscaledValue"`
		Scale         json.RawMessage `json:"scale"`
		Value         json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	if len(wire.UnscaledValue) == 0 && len(wire.Value) > 0 && !bytes.Equal(wire.Value, []byte("null")) {
		return fp.UnmarshalJSON(wire.Value)
	}
	unscaled, err := jsonScalar(wire.UnscaledValue)
	if err != nil {
		return fmt.Errorf("unscaledValue: %w", err)
	}
	fp.UnscaledValue = unscaled

	fp.Scale = 0
	if len(wire.Scale) > 0 {
		raw, err := jsonScalar(wire.Scale)
		if err != nil {
			return fmt.Errorf("scale: %w", err)
		}
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return fmt.Errorf("scale: %w", err)
		}
		fp.Scale = int32(n)
	}
	return nil
}

// Decimal returns unscaled × 10^-scale without touching floating point.
func (fp FixedPoint) Decimal() (decimal.Decimal, error) {
	if fp.UnscaledValue == "" {
		return decimal.Zero, fmt.Errorf("missing unscaledValue")
	}
	d, err := decimal.NewFromString(fp.UnscaledValue)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid unscaledValue %q: %w", fp.UnscaledValue, err)
	}
	return d.Shift(-fp.Scale), nil
}

// FixedPointAmount converts fp and applies dir.
func FixedPointAmount(fp FixedPoint, dir Direction) (decimal.Decimal, error) {
	d, err := fp.Decimal()
	if err != nil {
		return decimal.Zero, err
	}
	return applyDirection(d, dir), nil
}

// jsonScalar returns the text of a JSON string or number.
func jsonScalar(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("missing value")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}
