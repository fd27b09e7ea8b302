package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the calendar-day format used by every provider we talk to.
const DateLayout = "2006-01-02"

// ============================================================================
// ACCOUNT
// ============================================================================

// Account is one bank account as reported by a provider. UID is only unique
// within its connection.
type Account struct {
	UID                string `json:"uid"`
	ExternalIdentifier string `json:"external_identifier"` // IBAN or masked number
	DisplayName        string `json:"display_name"`
	CurrencyCode       string `json:"currency_code"`
	ConnectionID       string `json:"connection_id"`
	Provider           string `json:"provider"`
}

// ============================================================================
// TRANSACTION
// ============================================================================

type TransactionType string

const (
	Debit  TransactionType = "debit"
	Credit TransactionType = "credit"
)

// TypeForAmount derives the direction from the amount sign. The sign is the
// only source of truth: negative means money left the account.
func TypeForAmount(amount decimal.Decimal) TransactionType {
	if amount.IsNegative() {
		return Debit
	}
	return Credit
}

type Transaction struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Date         time.Time       `json:"-"`
	Amount       decimal.Decimal `json:"amount"`
	CurrencyCode string          `json:"currency_code"`
	Description  string          `json:"description"`
	MerchantName *string         `json:"merchant_name,omitempty"`
	Category     *string         `json:"category,omitempty"`
	Type         TransactionType `json:"type"`
	Reference    *string         `json:"reference,omitempty"`
	Pending      bool            `json:"pending,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// NewTransaction builds a transaction whose Type always agrees with the sign
// of amount. Adapters go through here instead of setting Type themselves.
func NewTransaction(id, accountID string, date time.Time, amount decimal.Decimal, currency, description string) Transaction {
	return Transaction{
		ID:           id,
		AccountID:    accountID,
		Date:         DateOnly(date),
		Amount:       amount,
		CurrencyCode: currency,
		Description:  description,
		Type:         TypeForAmount(amount),
	}
}

// MarshalJSON renders Date as a bare calendar day.
func (t Transaction) MarshalJSON() ([]byte, error) {
	type alias Transaction
	return json.Marshal(struct {
		alias
		Date string `json:"date"`
	}{alias(t), t.Date.Format(DateLayout)})
}

// DateOnly drops the time component and pins the day to UTC.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate accepts "YYYY-MM-DD" and RFC3339 timestamps.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return DateOnly(t), nil
}

// StringPtr returns nil for empty strings so optional fields stay absent.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ============================================================================
// BALANCE
// ============================================================================

// Balance.Type is the provider's own name for the balance kind (booked,
// available, ledger, CLBD, interimAvailable...). It is never mapped onto a
// shared enum.
type Balance struct {
	AccountID    string          `json:"account_id"`
	Amount       decimal.Decimal `json:"amount"`
	CurrencyCode string          `json:"currency_code"`
	Type         string          `json:"type"`
}
