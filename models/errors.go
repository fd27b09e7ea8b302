package models

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// CONFIG ERRORS
// ============================================================================

// ConfigError means a connection's configuration is missing or invalid. It is
// raised before any network call and is never retried.
type ConfigError struct {
	Provider string
	Field    string
	Reason   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s config: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("%s config: %s: %s", e.Provider, e.Field, e.Reason)
}

// ============================================================================
// PROVIDER ERRORS
// ============================================================================

type ErrorKind string

const (
	KindAuth              ErrorKind = "auth"
	KindRateLimit         ErrorKind = "rate_limit"
	KindNotFound          ErrorKind = "not_found"
	KindMalformedResponse ErrorKind = "malformed_response"
	KindNetwork           ErrorKind = "network"
)

// Retryable reports whether the retry wrapper may try again.
func (k ErrorKind) Retryable() bool {
	return k == KindRateLimit || k == KindNetwork
}

// ProviderError is what every adapter returns on failure. StatusCode is the
// upstream HTTP status, zero when the request never got a response.
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (%d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, &ProviderError{Kind: KindNotFound}) match on kind.
func (e *ProviderError) Is(target error) bool {
	t, ok := target.(*ProviderError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Provider == "" || t.Provider == e.Provider)
}

// NewProviderError is a small constructor used by the adapters.
func NewProviderError(provider string, kind ErrorKind, status int, msg string, err error) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, StatusCode: status, Message: msg, Err: err}
}

// KindForStatus maps an HTTP status onto the taxonomy.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 404:
		return KindNotFound
	case status == 429:
		return KindRateLimit
	case status >= 500:
		return KindNetwork
	default:
		return KindMalformedResponse
	}
}

// KindOf extracts the kind of a provider error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// ============================================================================
// AGGREGATION ERRORS
// ============================================================================

type AggregationErrorKind string

const (
	UnknownConnection AggregationErrorKind = "unknown_connection"
	UnknownAccount    AggregationErrorKind = "unknown_account"
)

// AggregationError is terminal: a named connection or account does not exist.
type AggregationError struct {
	Kind         AggregationErrorKind
	ConnectionID string
	AccountID    string
}

func (e *AggregationError) Error() string {
	if e.Kind == UnknownAccount {
		return fmt.Sprintf("account %q not found on connection %q", e.AccountID, e.ConnectionID)
	}
	return fmt.Sprintf("connection %q is not configured", e.ConnectionID)
}

// ErrTimeout replaces partial results when the caller's deadline expires.
var ErrTimeout = errors.New("aggregation timed out before all providers answered")

// ============================================================================
// PARTIAL FAILURES
// ============================================================================

// Failure records one (connection, account) fetch that did not succeed while
// its siblings did.
type Failure struct {
	ConnectionID string    `json:"connection_id"`
	AccountID    string    `json:"account_id,omitempty"`
	Kind         ErrorKind `json:"kind"`
	Message      string    `json:"message"`
	Err          error     `json:"-"`
}

// NewFailure copies kind and message out of err.
func NewFailure(connectionID, accountID string, err error) Failure {
	f := Failure{ConnectionID: connectionID, AccountID: accountID, Err: err, Message: err.Error()}
	var pe *ProviderError
	if errors.As(err, &pe) {
		f.Kind = pe.Kind
		if pe.Message != "" {
			f.Message = pe.Message
		}
	}
	return f
}
