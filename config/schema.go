package config

import (
	"fmt"
	"strings"

	"github.com/LovationAdmin/bank-aggregator/models"
)

// Field describes one configuration value an adapter needs. The setup wizard
// (outside this module) reads these to drive its prompts; we only validate.
type Field struct {
	Name        string `json:"name"`
	Required    bool   `json:"required"`
	Secret      bool   `json:"secret"`
	Description string `json:"description"`
}

// ============================================================================
// PROVIDER SCHEMAS
// ============================================================================

var PlaidSchema = []Field{
	{Name: "client_id", Required: true, Description: "Plaid client id (PLAID-CLIENT-ID header)"},
	{Name: "secret", Required: true, Secret: true, Description: "Plaid secret for the chosen environment"},
	{Name: "access_token", Required: true, Secret: true, Description: "Item access token"},
	{Name: "environment", Description: "sandbox, development or production (default sandbox)"},
	{Name: "base_url", Description: "Override the API host"},
}

var EnableBankingSchema = []Field{
	{Name: "application_id", Required: true, Description: "Application id, used as the JWT kid"},
	{Name: "private_key_path", Description: "Path to the application's RSA private key (PEM)"},
	{Name: "private_key", Secret: true, Description: "Inline RSA private key (PEM), alternative to private_key_path"},
	{Name: "session_id", Required: true, Description: "Authorized session id"},
	{Name: "base_url", Description: "Override the API host"},
}

var TinkSchema = []Field{
	{Name: "access_token", Required: true, Secret: true, Description: "User access token with accounts:read and transactions:read"},
	{Name: "base_url", Description: "Override the API host"},
}

var TellerSchema = []Field{
	{Name: "access_token", Required: true, Secret: true, Description: "Enrollment access token"},
	{Name: "certificate_path", Description: "Client certificate (PEM)"},
	{Name: "private_key_path", Description: "Client private key (PEM)"},
	{Name: "pkcs12_path", Description: "Client certificate bundle (.p12), alternative to the PEM pair"},
	{Name: "pkcs12_password", Secret: true, Description: "Password for the .p12 bundle"},
	{Name: "environment", Description: "sandbox, development or production"},
	{Name: "base_url", Description: "Override the API host"},
}

var GoCardlessSchema = []Field{
	{Name: "secret_id", Required: true, Description: "Bank Account Data secret id"},
	{Name: "secret_key", Required: true, Secret: true, Description: "Bank Account Data secret key"},
	{Name: "requisition_id", Required: true, Description: "Linked requisition id"},
	{Name: "base_url", Description: "Override the API host"},
}

var MockSchema = []Field{
	{Name: "seed", Description: "Seed for the synthetic data set"},
	{Name: "accounts", Description: "Number of synthetic accounts (default 2)"},
}

// Schemas indexes every schema by provider name.
var Schemas = map[string][]Field{
	ProviderPlaid:         PlaidSchema,
	ProviderEnableBanking: EnableBankingSchema,
	ProviderTink:          TinkSchema,
	ProviderTeller:        TellerSchema,
	ProviderGoCardless:    GoCardlessSchema,
	ProviderMock:          MockSchema,
}

// Validate checks values against schema and returns the first failure as a
// ConfigError naming the field.
func Validate(provider string, schema []Field, values map[string]string) error {
	for _, f := range schema {
		if !f.Required {
			continue
		}
		if strings.TrimSpace(values[f.Name]) == "" {
			return &models.ConfigError{Provider: provider, Field: f.Name, Reason: "required field is missing"}
		}
	}
	known := make(map[string]bool, len(schema))
	for _, f := range schema {
		known[f.Name] = true
	}
	for k := range values {
		if !known[k] {
			return &models.ConfigError{Provider: provider, Field: k, Reason: fmt.Sprintf("unknown field for %s", provider)}
		}
	}
	return nil
}
