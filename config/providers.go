package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/LovationAdmin/bank-aggregator/models"
	"github.com/LovationAdmin/bank-aggregator/utils"
)

const (
	ProviderPlaid         = "plaid"
	ProviderEnableBanking = "enablebanking"
	ProviderTink          = "tink"
	ProviderTeller        = "teller"
	ProviderGoCardless    = "gocardless"
	ProviderMock          = "mock"
)

// ProviderConfig is implemented by one struct per provider. Adapters type
// switch on it, so a Plaid adapter can never be handed Teller credentials
// without a ConfigError.
type ProviderConfig interface {
	ProviderName() string
	// Values flattens the config into schema field names for validation.
	Values() map[string]string
}

// Connection binds one credential set to one provider.
type Connection struct {
	ID       string
	Label    string
	Provider string
	Config   ProviderConfig
}

// ============================================================================
// PER-PROVIDER CONFIGS
// ============================================================================

type PlaidConfig struct {
	ClientID    string
	Secret      string
	AccessToken string
	Environment string
	BaseURL     string
}

func (PlaidConfig) ProviderName() string { return ProviderPlaid }

func (c PlaidConfig) Values() map[string]string {
	return compact(map[string]string{
		"client_id":    c.ClientID,
		"secret":       c.Secret,
		"access_token": c.AccessToken,
		"environment":  c.Environment,
		"base_url":     c.BaseURL,
	})
}

type EnableBankingConfig struct {
	ApplicationID  string
	PrivateKeyPath string
	PrivateKeyPEM  string
	SessionID      string
	BaseURL        string
}

func (EnableBankingConfig) ProviderName() string { return ProviderEnableBanking }

func (c EnableBankingConfig) Values() map[string]string {
	return compact(map[string]string{
		"application_id":   c.ApplicationID,
		"private_key_path": c.PrivateKeyPath,
		"private_key":      c.PrivateKeyPEM,
		"session_id":       c.SessionID,
		"base_url":         c.BaseURL,
	})
}

type TinkConfig struct {
	AccessToken string
	BaseURL     string
}

func (TinkConfig) ProviderName() string { return ProviderTink }

func (c TinkConfig) Values() map[string]string {
	return compact(map[string]string{
		"access_token": c.AccessToken,
		"base_url":     c.BaseURL,
	})
}

type TellerConfig struct {
	AccessToken     string
	CertificatePath string
	PrivateKeyPath  string
	PKCS12Path      string
	PKCS12Password  string
	Environment     string
	BaseURL         string
}

func (TellerConfig) ProviderName() string { return ProviderTeller }

func (c TellerConfig) Values() map[string]string {
	return compact(map[string]string{
		"access_token":     c.AccessToken,
		"certificate_path": c.CertificatePath,
		"private_key_path": c.PrivateKeyPath,
		"pkcs12_path":      c.PKCS12Path,
		"pkcs12_password":  c.PKCS12Password,
		"environment":      c.Environment,
		"base_url":         c.BaseURL,
	})
}

type GoCardlessConfig struct {
	SecretID      string
	SecretKey     string
	RequisitionID string
	BaseURL       string
}

func (GoCardlessConfig) ProviderName() string { return ProviderGoCardless }

func (c GoCardlessConfig) Values() map[string]string {
	return compact(map[string]string{
		"secret_id":      c.SecretID,
		"secret_key":     c.SecretKey,
		"requisition_id": c.RequisitionID,
		"base_url":       c.BaseURL,
	})
}

type MockConfig struct {
	Seed     string
	Accounts int
}

func (MockConfig) ProviderName() string { return ProviderMock }

func (c MockConfig) Values() map[string]string {
	v := map[string]string{"seed": c.Seed}
	if c.Accounts > 0 {
		v["accounts"] = strconv.Itoa(c.Accounts)
	}
	return compact(v)
}

// ============================================================================
// DECODING
// ============================================================================

// Decode turns a flat field map (from a config file or the environment) into
// the typed config for provider, validating it against the provider schema.
func Decode(provider string, values map[string]string) (ProviderConfig, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	schema, ok := Schemas[provider]
	if !ok {
		return nil, &models.ConfigError{Provider: provider, Reason: "unknown provider"}
	}
	values = compact(values)
	if err := Validate(provider, schema, values); err != nil {
		return nil, err
	}
	if err := unsealSecrets(provider, schema, values); err != nil {
		return nil, err
	}

	switch provider {
	case ProviderPlaid:
		return PlaidConfig{
			ClientID:    values["client_id"],
			Secret:      values["secret"],
			AccessToken: values["access_token"],
			Environment: values["environment"],
			BaseURL:     values["base_url"],
		}, nil
	case ProviderEnableBanking:
		return EnableBankingConfig{
			ApplicationID:  values["application_id"],
			PrivateKeyPath: values["private_key_path"],
			PrivateKeyPEM:  values["private_key"],
			SessionID:      values["session_id"],
			BaseURL:        values["base_url"],
		}, nil
	case ProviderTink:
		return TinkConfig{AccessToken: values["access_token"], BaseURL: values["base_url"]}, nil
	case ProviderTeller:
		return TellerConfig{
			AccessToken:     values["access_token"],
			CertificatePath: values["certificate_path"],
			PrivateKeyPath:  values["private_key_path"],
			PKCS12Path:      values["pkcs12_path"],
			PKCS12Password:  values["pkcs12_password"],
			Environment:     values["environment"],
			BaseURL:         values["base_url"],
		}, nil
	case ProviderGoCardless:
		return GoCardlessConfig{
			SecretID:      values["secret_id"],
			SecretKey:     values["secret_key"],
			RequisitionID: values["requisition_id"],
			BaseURL:       values["base_url"],
		}, nil
	default:
		cfg := MockConfig{Seed: values["seed"]}
		if raw := values["accounts"]; raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				return nil, &models.ConfigError{Provider: provider, Field: "accounts", Reason: fmt.Sprintf("must be a positive integer, got %q", raw)}
			}
			cfg.Accounts = n
		}
		return cfg, nil
	}
}

// unsealSecrets decrypts "enc:" values of secret fields in place. The key is
// only needed when a sealed value is present.
func unsealSecrets(provider string, schema []Field, values map[string]string) error {
	var key []byte
	for _, f := range schema {
		v := values[f.Name]
		if !f.Secret || !utils.IsSealed(v) {
			continue
		}
		if key == nil {
			k, err := utils.EncryptionKey()
			if err != nil {
				return &models.ConfigError{Provider: provider, Field: f.Name, Reason: err.Error()}
			}
			key = k
		}
		plain, err := utils.Unseal(key, v)
		if err != nil {
			return &models.ConfigError{Provider: provider, Field: f.Name, Reason: "cannot decrypt sealed value"}
		}
		values[f.Name] = plain
	}
	return nil
}

func compact(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if v = strings.TrimSpace(v); v != "" {
			out[k] = v
		}
	}
	return out
}
