package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/LovationAdmin/bank-aggregator/models"
)

// Settings are the runtime knobs of the aggregator.
type Settings struct {
	Concurrency int
	Timeout     time.Duration
	RetryDelays []time.Duration
	LogLevel    string
	Production  bool
	// RequestsPerMinute caps outbound calls per adapter; 0 means no cap.
	RequestsPerMinute int
}

// Config is everything Load produces.
type Config struct {
	Settings    Settings
	Connections []Connection
}

// Load reads `.env` (if any), then an optional config file named by
// BANKFEED_CONFIG, then BANKFEED_* environment overrides. When the file lists
// no connections, connections are built from the per-provider environment
// variables (PLAID_CLIENT_ID, GOCARDLESS_SECRET_ID, ...).
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetDefault("concurrency", 4)
	v.SetDefault("timeout", "60s")
	v.SetDefault("retry_delays", "5s,15s,30s")
	v.SetDefault("log_level", "info")
	v.SetDefault("requests_per_minute", 0)

	v.SetEnvPrefix("BANKFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("BANKFEED_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	return FromViper(v)
}

// FromViper builds a Config from an already-populated viper instance.
func FromViper(v *viper.Viper) (Config, error) {
	settings, err := settingsFrom(v)
	if err != nil {
		return Config{}, err
	}

	var raw []map[string]interface{}
	if err := v.UnmarshalKey("connections", &raw); err != nil {
		return Config{}, fmt.Errorf("decode connections: %w", err)
	}

	conns := make([]Connection, 0, len(raw))
	seen := map[string]bool{}
	for i, entry := range raw {
		values := make(map[string]string, len(entry))
		for k, val := range entry {
			values[strings.ToLower(k)] = fmt.Sprint(val)
		}
		conn, err := connectionFrom(values)
		if err != nil {
			return Config{}, fmt.Errorf("connection #%d: %w", i+1, err)
		}
		if seen[conn.ID] {
			return Config{}, &models.ConfigError{Provider: conn.Provider, Field: "id", Reason: fmt.Sprintf("duplicate connection id %q", conn.ID)}
		}
		seen[conn.ID] = true
		conns = append(conns, conn)
	}

	if len(conns) == 0 {
		conns, err = ConnectionsFromEnv()
		if err != nil {
			return Config{}, err
		}
	}

	return Config{Settings: settings, Connections: conns}, nil
}

func settingsFrom(v *viper.Viper) (Settings, error) {
	s := Settings{
		Concurrency: v.GetInt("concurrency"),
		Timeout:     v.GetDuration("timeout"),
		LogLevel:    strings.ToLower(v.GetString("log_level")),
		Production:  v.GetString("environment") == "production" || os.Getenv("GIN_MODE") == "release",

		RequestsPerMinute: v.GetInt("requests_per_minute"),
	}
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	if s.RequestsPerMinute < 0 {
		return Settings{}, &models.ConfigError{Provider: "settings", Field: "requests_per_minute", Reason: "must not be negative"}
	}
	delays, err := ParseDelays(v.GetString("retry_delays"))
	if err != nil {
		return Settings{}, err
	}
	s.RetryDelays = delays
	return s, nil
}

// ParseDelays parses "5s,15s,30s". Delays must be strictly increasing.
// "none" yields an empty, non-nil list, which disables retries.
func ParseDelays(raw string) ([]time.Duration, error) {
	if strings.EqualFold(strings.TrimSpace(raw), "none") {
		return []time.Duration{}, nil
	}
	var out []time.Duration
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, &models.ConfigError{Provider: "settings", Field: "retry_delays", Reason: err.Error()}
		}
		if len(out) > 0 && d <= out[len(out)-1] {
			return nil, &models.ConfigError{Provider: "settings", Field: "retry_delays", Reason: "delays must be strictly increasing"}
		}
		out = append(out, d)
	}
	return out, nil
}

func connectionFrom(values map[string]string) (Connection, error) {
	provider := values["provider"]
	id := values["id"]
	label := values["label"]
	delete(values, "provider")
	delete(values, "id")
	delete(values, "label")

	if provider == "" {
		return Connection{}, &models.ConfigError{Provider: "connection", Field: "provider", Reason: "required field is missing"}
	}
	cfg, err := Decode(provider, values)
	if err != nil {
		return Connection{}, err
	}
	if id == "" {
		id = cfg.ProviderName()
	}
	return Connection{ID: id, Label: label, Provider: cfg.ProviderName(), Config: cfg}, nil
}

// ============================================================================
// ENVIRONMENT CONNECTIONS
// ============================================================================

// envConnections lists the per-provider environment variables, keyed by
// schema field. A provider is configured when its trigger variable is set.
var envConnections = []struct {
	provider string
	trigger  string
	fields   map[string]string
}{
	{ProviderPlaid, "PLAID_CLIENT_ID", map[string]string{
		"client_id": "PLAID_CLIENT_ID", "secret": "PLAID_SECRET", "access_token": "PLAID_ACCESS_TOKEN",
		"environment": "PLAID_ENV", "base_url": "PLAID_BASE_URL",
	}},
	{ProviderEnableBanking, "ENABLE_BANKING_APPLICATION_ID", map[string]string{
		"application_id": "ENABLE_BANKING_APPLICATION_ID", "private_key_path": "ENABLE_BANKING_PRIVATE_KEY_PATH",
		"private_key": "ENABLE_BANKING_PRIVATE_KEY", "session_id": "ENABLE_BANKING_SESSION_ID", "base_url": "ENABLE_BANKING_BASE_URL",
	}},
	{ProviderTink, "TINK_ACCESS_TOKEN", map[string]string{
		"access_token": "TINK_ACCESS_TOKEN", "base_url": "TINK_BASE_URL",
	}},
	{ProviderTeller, "TELLER_ACCESS_TOKEN", map[string]string{
		"access_token": "TELLER_ACCESS_TOKEN", "certificate_path": "TELLER_CERT_PATH", "private_key_path": "TELLER_KEY_PATH",
		"pkcs12_path": "TELLER_P12_PATH", "pkcs12_password": "TELLER_P12_PASSWORD", "environment": "TELLER_ENV", "base_url": "TELLER_BASE_URL",
	}},
	{ProviderGoCardless, "GOCARDLESS_SECRET_ID", map[string]string{
		"secret_id": "GOCARDLESS_SECRET_ID", "secret_key": "GOCARDLESS_SECRET_KEY",
		"requisition_id": "GOCARDLESS_REQUISITION_ID", "base_url": "GOCARDLESS_BASE_URL",
	}},
	{ProviderMock, "BANKFEED_MOCK_SEED", map[string]string{
		"seed": "BANKFEED_MOCK_SEED", "accounts": "BANKFEED_MOCK_ACCOUNTS",
	}},
}

// ConnectionsFromEnv builds at most one connection per provider from the
// process environment. The connection id is the provider name.
func ConnectionsFromEnv() ([]Connection, error) {
	var conns []Connection
	for _, ec := range envConnections {
		if strings.TrimSpace(os.Getenv(ec.trigger)) == "" {
			continue
		}
		values := make(map[string]string, len(ec.fields))
		for field, env := range ec.fields {
			values[field] = os.Getenv(env)
		}
		cfg, err := Decode(ec.provider, values)
		if err != nil {
			return nil, err
		}
		conns = append(conns, Connection{ID: ec.provider, Provider: ec.provider, Config: cfg})
	}
	return conns, nil
}
