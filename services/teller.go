package services

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/pkcs12"

	"github.com/LovationAdmin/bank-aggregator/config"
	"github.com/LovationAdmin/bank-aggregator/models"
	"github.com/LovationAdmin/bank-aggregator/utils"
)

const (
	tellerBaseURL  = "https://api.teller.io"
	tellerPageSize = 100
)

// TellerProvider talks to Teller over a client-certificate TLS connection,
// authenticating each call with the enrollment token as the basic-auth user
// and an empty password.
type TellerProvider struct {
	opts AdapterOptions

	mu      sync.Mutex
	clients map[string]*http.Client // by certificate identity
}

func NewTellerProvider(opts AdapterOptions) *TellerProvider {
	return &TellerProvider{opts: opts, clients: make(map[string]*http.Client)}
}

func (p *TellerProvider) Name() string { return config.ProviderTeller }

func (p *TellerProvider) ConfigSchema() []config.Field { return config.TellerSchema }

func (p *TellerProvider) ValidateConfig(cfg config.ProviderConfig) error {
	if err := validateAgainst(p.Name(), config.TellerSchema, cfg); err != nil {
		return err
	}
	c := cfg.(config.TellerConfig)
	hasPair := c.CertificatePath != "" || c.PrivateKeyPath != ""
	if hasPair && (c.CertificatePath == "" || c.PrivateKeyPath == "") {
		return &models.ConfigError{Provider: p.Name(), Field: "private_key_path", Reason: "certificate_path and private_key_path must be set together"}
	}
	if hasPair && c.PKCS12Path != "" {
		return &models.ConfigError{Provider: p.Name(), Field: "pkcs12_path", Reason: "use either a PEM pair or a .p12 bundle, not both"}
	}
	if c.Environment != "" && c.Environment != "sandbox" && !hasPair && c.PKCS12Path == "" {
		return &models.ConfigError{Provider: p.Name(), Field: "certificate_path", Reason: "a client certificate is required outside the sandbox"}
	}
	_, err := loadClientCertificate(c)
	return err
}

// ========== TRANSPORT ==========

// httpClient returns the mTLS client for c, building it once per certificate.
func (p *TellerProvider) httpClient(c config.TellerConfig) (*http.Client, error) {
	if p.opts.HTTPClient != nil && c.BaseURL != "" {
		return p.opts.httpClient(), nil
	}

	identity := c.CertificatePath + "|" + c.PKCS12Path
	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[identity]; ok {
		return client, nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	cert, err := loadClientCertificate(c)
	if err != nil {
		return nil, err
	}
	if cert != nil {
		tlsConfig.Certificates = []tls.Certificate{*cert}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	opts := p.opts
	opts.HTTPClient = &http.Client{Timeout: 30 * time.Second, Transport: transport}
	client := opts.httpClient()
	p.clients[identity] = client
	return client, nil
}

// loadClientCertificate reads the PEM pair or the PKCS#12 bundle. It returns
// nil when neither is configured (sandbox).
func loadClientCertificate(c config.TellerConfig) (*tls.Certificate, error) {
	switch {
	case c.PKCS12Path != "":
		data, err := os.ReadFile(c.PKCS12Path)
		if err != nil {
			return nil, &models.ConfigError{Provider: config.ProviderTeller, Field: "pkcs12_path", Reason: err.Error()}
		}
		key, leaf, err := pkcs12.Decode(data, c.PKCS12Password)
		if err != nil {
			return nil, &models.ConfigError{Provider: config.ProviderTeller, Field: "pkcs12_path", Reason: "cannot decode bundle: " + err.Error()}
		}
		return &tls.Certificate{Certificate: [][]byte{leaf.Raw}, PrivateKey: key, Leaf: leaf}, nil
	case c.CertificatePath != "":
		cert, err := tls.LoadX509KeyPair(c.CertificatePath, c.PrivateKeyPath)
		if err != nil {
			return nil, &models.ConfigError{Provider: config.ProviderTeller, Field: "certificate_path", Reason: err.Error()}
		}
		return &cert, nil
	default:
		return nil, nil
	}
}

func (p *TellerProvider) rest(cfg config.ProviderConfig) (*restClient, error) {
	c, ok := cfg.(config.TellerConfig)
	if !ok {
		return nil, wrongConfig(p.Name(), cfg)
	}
	client, err := p.httpClient(c)
	if err != nil {
		return nil, err
	}
	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = tellerBaseURL
	}
	return &restClient{
		provider: p.Name(),
		baseURL:  baseURL,
		client:   client,
		retry:    p.opts.Retry,
		authorize: func(req *http.Request) error {
			req.SetBasicAuth(c.AccessToken, "")
			return nil
		},
	}, nil
}

// ========== ACCOUNTS ==========

type tellerAccount struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	LastFour    string `json:"last_four"`
	Currency    string `json:"currency"`
	Type        string `json:"type"`
	Subtype     string `json:"subtype"`
	Institution struct {
		Name string `json:"name"`
	} `json:"institution"`
}

func (a tellerAccount) toModel() models.Account {
	ident := ""
	if a.LastFour != "" {
		ident = "****" + a.LastFour
	}
	return models.Account{
		UID:                a.ID,
		ExternalIdentifier: ident,
		DisplayName:        utils.FirstNonEmpty(a.Name, a.Subtype, a.ID),
		CurrencyCode:       a.Currency,
		Provider:           config.ProviderTeller,
	}
}

func (p *TellerProvider) ListAccounts(ctx context.Context, cfg config.ProviderConfig) ([]models.Account, error) {
	api, err := p.rest(cfg)
	if err != nil {
		return nil, err
	}
	var raw []tellerAccount
	if err := api.get(ctx, "/accounts", nil, &raw); err != nil {
		return nil, err
	}
	accounts := make([]models.Account, 0, len(raw))
	for _, a := range raw {
		accounts = append(accounts, a.toModel())
	}
	return accounts, nil
}

// ========== BALANCES ==========

func (p *TellerProvider) GetBalance(ctx context.Context, cfg config.ProviderConfig, accountID string) ([]models.Balance, error) {
	api, err := p.rest(cfg)
	if err != nil {
		return nil, err
	}

	// Balances carry no currency; it lives on the account.
	var account tellerAccount
	if err := api.get(ctx, "/accounts/"+url.PathEscape(accountID), nil, &account); err != nil {
		return nil, err
	}
	var resp struct {
		Ledger    *string `json:"ledger"`
		Available *string `json:"available"`
	}
	if err := api.get(ctx, "/accounts/"+url.PathEscape(accountID)+"/balances", nil, &resp); err != nil {
		return nil, err
	}

	var balances []models.Balance
	for _, b := range []struct {
		kind  string
		value *string
	}{{"ledger", resp.Ledger}, {"available", resp.Available}} {
		if b.value == nil {
			continue
		}
		amount, err := utils.SignedAmount(*b.value)
		if err != nil {
			return nil, models.NewProviderError(p.Name(), models.KindMalformedResponse, 0, b.kind+" balance: "+err.Error(), err)
		}
		balances = append(balances, models.Balance{AccountID: accountID, Amount: amount, CurrencyCode: account.Currency, Type: b.kind})
	}
	return balances, nil
}

// ========== TRANSACTIONS ==========

type tellerTransaction struct {
	ID          string `json:"id"`
	AccountID   string `json:"account_id"`
	Amount      string `json:"amount"`
	Date        string `json:"date"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Type        string `json:"type"`
	Details     struct {
		Category     string `json:"category"`
		Counterparty *struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"counterparty"`
	} `json:"details"`

	raw  json.RawMessage
	date time.Time
}

func (p *TellerProvider) ListTransactions(ctx context.Context, cfg config.ProviderConfig, accountID string, filter *models.Filter) ([]models.Transaction, error) {
	api, err := p.rest(cfg)
	if err != nil {
		return nil, err
	}

	// Transactions carry no currency, so look the account up first.
	var account tellerAccount
	if err := api.get(ctx, "/accounts/"+url.PathEscape(accountID), nil, &account); err != nil {
		return nil, err
	}

	var lowerBound *time.Time
	if filter != nil {
		lowerBound = filter.DateFrom
	}

	start := time.Now()
	path := "/accounts/" + url.PathEscape(accountID) + "/transactions"
	records, err := CollectCursorPages(ctx, p.Name(), CursorOptions[tellerTransaction]{
		PageSize:   tellerPageSize,
		IDOf:       func(t tellerTransaction) string { return t.ID },
		DateOf:     func(t tellerTransaction) time.Time { return t.date },
		LowerBound: lowerBound,
	}, func(ctx context.Context, fromID string, count int) ([]tellerTransaction, error) {
		q := url.Values{"count": {strconv.Itoa(count)}}
		if fromID != "" {
			q.Set("from_id", fromID)
		}
		var page []json.RawMessage
		if err := api.get(ctx, path, q, &page); err != nil {
			return nil, err
		}
		out := make([]tellerTransaction, len(page))
		for i, raw := range page {
			if err := json.Unmarshal(raw, &out[i]); err != nil {
				return nil, models.NewProviderError(p.Name(), models.KindMalformedResponse, 0, "transaction record", err)
			}
			d, err := models.ParseDate(out[i].Date)
			if err != nil {
				return nil, models.NewProviderError(p.Name(), models.KindMalformedResponse, 0, "transaction date", err)
			}
			out[i].raw = raw
			out[i].date = d
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	txs := make([]models.Transaction, 0, len(records))
	for _, rec := range records {
		amount, err := utils.SignedAmount(rec.Amount)
		if err != nil {
			return nil, models.NewProviderError(p.Name(), models.KindMalformedResponse, 0, "transaction amount: "+err.Error(), err)
		}
		var merchant string
		if rec.Details.Counterparty != nil {
			merchant = rec.Details.Counterparty.Name
		}
		tx := models.NewTransaction(rec.ID, accountID, rec.date, amount, account.Currency,
			utils.FirstNonEmpty(rec.Description, merchant, "Unknown"))
		tx.MerchantName = models.StringPtr(merchant)
		tx.Category = models.StringPtr(rec.Details.Category)
		tx.Pending = rec.Status == "pending"
		tx.Raw = rec.raw
		txs = append(txs, tx)
	}
	txs = inWindow(txs, filter)
	utils.LogProviderCall(ctx, p.Name(), "transactions", accountID, len(txs), time.Since(start))
	return txs, nil
}

var _ Provider = (*TellerProvider)(nil)
