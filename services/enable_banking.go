package services

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/LovationAdmin/bank-aggregator/config"
	"github.com/LovationAdmin/bank-aggregator/models"
	"github.com/LovationAdmin/bank-aggregator/utils"
)

const enableBankingBaseURL = "https://api.enablebanking.com"

// EnableBankingProvider reads accounts from an already-authorized Enable
// Banking session. Requests are signed with an application JWT.
type EnableBankingProvider struct {
	opts   AdapterOptions
	client *http.Client

	mu     sync.Mutex
	tokens map[string]signedToken // by application id
}

type signedToken struct {
	value     string
	expiresAt time.Time
}

func NewEnableBankingProvider(opts AdapterOptions) *EnableBankingProvider {
	return &EnableBankingProvider{
		opts:   opts,
		client: opts.httpClient(),
		tokens: make(map[string]signedToken),
	}
}

func (p *EnableBankingProvider) Name() string { return config.ProviderEnableBanking }

func (p *EnableBankingProvider) ConfigSchema() []config.Field { return config.EnableBankingSchema }

func (p *EnableBankingProvider) ValidateConfig(cfg config.ProviderConfig) error {
	if err := validateAgainst(p.Name(), config.EnableBankingSchema, cfg); err != nil {
		return err
	}
	c := cfg.(config.EnableBankingConfig)
	if c.PrivateKeyPath == "" && c.PrivateKeyPEM == "" {
		return &models.ConfigError{Provider: p.Name(), Field: "private_key_path", Reason: "one of private_key_path or private_key is required"}
	}
	_, err := loadRSAKey(c)
	return err
}

func (p *EnableBankingProvider) rest(cfg config.ProviderConfig) (*restClient, config.EnableBankingConfig, error) {
	c, ok := cfg.(config.EnableBankingConfig)
	if !ok {
		return nil, c, wrongConfig(p.Name(), cfg)
	}
	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = enableBankingBaseURL
	}
	return &restClient{
		provider: p.Name(),
		baseURL:  baseURL,
		client:   p.client,
		retry:    p.opts.Retry,
		authorize: func(req *http.Request) error {
			token, err := p.applicationToken(c)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+token)
			return nil
		},
	}, c, nil
}

// ========== 1. AUTHENTICATION ==========

// applicationToken signs (or reuses) the RS256 JWT the API expects. The kid
// header carries the application id.
func (p *EnableBankingProvider) applicationToken(c config.EnableBankingConfig) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tok, ok := p.tokens[c.ApplicationID]; ok && time.Until(tok.expiresAt) > time.Minute {
		return tok.value, nil
	}

	key, err := loadRSAKey(c)
	if err != nil {
		return "", err
	}

	now := time.Now()
	expiresAt := now.Add(time.Hour)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    "enablebanking.com",
		Audience:  jwt.ClaimStrings{"api.enablebanking.com"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	token.Header["kid"] = c.ApplicationID

	signed, err := token.SignedString(key)
	if err != nil {
		return "", &models.ConfigError{Provider: config.ProviderEnableBanking, Field: "private_key", Reason: "cannot sign application token: " + err.Error()}
	}
	p.tokens[c.ApplicationID] = signedToken{value: signed, expiresAt: expiresAt}
	return signed, nil
}

func loadRSAKey(c config.EnableBankingConfig) (*rsa.PrivateKey, error) {
	pemData := []byte(c.PrivateKeyPEM)
	if len(pemData) == 0 {
		raw, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, &models.ConfigError{Provider: config.ProviderEnableBanking, Field: "private_key_path", Reason: err.Error()}
		}
		pemData = raw
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemData)
	if err != nil {
		return nil, &models.ConfigError{Provider: config.ProviderEnableBanking, Field: "private_key", Reason: "not an RSA private key: " + err.Error()}
	}
	return key, nil
}

// ========== 2. GET ACCOUNTS ==========

type ebSession struct {
	Accounts []string `json:"accounts"`
	Status   string   `json:"status"`
}

type ebAccountDetails struct {
	UID       string `json:"uid"`
	AccountID struct {
		IBAN  string `json:"iban"`
		Other struct {
			Identification string `json:"identification"`
		} `json:"other"`
	} `json:"account_id"`
	Name     string `json:"name"`
	Details  string `json:"details"`
	Product  string `json:"product"`
	Currency string `json:"currency"`
}

func (p *EnableBankingProvider) ListAccounts(ctx context.Context, cfg config.ProviderConfig) ([]models.Account, error) {
	api, c, err := p.rest(cfg)
	if err != nil {
		return nil, err
	}

	var session ebSession
	if err := api.get(ctx, "/sessions/"+url.PathEscape(c.SessionID), nil, &session); err != nil {
		return nil, err
	}

	accounts := make([]models.Account, 0, len(session.Accounts))
	for _, uid := range session.Accounts {
		var details ebAccountDetails
		if err := api.get(ctx, "/accounts/"+url.PathEscape(uid)+"/details", nil, &details); err != nil {
			return nil, err
		}
		accounts = append(accounts, models.Account{
			UID:                uid,
			ExternalIdentifier: utils.FirstNonEmpty(details.AccountID.IBAN, details.AccountID.Other.Identification),
			DisplayName:        utils.FirstNonEmpty(details.Name, details.Product, details.Details, uid),
			CurrencyCode:       details.Currency,
			Provider:           p.Name(),
		})
	}
	return accounts, nil
}

// ========== 3. GET BALANCES ==========

type ebAmount struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

type ebBalances struct {
	Balances []struct {
		Name          string   `json:"name"`
		BalanceAmount ebAmount `json:"balance_amount"`
		BalanceType   string   `json:"balance_type"`
	} `json:"balances"`
}

func (p *EnableBankingProvider) GetBalance(ctx context.Context, cfg config.ProviderConfig, accountID string) ([]models.Balance, error) {
	api, _, err := p.rest(cfg)
	if err != nil {
		return nil, err
	}

	var resp ebBalances
	if err := api.get(ctx, "/accounts/"+url.PathEscape(accountID)+"/balances", nil, &resp); err != nil {
		return nil, err
	}

	balances := make([]models.Balance, 0, len(resp.Balances))
	for _, b := range resp.Balances {
		amount, err := utils.SignedAmount(b.BalanceAmount.Amount)
		if err != nil {
			return nil, models.NewProviderError(p.Name(), models.KindMalformedResponse, 0, "balance amount: "+err.Error(), err)
		}
		balances = append(balances, models.Balance{
			AccountID:    accountID,
			Amount:       amount,
			CurrencyCode: b.BalanceAmount.Currency,
			Type:         utils.FirstNonEmpty(b.BalanceType, b.Name),
		})
	}
	return balances, nil
}

// ========== 4. GET TRANSACTIONS ==========

type ebTransactionPage struct {
	Transactions    []json.RawMessage `json:"transactions"`
	ContinuationKey *string           `json:"continuation_key"`
}

type ebParty struct {
	Name string `json:"name"`
}

type ebTransaction struct {
	EntryReference       string   `json:"entry_reference"`
	TransactionID        string   `json:"transaction_id"`
	TransactionAmount    ebAmount `json:"transaction_amount"`
	CreditDebitIndicator string   `json:"credit_debit_indicator"`
	Status               string   `json:"status"`
	BookingDate          string   `json:"booking_date"`
	ValueDate            string   `json:"value_date"`
	TransactionDate      string   `json:"transaction_date"`
	Creditor             *ebParty `json:"creditor"`
	Debtor               *ebParty `json:"debtor"`
	RemittanceInfo       []string `json:"remittance_information"`
	ReferenceNumber      string   `json:"reference_number"`
	BankTransactionCode  *struct {
		Description string `json:"description"`
	} `json:"bank_transaction_code"`
}

type ebPageItem struct {
	raw   json.RawMessage
	page  string
	index int
}

func (p *EnableBankingProvider) ListTransactions(ctx context.Context, cfg config.ProviderConfig, accountID string, filter *models.Filter) ([]models.Transaction, error) {
	api, _, err := p.rest(cfg)
	if err != nil {
		return nil, err
	}

	base := url.Values{}
	from, to := filter.DateWindow()
	if from != "" {
		base.Set("date_from", from)
	}
	if to != "" {
		base.Set("date_to", to)
	}

	start := time.Now()
	path := "/accounts/" + url.PathEscape(accountID) + "/transactions"
	items, err := CollectTokenPages(ctx, p.Name(), func(ctx context.Context, token string) ([]ebPageItem, string, error) {
		q := url.Values{}
		for k, v := range base {
			q[k] = v
		}
		if token != "" {
			q.Set("continuation_key", token)
		}
		var page ebTransactionPage
		if err := api.get(ctx, path, q, &page); err != nil {
			return nil, "", err
		}
		out := make([]ebPageItem, len(page.Transactions))
		for i, raw := range page.Transactions {
			out[i] = ebPageItem{raw: raw, page: token, index: i}
		}
		next := ""
		if page.ContinuationKey != nil {
			next = *page.ContinuationKey
		}
		return out, next, nil
	})
	if err != nil {
		return nil, err
	}

	txs := make([]models.Transaction, 0, len(items))
	for _, it := range items {
		tx, err := p.normalize(accountID, it)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	utils.LogProviderCall(ctx, p.Name(), "transactions", accountID, len(txs), time.Since(start))
	return txs, nil
}

// ebDirection maps the ISO 20022 indicator. Anything other than CRDT/DBIT is
// treated as neutral so the amount keeps its own sign.
func ebDirection(indicator string) utils.Direction {
	switch strings.ToUpper(strings.TrimSpace(indicator)) {
	case "CRDT":
		return utils.DirectionCredit
	case "DBIT":
		return utils.DirectionDebit
	default:
		return utils.DirectionNeutral
	}
}

func (p *EnableBankingProvider) normalize(accountID string, it ebPageItem) (models.Transaction, error) {
	var raw ebTransaction
	if err := json.Unmarshal(it.raw, &raw); err != nil {
		return models.Transaction{}, models.NewProviderError(p.Name(), models.KindMalformedResponse, 0, "transaction record", err)
	}

	amount, err := utils.DirectedAmount(raw.TransactionAmount.Amount, ebDirection(raw.CreditDebitIndicator))
	if err != nil {
		return models.Transaction{}, models.NewProviderError(p.Name(), models.KindMalformedResponse, 0, "transaction amount: "+err.Error(), err)
	}

	date, err := models.ParseDate(utils.FirstNonEmpty(raw.BookingDate, raw.ValueDate, raw.TransactionDate))
	if err != nil {
		return models.Transaction{}, models.NewProviderError(p.Name(), models.KindMalformedResponse, 0, "transaction date", err)
	}

	id := utils.FirstNonEmpty(raw.EntryReference, raw.TransactionID)
	if id == "" {
		id = utils.CompositeID(p.Name(), accountID, it.page, it.index)
	}

	// The counterparty is whoever is on the other side of the money flow.
	var counterparty string
	if amount.IsNegative() && raw.Creditor != nil {
		counterparty = raw.Creditor.Name
	} else if !amount.IsNegative() && raw.Debtor != nil {
		counterparty = raw.Debtor.Name
	}

	var codeDescription string
	if raw.BankTransactionCode != nil {
		codeDescription = raw.BankTransactionCode.Description
	}
	description := utils.FirstNonEmpty(strings.Join(raw.RemittanceInfo, " "), codeDescription, counterparty, "Unknown")

	tx := models.NewTransaction(id, accountID, date, amount, raw.TransactionAmount.Currency, description)
	tx.MerchantName = models.StringPtr(counterparty)
	tx.Category = models.StringPtr(Categorize(utils.FirstNonEmpty(counterparty, description)))
	tx.Reference = models.StringPtr(raw.ReferenceNumber)
	tx.Pending = strings.EqualFold(raw.Status, "PDNG")
	tx.Raw = it.raw
	return tx, nil
}

var _ Provider = (*EnableBankingProvider)(nil)
