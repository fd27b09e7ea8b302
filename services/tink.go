package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/LovationAdmin/bank-aggregator/config"
	"github.com/LovationAdmin/bank-aggregator/models"
	"github.com/LovationAdmin/bank-aggregator/utils"
)

const (
	tinkBaseURL  = "https://api.tink.com"
	tinkPageSize = 100
)

// TinkProvider reads the Tink Data v2 API with a user access token. Amounts
// are fixed-point and already signed.
type TinkProvider struct {
	opts   AdapterOptions
	client *http.Client
}

func NewTinkProvider(opts AdapterOptions) *TinkProvider {
	return &TinkProvider{opts: opts, client: opts.httpClient()}
}

func (p *TinkProvider) Name() string { return config.ProviderTink }

func (p *TinkProvider) ConfigSchema() []config.Field { return config.TinkSchema }

func (p *TinkProvider) ValidateConfig(cfg config.ProviderConfig) error {
	return validateAgainst(p.Name(), config.TinkSchema, cfg)
}

func (p *TinkProvider) rest(cfg config.ProviderConfig) (*restClient, error) {
	c, ok := cfg.(config.TinkConfig)
	if !ok {
		return nil, wrongConfig(p.Name(), cfg)
	}
	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = tinkBaseURL
	}
	return &restClient{
		provider: p.Name(),
		baseURL:  baseURL,
		client:   p.client,
		retry:    p.opts.Retry,
		authorize: func(req *http.Request) error {
			req.Header.Set("Authorization", "Bearer "+c.AccessToken)
			return nil
		},
	}, nil
}

// tinkMoney is {value: {unscaledValue, scale}, currencyCode}.
type tinkMoney struct {
	Amount       utils.FixedPoint
	CurrencyCode string
}

func (m *tinkMoney) UnmarshalJSON(b []byte) error {
	var wire struct {
		CurrencyCode string `json:"currencyCode"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	m.CurrencyCode = wire.CurrencyCode
	return json.Unmarshal(b, &m.Amount)
}

type tinkBalanceSet map[string]*struct {
	Amount *tinkMoney `json:"amount"`
}

// ============================================================================
// ACCOUNTS
// ============================================================================

type tinkAccount struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Balances    tinkBalanceSet `json:"balances"`
	Identifiers struct {
		IBAN *struct {
			IBAN string `json:"iban"`
		} `json:"iban"`
		FinancialInstitution *struct {
			AccountNumber string `json:"accountNumber"`
		} `json:"financialInstitution"`
	} `json:"identifiers"`
}

func (a tinkAccount) currency() string {
	for _, kind := range []string{"booked", "available"} {
		if b := a.Balances[kind]; b != nil && b.Amount != nil && b.Amount.CurrencyCode != "" {
			return b.Amount.CurrencyCode
		}
	}
	return ""
}

func (p *TinkProvider) ListAccounts(ctx context.Context, cfg config.ProviderConfig) ([]models.Account, error) {
	api, err := p.rest(cfg)
	if err != nil {
		return nil, err
	}

	raw, err := CollectTokenPages(ctx, p.Name(), func(ctx context.Context, token string) ([]tinkAccount, string, error) {
		q := url.Values{"pageSize": {strconv.Itoa(tinkPageSize)}}
		if token != "" {
			q.Set("pageToken", token)
		}
		var page struct {
			Accounts      []tinkAccount `json:"accounts"`
			NextPageToken string        `json:"nextPageToken"`
		}
		if err := api.get(ctx, "/data/v2/accounts", q, &page); err != nil {
			return nil, "", err
		}
		return page.Accounts, page.NextPageToken, nil
	})
	if err != nil {
		return nil, err
	}

	accounts := make([]models.Account, 0, len(raw))
	for _, a := range raw {
		var ident string
		if a.Identifiers.IBAN != nil {
			ident = a.Identifiers.IBAN.IBAN
		}
		if ident == "" && a.Identifiers.FinancialInstitution != nil {
			ident = a.Identifiers.FinancialInstitution.AccountNumber
		}
		accounts = append(accounts, models.Account{
			UID:                a.ID,
			ExternalIdentifier: ident,
			DisplayName:        utils.FirstNonEmpty(a.Name, a.Type, a.ID),
			CurrencyCode:       a.currency(),
			Provider:           p.Name(),
		})
	}
	return accounts, nil
}

// ============================================================================
// BALANCES
// ============================================================================

func (p *TinkProvider) GetBalance(ctx context.Context, cfg config.ProviderConfig, accountID string) ([]models.Balance, error) {
	api, err := p.rest(cfg)
	if err != nil {
		return nil, err
	}

	var resp struct {
		AccountID string         `json:"accountId"`
		Balances  tinkBalanceSet `json:"balances"`
	}
	if err := api.get(ctx, "/data/v2/accounts/"+url.PathEscape(accountID)+"/balances", nil, &resp); err != nil {
		return nil, err
	}

	kinds := make([]string, 0, len(resp.Balances))
	for kind := range resp.Balances {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	balances := make([]models.Balance, 0, len(kinds))
	for _, kind := range kinds {
		b := resp.Balances[kind]
		if b == nil || b.Amount == nil {
			continue
		}
		amount, err := utils.FixedPointAmount(b.Amount.Amount, utils.DirectionNeutral)
		if err != nil {
			return nil, models.NewProviderError(p.Name(), models.KindMalformedResponse, 0, kind+" balance: "+err.Error(), err)
		}
		balances = append(balances, models.Balance{
			AccountID:    accountID,
			Amount:       amount,
			CurrencyCode: b.Amount.CurrencyCode,
			Type:         kind,
		})
	}
	return balances, nil
}

// ============================================================================
// TRANSACTIONS
// ============================================================================

type tinkTransaction struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"accountId"`
	Amount       tinkMoney `json:"amount"`
	Status       string    `json:"status"`
	Reference    string    `json:"reference"`
	Descriptions struct {
		Original string `json:"original"`
		Display  string `json:"display"`
	} `json:"descriptions"`
	Dates struct {
		Booked string `json:"booked"`
		Value  string `json:"value"`
	} `json:"dates"`
	Identifiers struct {
		ProviderTransactionID string `json:"providerTransactionId"`
	} `json:"identifiers"`
	Types struct {
		Type string `json:"type"`
	} `json:"types"`
	MerchantInformation *struct {
		MerchantName string `json:"merchantName"`
	} `json:"merchantInformation"`
	Categories *struct {
		PFM *struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"pfm"`
	} `json:"categories"`
}

type tinkPageItem struct {
	raw   json.RawMessage
	page  string
	index int
}

func (p *TinkProvider) ListTransactions(ctx context.Context, cfg config.ProviderConfig, accountID string, filter *models.Filter) ([]models.Transaction, error) {
	api, err := p.rest(cfg)
	if err != nil {
		return nil, err
	}

	from, to := filter.DateWindow()
	start := time.Now()
	items, err := CollectTokenPages(ctx, p.Name(), func(ctx context.Context, token string) ([]tinkPageItem, string, error) {
		q := url.Values{
			"accountIdIn": {accountID},
			"pageSize":    {strconv.Itoa(tinkPageSize)},
		}
		if from != "" {
			q.Set("bookedDateGte", from)
		}
		if to != "" {
			q.Set("bookedDateLte", to)
		}
		if token != "" {
			q.Set("pageToken", token)
		}
		var page struct {
			Transactions  []json.RawMessage `json:"transactions"`
			NextPageToken string            `json:"nextPageToken"`
		}
		if err := api.get(ctx, "/data/v2/transactions", q, &page); err != nil {
			return nil, "", err
		}
		out := make([]tinkPageItem, len(page.Transactions))
		for i, raw := range page.Transactions {
			out[i] = tinkPageItem{raw: raw, page: token, index: i}
		}
		return out, page.NextPageToken, nil
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

func (p *TinkProvider) normalize(accountID string, it tinkPageItem) (models.Transaction, error) {
	var rec tinkTransaction
	if err := json.Unmarshal(it.raw, &rec); err != nil {
		return models.Transaction{}, models.NewProviderError(p.Name(), models.KindMalformedResponse, 0, "transaction record", err)
	}

	// Tink's types.type is DEFAULT for ordinary card and account activity;
	// the unscaled value already carries the sign, so no direction is applied.
	amount, err := utils.FixedPointAmount(rec.Amount.Amount, utils.DirectionNeutral)
	if err != nil {
		return models.Transaction{}, models.NewProviderError(p.Name(), models.KindMalformedResponse, 0, "transaction amount: "+err.Error(), err)
	}

	date, err := models.ParseDate(utils.FirstNonEmpty(rec.Dates.Booked, rec.Dates.Value))
	if err != nil {
		return models.Transaction{}, models.NewProviderError(p.Name(), models.KindMalformedResponse, 0, "transaction date", err)
	}

	id := utils.FirstNonEmpty(rec.ID, rec.Identifiers.ProviderTransactionID)
	if id == "" {
		id = utils.CompositeID(p.Name(), accountID, it.page, it.index)
	}

	var merchant string
	if rec.MerchantInformation != nil {
		merchant = rec.MerchantInformation.MerchantName
	}
	var category string
	if rec.Categories != nil && rec.Categories.PFM != nil {
		category = utils.FirstNonEmpty(rec.Categories.PFM.Name, rec.Categories.PFM.ID)
	}

	description := utils.FirstNonEmpty(rec.Descriptions.Display, rec.Descriptions.Original, merchant, "Unknown")
	tx := models.NewTransaction(id, utils.FirstNonEmpty(rec.AccountID, accountID), date, amount, rec.Amount.CurrencyCode, description)
	tx.MerchantName = models.StringPtr(merchant)
	tx.Category = models.StringPtr(category)
	tx.Reference = models.StringPtr(rec.Reference)
	tx.Pending = strings.EqualFold(rec.Status, "PENDING")
	tx.Raw = it.raw
	return tx, nil
}

var _ Provider = (*TinkProvider)(nil)
