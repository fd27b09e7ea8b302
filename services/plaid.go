package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/plaid/plaid-go/v20/plaid"
	"github.com/shopspring/decimal"

	"github.com/LovationAdmin/bank-aggregator/config"
	"github.com/LovationAdmin/bank-aggregator/models"
	"github.com/LovationAdmin/bank-aggregator/utils"
)

const (
	plaidPageSize = 500
	// Plaid requires a start date; this is used when the filter has none.
	plaidDefaultWindow = 90 * 24 * time.Hour
)

// PlaidProvider reads one Plaid item through the official SDK.
type PlaidProvider struct {
	opts AdapterOptions

	mu      sync.Mutex
	clients map[string]*plaid.APIClient // by client id + server
}

func NewPlaidProvider(opts AdapterOptions) *PlaidProvider {
	return &PlaidProvider{opts: opts, clients: make(map[string]*plaid.APIClient)}
}

func (p *PlaidProvider) Name() string { return config.ProviderPlaid }

func (p *PlaidProvider) ConfigSchema() []config.Field { return config.PlaidSchema }

func (p *PlaidProvider) ValidateConfig(cfg config.ProviderConfig) error {
	if err := validateAgainst(p.Name(), config.PlaidSchema, cfg); err != nil {
		return err
	}
	switch env := cfg.(config.PlaidConfig).Environment; env {
	case "", "sandbox", "development", "production":
		return nil
	default:
		return &models.ConfigError{Provider: p.Name(), Field: "environment", Reason: "unknown environment " + env}
	}
}

func plaidServer(c config.PlaidConfig) plaid.Environment {
	if c.BaseURL != "" {
		return plaid.Environment(strings.TrimRight(c.BaseURL, "/"))
	}
	switch c.Environment {
	case "production":
		return plaid.Production
	case "development":
		return plaid.Development
	default:
		return plaid.Sandbox
	}
}

func (p *PlaidProvider) apiClient(cfg config.ProviderConfig) (*plaid.APIClient, config.PlaidConfig, error) {
	c, ok := cfg.(config.PlaidConfig)
	if !ok {
		return nil, c, wrongConfig(p.Name(), cfg)
	}
	env := plaidServer(c)
	key := c.ClientID + "|" + c.Secret + "|" + string(env)

	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[key]; ok {
		return client, c, nil
	}

	configuration := plaid.NewConfiguration()
	configuration.AddDefaultHeader("PLAID-CLIENT-ID", c.ClientID)
	configuration.AddDefaultHeader("PLAID-SECRET", c.Secret)
	configuration.UseEnvironment(env)
	configuration.HTTPClient = p.opts.httpClient()

	client := plaid.NewAPIClient(configuration)
	p.clients[key] = client
	return client, c, nil
}

// plaidErrorBody is the error envelope of every Plaid endpoint.
type plaidErrorBody struct {
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Helper for error formatting
func (p *PlaidProvider) formatPlaidError(ctx context.Context, err error, httpResp *http.Response) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status := 0
	if httpResp != nil {
		status = httpResp.StatusCode
	}

	plaidErr, ok := err.(plaid.GenericOpenAPIError)
	if !ok || status == 0 {
		return models.NewProviderError(p.Name(), models.KindNetwork, status, "request failed: "+utils.MaskString(err.Error()), err)
	}
	if status >= 200 && status < 300 {
		return models.NewProviderError(p.Name(), models.KindMalformedResponse, status, "unexpected response shape", err)
	}

	var body plaidErrorBody
	_ = json.Unmarshal(plaidErr.Body(), &body)

	kind := models.KindForStatus(status)
	switch {
	case body.ErrorType == "RATE_LIMIT_EXCEEDED":
		kind = models.KindRateLimit
	case body.ErrorCode == "ITEM_LOGIN_REQUIRED", body.ErrorCode == "INVALID_ACCESS_TOKEN",
		body.ErrorCode == "INVALID_API_KEYS", body.ErrorType == "INVALID_API_KEYS":
		kind = models.KindAuth
	case body.ErrorCode == "INVALID_ACCOUNT_ID":
		kind = models.KindNotFound
	}

	msg := body.ErrorMessage
	if body.ErrorCode != "" {
		msg = body.ErrorCode + ": " + msg
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return models.NewProviderError(p.Name(), kind, status, utils.MaskString(truncate(msg, 160)), err)
}

// ========== 1. ACCOUNTS ==========

func plaidCurrency(iso, unofficial string) string {
	return utils.FirstNonEmpty(iso, unofficial)
}

func (p *PlaidProvider) accounts(ctx context.Context, cfg config.ProviderConfig) ([]plaid.AccountBase, error) {
	client, c, err := p.apiClient(cfg)
	if err != nil {
		return nil, err
	}
	request := plaid.NewAccountsGetRequest(c.AccessToken)
	resp, err := Retry(ctx, p.opts.Retry, func(ctx context.Context) (plaid.AccountsGetResponse, error) {
		resp, httpResp, err := client.PlaidApi.AccountsGet(ctx).AccountsGetRequest(*request).Execute()
		return resp, p.formatPlaidError(ctx, err, httpResp)
	})
	if err != nil {
		return nil, err
	}
	return resp.GetAccounts(), nil
}

func (p *PlaidProvider) ListAccounts(ctx context.Context, cfg config.ProviderConfig) ([]models.Account, error) {
	raw, err := p.accounts(ctx, cfg)
	if err != nil {
		return nil, err
	}
	accounts := make([]models.Account, 0, len(raw))
	for _, a := range raw {
		ident := ""
		if mask := a.GetMask(); mask != "" {
			ident = "****" + mask
		}
		balances := a.GetBalances()
		accounts = append(accounts, models.Account{
			UID:                a.GetAccountId(),
			ExternalIdentifier: ident,
			DisplayName:        utils.FirstNonEmpty(a.GetOfficialName(), a.GetName(), a.GetAccountId()),
			CurrencyCode:       plaidCurrency(balances.GetIsoCurrencyCode(), balances.GetUnofficialCurrencyCode()),
			Provider:           p.Name(),
		})
	}
	return accounts, nil
}

// ========== 2. BALANCES ==========

// GetBalance uses the real-time balance endpoint. Balances keep Plaid's sign:
// unlike transactions they are not inverted.
func (p *PlaidProvider) GetBalance(ctx context.Context, cfg config.ProviderConfig, accountID string) ([]models.Balance, error) {
	client, c, err := p.apiClient(cfg)
	if err != nil {
		return nil, err
	}

	request := plaid.NewAccountsBalanceGetRequest(c.AccessToken)
	options := plaid.NewAccountsBalanceGetRequestOptions()
	options.SetAccountIds([]string{accountID})
	request.SetOptions(*options)

	resp, err := Retry(ctx, p.opts.Retry, func(ctx context.Context) (plaid.AccountsGetResponse, error) {
		resp, httpResp, err := client.PlaidApi.AccountsBalanceGet(ctx).AccountsBalanceGetRequest(*request).Execute()
		return resp, p.formatPlaidError(ctx, err, httpResp)
	})
	if err != nil {
		return nil, err
	}

	for _, a := range resp.GetAccounts() {
		if a.GetAccountId() != accountID {
			continue
		}
		b := a.GetBalances()
		currency := plaidCurrency(b.GetIsoCurrencyCode(), b.GetUnofficialCurrencyCode())
		var balances []models.Balance
		if v, _ := b.GetCurrentOk(); v != nil {
			balances = append(balances, models.Balance{AccountID: accountID, Amount: decimal.NewFromFloat(*v), CurrencyCode: currency, Type: "current"})
		}
		if v, _ := b.GetAvailableOk(); v != nil {
			balances = append(balances, models.Balance{AccountID: accountID, Amount: decimal.NewFromFloat(*v), CurrencyCode: currency, Type: "available"})
		}
		return balances, nil
	}
	return nil, models.NewProviderError(p.Name(), models.KindNotFound, http.StatusNotFound, "account not found in item", nil)
}

// ========== 3. TRANSACTIONS ==========

func (p *PlaidProvider) ListTransactions(ctx context.Context, cfg config.ProviderConfig, accountID string, filter *models.Filter) ([]models.Transaction, error) {
	client, c, err := p.apiClient(cfg)
	if err != nil {
		return nil, err
	}

	startDate, endDate := filter.DateWindow()
	if endDate == "" {
		endDate = time.Now().UTC().Format(models.DateLayout)
	}
	if startDate == "" {
		end, _ := time.Parse(models.DateLayout, endDate)
		startDate = end.Add(-plaidDefaultWindow).Format(models.DateLayout)
	}

	start := time.Now()
	records, err := CollectOffsetPages(ctx, p.Name(), plaidPageSize, func(ctx context.Context, offset, count int) ([]plaid.Transaction, int, error) {
		request := plaid.NewTransactionsGetRequest(c.AccessToken, startDate, endDate)
		options := plaid.NewTransactionsGetRequestOptions()
		options.SetAccountIds([]string{accountID})
		options.SetCount(int32(count))
		options.SetOffset(int32(offset))
		request.SetOptions(*options)

		resp, err := Retry(ctx, p.opts.Retry, func(ctx context.Context) (plaid.TransactionsGetResponse, error) {
			resp, httpResp, err := client.PlaidApi.TransactionsGet(ctx).TransactionsGetRequest(*request).Execute()
			return resp, p.formatPlaidError(ctx, err, httpResp)
		})
		if err != nil {
			return nil, 0, err
		}
		return resp.GetTransactions(), int(resp.GetTotalTransactions()), nil
	})
	if err != nil {
		return nil, err
	}

	txs := make([]models.Transaction, 0, len(records))
	for _, rec := range records {
		tx, err := p.normalize(rec)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	utils.LogProviderCall(ctx, p.Name(), "transactions", accountID, len(txs), time.Since(start))
	return txs, nil
}

func (p *PlaidProvider) normalize(rec plaid.Transaction) (models.Transaction, error) {
	date, err := models.ParseDate(rec.GetDate())
	if err != nil {
		return models.Transaction{}, models.NewProviderError(p.Name(), models.KindMalformedResponse, 0, "transaction date", err)
	}

	// Positive Plaid amounts are money leaving the account.
	amount := utils.InvertedAmount(rec.GetAmount())

	var counterparty string
	if cps := rec.GetCounterparties(); len(cps) > 0 {
		counterparty = cps[0].GetName()
	}
	merchant := utils.FirstNonEmpty(rec.GetMerchantName(), counterparty)

	pfc := rec.GetPersonalFinanceCategory()
	category := utils.FirstNonEmpty(pfc.GetDetailed(), pfc.GetPrimary(), strings.Join(rec.GetCategory(), " > "))

	tx := models.NewTransaction(rec.GetTransactionId(), rec.GetAccountId(), date, amount,
		plaidCurrency(rec.GetIsoCurrencyCode(), rec.GetUnofficialCurrencyCode()),
		utils.FirstNonEmpty(merchant, rec.GetName(), "Unknown"))
	tx.MerchantName = models.StringPtr(merchant)
	tx.Category = models.StringPtr(category)
	meta := rec.GetPaymentMeta()
	tx.Reference = models.StringPtr(meta.GetReferenceNumber())
	tx.Pending = rec.GetPending()

	raw, err := json.Marshal(rec)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("encode plaid record: %w", err)
	}
	tx.Raw = raw
	return tx, nil
}

var _ Provider = (*PlaidProvider)(nil)
