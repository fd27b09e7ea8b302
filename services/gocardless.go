package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/LovationAdmin/bank-aggregator/config"
	"github.com/LovationAdmin/bank-aggregator/models"
	"github.com/LovationAdmin/bank-aggregator/utils"
)

const goCardlessBaseURL = "https://bankaccountdata.gocardless.com/api/v2"

// GoCardlessProvider reads a linked requisition through the Bank Account
// Data API. Transactions come back in one response, booked and pending.
type GoCardlessProvider struct {
	opts   AdapterOptions
	client *http.Client

	mu     sync.Mutex
	tokens map[string]signedToken // by secret id
}

func NewGoCardlessProvider(opts AdapterOptions) *GoCardlessProvider {
	return &GoCardlessProvider{
		opts:   opts,
		client: opts.httpClient(),
		tokens: make(map[string]signedToken),
	}
}

func (p *GoCardlessProvider) Name() string { return config.ProviderGoCardless }

func (p *GoCardlessProvider) ConfigSchema() []config.Field { return config.GoCardlessSchema }

func (p *GoCardlessProvider) ValidateConfig(cfg config.ProviderConfig) error {
	return validateAgainst(p.Name(), config.GoCardlessSchema, cfg)
}

func (p *GoCardlessProvider) rest(ctx context.Context, cfg config.ProviderConfig) (*restClient, config.GoCardlessConfig, error) {
	c, ok := cfg.(config.GoCardlessConfig)
	if !ok {
		return nil, c, wrongConfig(p.Name(), cfg)
	}
	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = goCardlessBaseURL
	}
	api := &restClient{provider: p.Name(), baseURL: baseURL, client: p.client, retry: p.opts.Retry}

	token, err := p.accessToken(ctx, api, c)
	if err != nil {
		return nil, c, err
	}
	api.authorize = func(req *http.Request) error {
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
	return api, c, nil
}

// 1. Obtenir un token d'accès (valide 24h)
func (p *GoCardlessProvider) accessToken(ctx context.Context, api *restClient, c config.GoCardlessConfig) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tok, ok := p.tokens[c.SecretID]; ok && time.Until(tok.expiresAt) > time.Minute {
		return tok.value, nil
	}

	var result struct {
		Access        string `json:"access"`
		AccessExpires int    `json:"access_expires"`
	}
	payload := map[string]string{"secret_id": c.SecretID, "secret_key": c.SecretKey}
	if err := api.post(ctx, "/token/new/", payload, &result); err != nil {
		return "", err
	}
	if result.Access == "" {
		return "", models.NewProviderError(p.Name(), models.KindMalformedResponse, 0, "token response has no access token", nil)
	}

	expires := time.Duration(result.AccessExpires) * time.Second
	if expires <= 0 {
		expires = time.Hour
	}
	p.tokens[c.SecretID] = signedToken{value: result.Access, expiresAt: time.Now().Add(expires)}
	return result.Access, nil
}

// forgetToken drops a token the API rejected so the next call mints a new one.
func (p *GoCardlessProvider) forgetToken(c config.GoCardlessConfig, err error) error {
	if models.KindOf(err) == models.KindAuth {
		p.mu.Lock()
		delete(p.tokens, c.SecretID)
		p.mu.Unlock()
	}
	return err
}

// 2. Récupérer les comptes bancaires de la requisition
type gcAccountDetails struct {
	Account struct {
		IBAN      string `json:"iban"`
		BBAN      string `json:"bban"`
		Name      string `json:"name"`
		OwnerName string `json:"ownerName"`
		Product   string `json:"product"`
		Currency  string `json:"currency"`
	} `json:"account"`
}

func (p *GoCardlessProvider) ListAccounts(ctx context.Context, cfg config.ProviderConfig) ([]models.Account, error) {
	api, c, err := p.rest(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var requisition struct {
		Accounts []string `json:"accounts"`
		Status   string   `json:"status"`
	}
	if err := api.get(ctx, "/requisitions/"+url.PathEscape(c.RequisitionID)+"/", nil, &requisition); err != nil {
		return nil, p.forgetToken(c, err)
	}

	accounts := make([]models.Account, 0, len(requisition.Accounts))
	for _, id := range requisition.Accounts {
		var details gcAccountDetails
		if err := api.get(ctx, "/accounts/"+url.PathEscape(id)+"/details/", nil, &details); err != nil {
			return nil, p.forgetToken(c, err)
		}
		accounts = append(accounts, models.Account{
			UID:                id,
			ExternalIdentifier: utils.FirstNonEmpty(details.Account.IBAN, details.Account.BBAN),
			DisplayName:        utils.FirstNonEmpty(details.Account.Name, details.Account.Product, details.Account.OwnerName, id),
			CurrencyCode:       details.Account.Currency,
			Provider:           p.Name(),
		})
	}
	return accounts, nil
}

// 3. Récupérer les soldes d'un compte
type gcAmount struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (p *GoCardlessProvider) GetBalance(ctx context.Context, cfg config.ProviderConfig, accountID string) ([]models.Balance, error) {
	api, c, err := p.rest(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var result struct {
		Balances []struct {
			BalanceAmount gcAmount `json:"balanceAmount"`
			BalanceType   string   `json:"balanceType"`
		} `json:"balances"`
	}
	if err := api.get(ctx, "/accounts/"+url.PathEscape(accountID)+"/balances/", nil, &result); err != nil {
		return nil, p.forgetToken(c, err)
	}

	balances := make([]models.Balance, 0, len(result.Balances))
	for _, bal := range result.Balances {
		amount, err := utils.SignedAmount(bal.BalanceAmount.Amount)
		if err != nil {
			return nil, models.NewProviderError(p.Name(), models.KindMalformedResponse, 0, "balance amount: "+err.Error(), err)
		}
		balances = append(balances, models.Balance{
			AccountID:    accountID,
			Amount:       amount,
			CurrencyCode: bal.BalanceAmount.Currency,
			Type:         bal.BalanceType,
		})
	}
	return balances, nil
}

// 4. Récupérer les transactions (booked + pending, une seule page)
type gcTransaction struct {
	TransactionID                     string   `json:"transactionId"`
	InternalTransactionID             string   `json:"internalTransactionId"`
	EntryReference                    string   `json:"entryReference"`
	BookingDate                       string   `json:"bookingDate"`
	BookingDateTime                   string   `json:"bookingDateTime"`
	ValueDate                         string   `json:"valueDate"`
	TransactionAmount                 gcAmount `json:"transactionAmount"`
	CreditorName                      string   `json:"creditorName"`
	DebtorName                        string   `json:"debtorName"`
	RemittanceInformationUnstructured string   `json:"remittanceInformationUnstructured"`
	RemittanceInformationArray        []string `json:"remittanceInformationUnstructuredArray"`
	RemittanceInformationStructured   string   `json:"remittanceInformationStructured"`
	AdditionalInformation             string   `json:"additionalInformation"`
}

func (p *GoCardlessProvider) ListTransactions(ctx context.Context, cfg config.ProviderConfig, accountID string, filter *models.Filter) ([]models.Transaction, error) {
	api, c, err := p.rest(ctx, cfg)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	from, to := filter.DateWindow()
	if from != "" {
		q.Set("date_from", from)
	}
	if to != "" {
		q.Set("date_to", to)
	}

	start := time.Now()
	var result struct {
		Transactions struct {
			Booked  []json.RawMessage `json:"booked"`
			Pending []json.RawMessage `json:"pending"`
		} `json:"transactions"`
	}
	if err := api.get(ctx, "/accounts/"+url.PathEscape(accountID)+"/transactions/", q, &result); err != nil {
		return nil, p.forgetToken(c, err)
	}

	txs := make([]models.Transaction, 0, len(result.Transactions.Booked)+len(result.Transactions.Pending))
	seen := make(map[string]int)
	for _, group := range []struct {
		name    string
		records []json.RawMessage
	}{{"booked", result.Transactions.Booked}, {"pending", result.Transactions.Pending}} {
		for _, raw := range group.records {
			tx, err := p.normalize(accountID, group.name, raw, seen)
			if err != nil {
				return nil, err
			}
			txs = append(txs, tx)
		}
	}
	utils.LogProviderCall(ctx, p.Name(), "transactions", accountID, len(txs), time.Since(start))
	return txs, nil
}

// normalize maps one record. Records without an id are keyed on their own
// fields; seen counts identical records within the response.
func (p *GoCardlessProvider) normalize(accountID, group string, raw json.RawMessage, seen map[string]int) (models.Transaction, error) {
	var rec gcTransaction
	if err := json.Unmarshal(raw, &rec); err != nil {
		return models.Transaction{}, models.NewProviderError(p.Name(), models.KindMalformedResponse, 0, "transaction record", err)
	}

	amount, err := utils.SignedAmount(rec.TransactionAmount.Amount)
	if err != nil {
		return models.Transaction{}, models.NewProviderError(p.Name(), models.KindMalformedResponse, 0, "transaction amount: "+err.Error(), err)
	}
	date, err := models.ParseDate(utils.FirstNonEmpty(rec.BookingDate, rec.ValueDate, rec.BookingDateTime))
	if err != nil {
		return models.Transaction{}, models.NewProviderError(p.Name(), models.KindMalformedResponse, 0, "transaction date", err)
	}

	counterparty := rec.DebtorName
	if amount.IsNegative() {
		counterparty = rec.CreditorName
	}
	description := utils.FirstNonEmpty(
		rec.RemittanceInformationUnstructured,
		strings.Join(rec.RemittanceInformationArray, " "),
		rec.RemittanceInformationStructured,
		rec.AdditionalInformation,
		counterparty,
		"Unknown",
	)

	id := utils.FirstNonEmpty(rec.TransactionID, rec.InternalTransactionID)
	if id == "" {
		fields := []string{group, date.Format(models.DateLayout), amount.String(), rec.TransactionAmount.Currency,
			description, counterparty, rec.EntryReference}
		key := strings.Join(fields, "|")
		id = utils.RecordID(p.Name(), accountID, seen[key], fields...)
		seen[key]++
	}

	tx := models.NewTransaction(id, accountID, date, amount, rec.TransactionAmount.Currency, description)
	tx.MerchantName = models.StringPtr(counterparty)
	tx.Category = models.StringPtr(Categorize(utils.FirstNonEmpty(counterparty, description)))
	tx.Reference = models.StringPtr(rec.EntryReference)
	tx.Pending = group == "pending"
	tx.Raw = raw
	return tx, nil
}

var _ Provider = (*GoCardlessProvider)(nil)
