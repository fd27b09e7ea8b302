package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/LovationAdmin/bank-aggregator/config"
	"github.com/LovationAdmin/bank-aggregator/models"
	"github.com/LovationAdmin/bank-aggregator/utils"
)

const (
	mockPageSize        = 10
	mockPerAccount      = 25
	mockDefaultAccounts = 2
)

// mockAnchor is the date of the newest synthetic transaction.
var mockAnchor = time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC)

var mockNamespace = uuid.MustParse("2f1c8e0a-6b9d-4d7e-9a51-3c0f6e2b8d14")

type mockTemplate struct {
	amount      string
	description string
	merchant    string
}

var mockTemplates = []mockTemplate{
	{"-28.34", "CB CARREFOUR CITY 12/01", "Carrefour"},
	{"3500.00", "VIR SALAIRE ACME SAS", ""},
	{"-15.99", "NETFLIX.COM", "Netflix"},
	{"-89.50", "SNCF VOYAGES", "SNCF"},
	{"500.00", "VIR EPARGNE LIVRET A", ""},
}

// MockProvider serves a deterministic synthetic fixture. The same seed
// always yields the same accounts, ids and amounts.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Name() string { return config.ProviderMock }

func (p *MockProvider) ConfigSchema() []config.Field { return config.MockSchema }

func (p *MockProvider) ValidateConfig(cfg config.ProviderConfig) error {
	if err := validateAgainst(p.Name(), config.MockSchema, cfg); err != nil {
		return err
	}
	if n := cfg.(config.MockConfig).Accounts; n < 0 || n > 50 {
		return &models.ConfigError{Provider: p.Name(), Field: "accounts", Reason: "must be between 0 and 50"}
	}
	return nil
}

func mockSettings(cfg config.ProviderConfig) (config.MockConfig, error) {
	c, ok := cfg.(config.MockConfig)
	if !ok {
		return c, wrongConfig(config.ProviderMock, cfg)
	}
	if c.Seed == "" {
		c.Seed = "demo"
	}
	if c.Accounts == 0 {
		c.Accounts = mockDefaultAccounts
	}
	return c, nil
}

func mockAccountID(seed string, n int) string {
	return uuid.NewSHA1(mockNamespace, []byte(seed+"/account/"+strconv.Itoa(n))).String()
}

func (p *MockProvider) ListAccounts(ctx context.Context, cfg config.ProviderConfig) ([]models.Account, error) {
	c, err := mockSettings(cfg)
	if err != nil {
		return nil, err
	}
	accounts := make([]models.Account, 0, c.Accounts)
	for i := 1; i <= c.Accounts; i++ {
		accounts = append(accounts, models.Account{
			UID:                mockAccountID(c.Seed, i),
			ExternalIdentifier: fmt.Sprintf("FR76300060000112345678%05d", i),
			DisplayName:        fmt.Sprintf("Compte Courant %d", i),
			CurrencyCode:       "EUR",
			Provider:           p.Name(),
		})
	}
	return accounts, nil
}

// fixture builds the full, newest-first history of one account.
func (p *MockProvider) fixture(c config.MockConfig, accountID string) ([]models.Transaction, bool) {
	index := 0
	for i := 1; i <= c.Accounts; i++ {
		if mockAccountID(c.Seed, i) == accountID {
			index = i
			break
		}
	}
	if index == 0 {
		return nil, false
	}

	txs := make([]models.Transaction, 0, mockPerAccount)
	for seq := 0; seq < mockPerAccount; seq++ {
		tpl := mockTemplates[(seq+index)%len(mockTemplates)]
		id := uuid.NewSHA1(mockNamespace, []byte(accountID+"/tx/"+strconv.Itoa(seq))).String()
		date := mockAnchor.AddDate(0, 0, -3*seq)
		tx := models.NewTransaction(id, accountID, date, decimal.RequireFromString(tpl.amount), "EUR", tpl.description)
		tx.MerchantName = models.StringPtr(tpl.merchant)
		tx.Category = models.StringPtr(Categorize(utils.FirstNonEmpty(tpl.merchant, tpl.description)))
		tx.Pending = seq == 0
		txs = append(txs, tx)
	}
	return txs, true
}

func (p *MockProvider) ListTransactions(ctx context.Context, cfg config.ProviderConfig, accountID string, filter *models.Filter) ([]models.Transaction, error) {
	c, err := mockSettings(cfg)
	if err != nil {
		return nil, err
	}
	all, ok := p.fixture(c, accountID)
	if !ok {
		return nil, models.NewProviderError(p.Name(), models.KindNotFound, 404, "unknown account "+accountID, nil)
	}

	var lowerBound *time.Time
	if filter != nil {
		lowerBound = filter.DateFrom
	}

	// Served in cursor pages, like Teller.
	txs, err := CollectCursorPages(ctx, p.Name(), CursorOptions[models.Transaction]{
		PageSize:   mockPageSize,
		IDOf:       func(t models.Transaction) string { return t.ID },
		DateOf:     func(t models.Transaction) time.Time { return t.Date },
		LowerBound: lowerBound,
	}, func(ctx context.Context, fromID string, count int) ([]models.Transaction, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := 0
		if fromID != "" {
			for i, t := range all {
				if t.ID == fromID {
					start = i + 1
					break
				}
			}
		}
		end := start + count
		if end > len(all) {
			end = len(all)
		}
		return all[start:end], nil
	})
	if err != nil {
		return nil, err
	}
	return inWindow(txs, filter), nil
}

func (p *MockProvider) GetBalance(ctx context.Context, cfg config.ProviderConfig, accountID string) ([]models.Balance, error) {
	c, err := mockSettings(cfg)
	if err != nil {
		return nil, err
	}
	txs, ok := p.fixture(c, accountID)
	if !ok {
		return nil, models.NewProviderError(p.Name(), models.KindNotFound, 404, "unknown account "+accountID, nil)
	}

	booked := decimal.NewFromInt(1000)
	available := booked
	for _, t := range txs {
		available = available.Add(t.Amount)
		if !t.Pending {
			booked = booked.Add(t.Amount)
		}
	}
	return []models.Balance{
		{AccountID: accountID, Amount: booked, CurrencyCode: "EUR", Type: "booked"},
		{AccountID: accountID, Amount: available, CurrencyCode: "EUR", Type: "available"},
	}, nil
}

var _ Provider = (*MockProvider)(nil)
