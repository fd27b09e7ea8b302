package services

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"

	"github.com/LovationAdmin/bank-aggregator/config"
	"github.com/LovationAdmin/bank-aggregator/models"
)

type goCardlessFake struct {
	minted  atomic.Int32
	revoked atomic.Bool
	// newer adds two identical id-less records ahead of the booked list.
	newer atomic.Bool
}

func (f *goCardlessFake) routes(r *gin.Engine) {
	r.POST("/token/new/", func(c *gin.Context) {
		var body struct {
			SecretID  string `json:"secret_id"`
			SecretKey string `json:"secret_key"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.SecretKey != "shh" {
			c.JSON(http.StatusUnauthorized, gin.H{"summary": "Authentication failed", "detail": "No active account found with the given credentials"})
			return
		}
		n := f.minted.Add(1)
		c.JSON(http.StatusOK, gin.H{"access": "token-" + string(rune('0'+n)), "access_expires": 86400})
	})

	authed := r.Group("/", func(c *gin.Context) {
		if !strings.HasPrefix(c.GetHeader("Authorization"), "Bearer token-") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"summary": "Invalid token"})
			return
		}
		if f.revoked.Load() && c.GetHeader("Authorization") == "Bearer token-1" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"summary": "Token is invalid or expired"})
			return
		}
		c.Next()
	})
	authed.GET("/requisitions/:id/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "LN", "accounts": []string{"gc-acc"}})
	})
	authed.GET("/accounts/:id/details/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"account": gin.H{"iban": "GB33BUKB20201555555555", "ownerName": "Jane Doe", "currency": "GBP"}})
	})
	authed.GET("/accounts/:id/balances/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"balances": []gin.H{
			{"balanceAmount": gin.H{"amount": "-12.50", "currency": "GBP"}, "balanceType": "interimAvailable"},
		}})
	})
	authed.GET("/accounts/:id/transactions/", func(c *gin.Context) {
		if c.Param("id") != "gc-acc" {
			c.JSON(http.StatusNotFound, gin.H{"summary": "Account ID not found"})
			return
		}
		booked := []gin.H{
			{
				"transactionId":                     "2025011001",
				"bookingDate":                       "2025-01-10",
				"transactionAmount":                 gin.H{"amount": "-15.99", "currency": "GBP"},
				"creditorName":                      "Netflix",
				"remittanceInformationUnstructured": "NETFLIX.COM",
			},
			{
				"bookingDate":       "2025-01-02",
				"transactionAmount": gin.H{"amount": "2100.00", "currency": "GBP"},
				"debtorName":        "Acme Ltd",
			},
		}
		if f.newer.Load() {
			coffee := gin.H{"bookingDate": "2025-01-20", "transactionAmount": gin.H{"amount": "-3.10", "currency": "GBP"}, "creditorName": "Costa"}
			booked = append([]gin.H{coffee, coffee}, booked...)
		}
		c.JSON(http.StatusOK, gin.H{"transactions": gin.H{
			"booked":  booked,
			"pending": []gin.H{
				{
					"valueDate":                              "2025-01-12",
					"transactionAmount":                      gin.H{"amount": "-4.20", "currency": "GBP"},
					"remittanceInformationUnstructuredArray": []string{"PRET A", "MANGER"},
				},
			},
		}})
	})
}

func goCardlessConfig(srv string) config.GoCardlessConfig {
	return config.GoCardlessConfig{SecretID: "id", SecretKey: "shh", RequisitionID: "req-1", BaseURL: srv}
}

func TestGoCardlessProvider(t *testing.T) {
	fake := &goCardlessFake{}
	srv := fakeAPI(t, fake.routes)
	p := NewGoCardlessProvider(testOptions(srv))
	cfg := goCardlessConfig(srv.URL)
	ctx := context.Background()

	accounts, err := p.ListAccounts(ctx, cfg)
	if err != nil {
		t.Fatalf("ListAccounts() error = %v", err)
	}
	want := []models.Account{{UID: "gc-acc", ExternalIdentifier: "GB33BUKB20201555555555", DisplayName: "Jane Doe", CurrencyCode: "GBP", Provider: "gocardless"}}
	if diff := cmp.Diff(want, accounts); diff != "" {
		t.Errorf("accounts mismatch (-want +got):\n%s", diff)
	}

	txs, err := p.ListTransactions(ctx, cfg, "gc-acc", nil)
	if err != nil {
		t.Fatalf("ListTransactions() error = %v", err)
	}
	if len(txs) != 3 {
		t.Fatalf("got %d transactions, want 3", len(txs))
	}
	if txs[0].ID != "2025011001" || amountOf(t, txs[0]) != "-15.99" || deref(txs[0].Category) != "LEISURE" || txs[0].Pending {
		t.Errorf("booked debit not normalized: %+v", txs[0])
	}
	if !strings.HasPrefix(txs[1].ID, "gocardless-") || amountOf(t, txs[1]) != "2100" || txs[1].Description != "Acme Ltd" {
		t.Errorf("booked credit not normalized: %+v", txs[1])
	}
	if !txs[2].Pending || txs[2].Description != "PRET A MANGER" || txs[2].ID == txs[1].ID {
		t.Errorf("pending record not normalized: %+v", txs[2])
	}

	balances, err := p.GetBalance(ctx, cfg, "gc-acc")
	if err != nil {
		t.Fatalf("GetBalance() error = %v", err)
	}
	if len(balances) != 1 || !balances[0].Amount.Equal(dec("-12.50")) || balances[0].Type != "interimAvailable" {
		t.Errorf("unexpected balances %+v", balances)
	}

	if got := fake.minted.Load(); got != 1 {
		t.Errorf("minted %d tokens, want 1 reused across calls", got)
	}
}

func TestGoCardlessRemintsRejectedToken(t *testing.T) {
	fake := &goCardlessFake{}
	srv := fakeAPI(t, fake.routes)
	p := NewGoCardlessProvider(testOptions(srv))
	cfg := goCardlessConfig(srv.URL)
	ctx := context.Background()

	if _, err := p.ListAccounts(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	fake.revoked.Store(true)

	_, err := p.ListAccounts(ctx, cfg)
	if models.KindOf(err) != models.KindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
	if _, err := p.ListAccounts(ctx, cfg); err != nil {
		t.Fatalf("second attempt should mint a fresh token: %v", err)
	}
	if got := fake.minted.Load(); got != 2 {
		t.Errorf("minted %d tokens, want 2", got)
	}
}

func TestGoCardlessErrors(t *testing.T) {
	fake := &goCardlessFake{}
	srv := fakeAPI(t, fake.routes)
	p := NewGoCardlessProvider(testOptions(srv))
	ctx := context.Background()

	bad := goCardlessConfig(srv.URL)
	bad.SecretKey = "wrong"
	_, err := p.ListAccounts(ctx, bad)
	if models.KindOf(err) != models.KindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
	if !strings.Contains(err.Error(), "No active account found") {
		t.Errorf("detail not surfaced: %v", err)
	}

	_, err = p.ListTransactions(ctx, goCardlessConfig(srv.URL), "missing", nil)
	if models.KindOf(err) != models.KindNotFound {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestGoCardlessSynthesizedIDsSurviveNewRecords(t *testing.T) {
	fake := &goCardlessFake{}
	srv := fakeAPI(t, fake.routes)
	p := NewGoCardlessProvider(testOptions(srv))
	cfg := goCardlessConfig(srv.URL)
	ctx := context.Background()

	before, err := p.ListTransactions(ctx, cfg, "gc-acc", nil)
	if err != nil {
		t.Fatal(err)
	}
	fake.newer.Store(true)
	after, err := p.ListTransactions(ctx, cfg, "gc-acc", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before)+2 {
		t.Fatalf("got %d records after, want %d", len(after), len(before)+2)
	}

	ids := map[string]string{}
	for _, tx := range after {
		ids[tx.Description] = tx.ID
	}
	for _, tx := range before {
		if ids[tx.Description] != tx.ID {
			t.Errorf("%q changed id from %s to %s", tx.Description, tx.ID, ids[tx.Description])
		}
	}
	if after[0].ID == after[1].ID {
		t.Errorf("identical records share id %s", after[0].ID)
	}
}
