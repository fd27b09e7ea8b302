package services

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"

	"github.com/LovationAdmin/bank-aggregator/config"
	"github.com/LovationAdmin/bank-aggregator/models"
)

func tinkAmount(unscaled any, scale any, currency string) gin.H {
	return gin.H{"value": gin.H{"unscaledValue": unscaled, "scale": scale}, "currencyCode": currency}
}

func tinkRoutes(r *gin.Engine, txCalls *atomic.Int32) {
	r.Use(func(c *gin.Context) {
		if c.GetHeader("Authorization") != "Bearer tink-token" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"errorMessage": "token expired"})
			return
		}
		c.Next()
	})
	r.GET("/data/v2/accounts", func(c *gin.Context) {
		if c.Query("pageToken") == "" {
			c.JSON(http.StatusOK, gin.H{
				"accounts": []gin.H{{
					"id":          "tk-1",
					"name":        "Lönekonto",
					"identifiers": gin.H{"iban": gin.H{"iban": "SE4550000000058398257466"}},
					"balances":    gin.H{"booked": gin.H{"amount": tinkAmount("1050000", "2", "SEK")}},
				}},
				"nextPageToken": "p2",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"accounts": []gin.H{{
				"id":          "tk-2",
				"type":        "SAVINGS",
				"identifiers": gin.H{"financialInstitution": gin.H{"accountNumber": "5000 0000 0583"}},
				"balances":    gin.H{"available": gin.H{"amount": tinkAmount(250, 0, "SEK")}},
			}},
			"nextPageToken": "",
		})
	})
	r.GET("/data/v2/accounts/:id/balances", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"accountId": c.Param("id"), "balances": gin.H{
			"booked":    gin.H{"amount": tinkAmount("1050000", "2", "SEK")},
			"available": gin.H{"amount": tinkAmount(-1234, 1, "SEK")},
		}})
	})
	r.GET("/data/v2/transactions", func(c *gin.Context) {
		// The first call is throttled to exercise the retry path.
		if txCalls.Add(1) == 1 {
			c.JSON(http.StatusTooManyRequests, gin.H{"errorMessage": "rate limited"})
			return
		}
		if c.Query("accountIdIn") != "tk-1" || c.Query("bookedDateGte") != "2025-01-01" {
			c.JSON(http.StatusBadRequest, gin.H{"errorMessage": "bad query"})
			return
		}
		if c.Query("pageToken") == "" {
			c.JSON(http.StatusOK, gin.H{
				"transactions": []gin.H{
					{
						"id":                  "tt-1",
						"accountId":           "tk-1",
						"amount":              tinkAmount("-2834", "2", "SEK"),
						"status":              "BOOKED",
						"descriptions":        gin.H{"original": "ICA NARA 1234", "display": "ICA Nära"},
						"dates":               gin.H{"booked": "2025-01-10"},
						"merchantInformation": gin.H{"merchantName": "ICA"},
						"categories":          gin.H{"pfm": gin.H{"id": "expenses:food.groceries", "name": "Groceries"}},
						"types":               gin.H{"type": "DEFAULT"},
					},
				},
				"nextPageToken": "t2",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"transactions": []gin.H{
				{
					"amount":       tinkAmount(3500000, 2, "SEK"),
					"status":       "PENDING",
					"descriptions": gin.H{"original": "LON"},
					"dates":        gin.H{"value": "2025-01-25"},
					"types":        gin.H{"type": "DEFAULT"},
				},
			},
			"nextPageToken": "",
		})
	})
}

func TestTinkProvider(t *testing.T) {
	var txCalls atomic.Int32
	srv := fakeAPI(t, func(r *gin.Engine) { tinkRoutes(r, &txCalls) })
	p := NewTinkProvider(testOptions(srv))
	cfg := config.TinkConfig{AccessToken: "tink-token", BaseURL: srv.URL}
	ctx := context.Background()

	accounts, err := p.ListAccounts(ctx, cfg)
	if err != nil {
		t.Fatalf("ListAccounts() error = %v", err)
	}
	want := []models.Account{
		{UID: "tk-1", ExternalIdentifier: "SE4550000000058398257466", DisplayName: "Lönekonto", CurrencyCode: "SEK", Provider: "tink"},
		{UID: "tk-2", ExternalIdentifier: "5000 0000 0583", DisplayName: "SAVINGS", CurrencyCode: "SEK", Provider: "tink"},
	}
	if diff := cmp.Diff(want, accounts); diff != "" {
		t.Errorf("accounts mismatch (-want +got):\n%s", diff)
	}

	balances, err := p.GetBalance(ctx, cfg, "tk-1")
	if err != nil {
		t.Fatalf("GetBalance() error = %v", err)
	}
	got := map[string]string{}
	for _, b := range balances {
		got[b.Type] = b.Amount.String()
	}
	if diff := cmp.Diff(map[string]string{"available": "-123.4", "booked": "10500"}, got); diff != "" {
		t.Errorf("balances mismatch (-want +got):\n%s", diff)
	}

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	txs, err := p.ListTransactions(ctx, cfg, "tk-1", &models.Filter{DateFrom: &from})
	if err != nil {
		t.Fatalf("ListTransactions() error = %v", err)
	}
	if txCalls.Load() != 3 {
		t.Errorf("transactions endpoint hit %d times, want 3 (one throttled)", txCalls.Load())
	}
	if len(txs) != 2 {
		t.Fatalf("got %d transactions, want 2", len(txs))
	}
	if txs[0].ID != "tt-1" || amountOf(t, txs[0]) != "-28.34" || txs[0].Description != "ICA Nära" ||
		deref(txs[0].MerchantName) != "ICA" || deref(txs[0].Category) != "Groceries" || txs[0].Pending {
		t.Errorf("booked debit not normalized: %+v", txs[0])
	}
	if amountOf(t, txs[1]) != "35000" || !txs[1].Pending || txs[1].AccountID != "tk-1" || txs[1].ID == "" {
		t.Errorf("pending credit not normalized: %+v", txs[1])
	}
}

func TestTinkAuthIsNotRetried(t *testing.T) {
	var txCalls atomic.Int32
	srv := fakeAPI(t, func(r *gin.Engine) { tinkRoutes(r, &txCalls) })
	p := NewTinkProvider(testOptions(srv))

	_, err := p.ListTransactions(context.Background(), config.TinkConfig{AccessToken: "stale", BaseURL: srv.URL}, "tk-1", nil)
	if models.KindOf(err) != models.KindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
	if txCalls.Load() != 0 {
		t.Errorf("handler reached %d times behind a rejected token", txCalls.Load())
	}
}
