package services

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/LovationAdmin/bank-aggregator/models"
)

// fakeAPI serves a provider's REST surface from a gin router.
func fakeAPI(t *testing.T, routes func(r *gin.Engine)) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

// testOptions points adapters at srv and retries once without sleeping.
func testOptions(srv *httptest.Server) AdapterOptions {
	return AdapterOptions{
		HTTPClient: srv.Client(),
		Retry: RetryPolicy{
			Delays: []time.Duration{time.Millisecond},
			Sleep:  func(ctx context.Context, d time.Duration) error { return ctx.Err() },
		},
	}
}

func amountOf(t *testing.T, tx models.Transaction) string {
	t.Helper()
	if (tx.Type == models.Debit) != tx.Amount.IsNegative() {
		t.Errorf("%s: type %s disagrees with amount %s", tx.ID, tx.Type, tx.Amount)
	}
	return tx.Amount.String()
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
