package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"

	"github.com/LovationAdmin/bank-aggregator/config"
	"github.com/LovationAdmin/bank-aggregator/models"
)

// tellerRoutes serves n transactions, one per day, newest first from 2025-06-30.
func tellerRoutes(r *gin.Engine, n int, pages *atomic.Int32) {
	newest := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)
	all := make([]gin.H, n)
	for i := range all {
		tx := gin.H{
			"id":          fmt.Sprintf("txn_%03d", i),
			"account_id":  "acc_teller",
			"amount":      "-12.00",
			"date":        newest.AddDate(0, 0, -i).Format("2006-01-02"),
			"description": "Coffee",
			"status":      "posted",
			"details":     gin.H{"category": "dining", "counterparty": gin.H{"name": "BLUE BOTTLE", "type": "organization"}},
		}
		if i == 0 {
			tx["status"] = "pending"
			tx["amount"] = "1500.00"
			tx["description"] = ""
			tx["details"] = gin.H{"category": "income", "counterparty": gin.H{"name": "ACME PAYROLL"}}
		}
		all[i] = tx
	}

	r.Use(func(c *gin.Context) {
		user, pass, ok := c.Request.BasicAuth()
		if !ok || user != "test_token_abc" || pass != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "unauthorized", "message": "Missing credentials"}})
			return
		}
		c.Next()
	})
	r.GET("/accounts", func(c *gin.Context) {
		c.JSON(http.StatusOK, []gin.H{{
			"id": "acc_teller", "name": "Platinum Card", "last_four": "7890", "currency": "USD",
			"type": "credit", "subtype": "credit_card", "institution": gin.H{"name": "Chase"},
		}})
	})
	r.GET("/accounts/:id", func(c *gin.Context) {
		if c.Param("id") != "acc_teller" {
			c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "The requested account was not found"}})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": "acc_teller", "currency": "USD", "last_four": "7890"})
	})
	r.GET("/accounts/:id/balances", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"account_id": c.Param("id"), "ledger": "-412.77", "available": nil})
	})
	r.GET("/accounts/:id/transactions", func(c *gin.Context) {
		pages.Add(1)
		count, _ := strconv.Atoi(c.Query("count"))
		start := 0
		if from := c.Query("from_id"); from != "" {
			for i, tx := range all {
				if tx["id"] == from {
					start = i + 1
				}
			}
		}
		end := min(start+count, len(all))
		c.JSON(http.StatusOK, all[start:end])
	})
}

func tellerConfig(srv string) config.TellerConfig {
	return config.TellerConfig{AccessToken: "test_token_abc", Environment: "sandbox", BaseURL: srv}
}

func TestTellerAccountsAndBalances(t *testing.T) {
	var pages atomic.Int32
	srv := fakeAPI(t, func(r *gin.Engine) { tellerRoutes(r, 1, &pages) })
	p := NewTellerProvider(testOptions(srv))
	cfg := tellerConfig(srv.URL)
	ctx := context.Background()

	accounts, err := p.ListAccounts(ctx, cfg)
	if err != nil {
		t.Fatalf("ListAccounts() error = %v", err)
	}
	want := []models.Account{{UID: "acc_teller", ExternalIdentifier: "****7890", DisplayName: "Platinum Card", CurrencyCode: "USD", Provider: "teller"}}
	if diff := cmp.Diff(want, accounts); diff != "" {
		t.Errorf("accounts mismatch (-want +got):\n%s", diff)
	}

	balances, err := p.GetBalance(ctx, cfg, "acc_teller")
	if err != nil {
		t.Fatalf("GetBalance() error = %v", err)
	}
	if len(balances) != 1 || balances[0].Type != "ledger" || balances[0].CurrencyCode != "USD" || !balances[0].Amount.Equal(dec("-412.77")) {
		t.Errorf("unexpected balances %+v", balances)
	}

	_, err = p.GetBalance(ctx, cfg, "acc_other")
	if models.KindOf(err) != models.KindNotFound {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestTellerTransactionPaging(t *testing.T) {
	var pages atomic.Int32
	srv := fakeAPI(t, func(r *gin.Engine) { tellerRoutes(r, 150, &pages) })
	p := NewTellerProvider(testOptions(srv))
	cfg := tellerConfig(srv.URL)

	txs, err := p.ListTransactions(context.Background(), cfg, "acc_teller", nil)
	if err != nil {
		t.Fatalf("ListTransactions() error = %v", err)
	}
	if len(txs) != 150 || pages.Load() != 2 {
		t.Fatalf("got %d transactions over %d pages, want 150 over 2", len(txs), pages.Load())
	}

	first := txs[0]
	if amountOf(t, first) != "1500" || !first.Pending || first.Description != "ACME PAYROLL" ||
		first.CurrencyCode != "USD" || deref(first.Category) != "income" {
		t.Errorf("pending credit not normalized: %+v", first)
	}
	last := txs[149]
	if last.ID != "txn_149" || amountOf(t, last) != "-12" || deref(last.MerchantName) != "BLUE BOTTLE" || last.Pending {
		t.Errorf("posted debit not normalized: %+v", last)
	}
}

func TestTellerStopsAtLowerBound(t *testing.T) {
	var pages atomic.Int32
	srv := fakeAPI(t, func(r *gin.Engine) { tellerRoutes(r, 350, &pages) })
	p := NewTellerProvider(testOptions(srv))

	// Page one covers 2025-06-30 back to 2025-03-23, already past the bound.
	from := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	txs, err := p.ListTransactions(context.Background(), tellerConfig(srv.URL), "acc_teller", &models.Filter{DateFrom: &from})
	if err != nil {
		t.Fatalf("ListTransactions() error = %v", err)
	}
	// 2025-06-30 back to 2025-05-01 inclusive.
	if pages.Load() != 1 || len(txs) != 61 {
		t.Errorf("fetched %d pages (%d records), want 1 page holding 61 records", pages.Load(), len(txs))
	}
	if last := txs[len(txs)-1].Date; last.Before(from) {
		t.Errorf("record from %s is before the lower bound", last.Format(models.DateLayout))
	}
}

func TestTellerKeepsDateWindow(t *testing.T) {
	var pages atomic.Int32
	srv := fakeAPI(t, func(r *gin.Engine) { tellerRoutes(r, 150, &pages) })
	p := NewTellerProvider(testOptions(srv))

	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	txs, err := p.ListTransactions(context.Background(), tellerConfig(srv.URL), "acc_teller", &models.Filter{DateFrom: &from, DateTo: &to})
	if err != nil {
		t.Fatalf("ListTransactions() error = %v", err)
	}
	if len(txs) != 10 {
		t.Fatalf("got %d records, want the 10 days of 2025-06-01..10", len(txs))
	}
	if first, last := txs[0].Date.Format(models.DateLayout), txs[9].Date.Format(models.DateLayout); first != "2025-06-10" || last != "2025-06-01" {
		t.Errorf("window = %s..%s, want 2025-06-10..2025-06-01", first, last)
	}
}

func TestTellerRejectsBadToken(t *testing.T) {
	var pages atomic.Int32
	srv := fakeAPI(t, func(r *gin.Engine) { tellerRoutes(r, 1, &pages) })
	p := NewTellerProvider(testOptions(srv))
	cfg := tellerConfig(srv.URL)
	cfg.AccessToken = "revoked"

	_, err := p.ListAccounts(context.Background(), cfg)
	if models.KindOf(err) != models.KindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
}

// writeClientCert writes a self-signed PEM pair and returns both paths.
func writeClientCert(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "bank-aggregator test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	certPath, keyPath := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certPath, keyPath
}

func TestTellerValidateConfig(t *testing.T) {
	p := NewTellerProvider(AdapterOptions{})
	certPath, keyPath := writeClientCert(t)
	tests := []struct {
		name  string
		cfg   config.TellerConfig
		field string
	}{
		{"sandbox without cert", config.TellerConfig{AccessToken: "t", Environment: "sandbox"}, ""},
		{"half a pair", config.TellerConfig{AccessToken: "t", CertificatePath: "cert.pem"}, "private_key_path"},
		{"pair and bundle", config.TellerConfig{AccessToken: "t", CertificatePath: "c", PrivateKeyPath: "k", PKCS12Path: "b.p12"}, "pkcs12_path"},
		{"production without cert", config.TellerConfig{AccessToken: "t", Environment: "production"}, "certificate_path"},
		{"production with pair", config.TellerConfig{AccessToken: "t", Environment: "production", CertificatePath: certPath, PrivateKeyPath: keyPath}, ""},
		{"missing pair files", config.TellerConfig{AccessToken: "t", CertificatePath: "/nonexistent/cert.pem", PrivateKeyPath: "/nonexistent/key.pem"}, "certificate_path"},
		{"unreadable bundle", config.TellerConfig{AccessToken: "t", Environment: "production", PKCS12Path: "/nonexistent/b.p12"}, "pkcs12_path"},
		{"pair swapped", config.TellerConfig{AccessToken: "t", CertificatePath: keyPath, PrivateKeyPath: certPath}, "certificate_path"},
		{"no token", config.TellerConfig{Environment: "sandbox"}, "access_token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.ValidateConfig(tt.cfg)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			cfgErr, ok := err.(*models.ConfigError)
			if !ok || cfgErr.Field != tt.field {
				t.Errorf("got %v, want ConfigError on %s", err, tt.field)
			}
		})
	}
}

func TestTellerMissingCertificateIsConfigError(t *testing.T) {
	p := NewTellerProvider(AdapterOptions{})
	cfg := config.TellerConfig{AccessToken: "t", CertificatePath: "/nonexistent/cert.pem", PrivateKeyPath: "/nonexistent/key.pem"}

	_, err := p.ListAccounts(context.Background(), cfg)
	cfgErr, ok := err.(*models.ConfigError)
	if !ok || cfgErr.Field != "certificate_path" {
		t.Fatalf("expected ConfigError on certificate_path, got %v", err)
	}
}
