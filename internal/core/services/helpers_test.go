package services

import (
	"encoding/base64"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/poyrazK/veriflow/internal/adapters/kvstore"
	"github.com/poyrazK/veriflow/internal/core/domain"
	"github.com/shopspring/decimal"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// newTestTenant returns an active tenant whose plan caps every module at limit.
func newTestTenant(id string, limit int64) *domain.Tenant {
	quotas := map[string]int64{}
	for _, m := range []domain.Module{domain.ModuleLiveness, domain.ModuleOCR, domain.ModuleValidate, domain.ModuleFaceMatch} {
		quotas[m.QuotaKey()] = limit
	}
	return &domain.Tenant{
		ID:     id,
		Name:   "Acme",
		Status: domain.TenantActive,
		Plan: &domain.Plan{
			ID:     "plan-pro",
			Slug:   "pro",
			Active: true,
			Quotas: quotas,
			UnitPrices: map[string]decimal.Decimal{
				string(domain.ModuleLiveness): decimal.RequireFromString("0.0500"),
			},
		},
	}
}

func newTestStore(t *testing.T) *kvstore.MemoryStore {
	t.Helper()
	s := kvstore.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
