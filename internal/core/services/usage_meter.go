package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/poyrazK/veriflow/internal/core/domain"
	"github.com/poyrazK/veriflow/internal/core/ports"
)

// UsageMeter appends billable usage to the ledger.
type UsageMeter struct {
	repo ports.UsageRepository
	now  func() time.Time
}

func NewUsageMeter(repo ports.UsageRepository) *UsageMeter {
	return &UsageMeter{repo: repo, now: time.Now}
}

// Record stores one usage event priced at the tenant's current plan rate.
func (m *UsageMeter) Record(ctx context.Context, tenant *domain.Tenant, module domain.Module, amount int64, jobID, requestID string) (*domain.UsageEvent, error) {
	ev := &domain.UsageEvent{
		ID:        uuid.New().String(),
		TenantID:  tenant.ID,
		Module:    module,
		JobID:     jobID,
		RequestID: requestID,
		Billed:    true,
		UnitPrice: tenant.UnitPrice(module),
		Amount:    amount,
		CreatedAt: m.now().UTC(),
	}
	if err := m.repo.RecordUsage(ctx, ev); err != nil {
		return nil, fmt.Errorf("record usage: %w", err)
	}
	return ev, nil
}

const (
	DefaultUsageListLimit = 100
	MaxUsageListLimit     = 1000
)

// UsageReport is a filtered slice of the ledger plus per-module totals over
// the whole filter, not just the returned page.
type UsageReport struct {
	Events  []domain.UsageEvent  `json:"events"`
	Summary []domain.ModuleTotal `json:"summary"`
}

// Report lists ledger events newest first.
func (m *UsageMeter) Report(ctx context.Context, f domain.UsageFilter) (*UsageReport, error) {
	if f.Module != "" {
		if _, err := domain.ParseModule(string(f.Module)); err != nil {
			return nil, err
		}
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return nil, invalid("from must be before to")
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultUsageListLimit
	case f.Limit > MaxUsageListLimit:
		f.Limit = MaxUsageListLimit
	}

	events, err := m.repo.ListUsage(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	summary, err := m.repo.SummarizeUsage(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("summarize usage: %w", err)
	}
	return &UsageReport{Events: events, Summary: summary}, nil
}
