package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poyrazK/veriflow/internal/core/domain"
	"github.com/poyrazK/veriflow/internal/core/ports"
	"github.com/poyrazK/veriflow/internal/infrastructure/metrics"
)

// CounterTTL outlives the longest month so a counter never expires mid-window
// while it is still being written.
const CounterTTL = 35 * 24 * time.Hour

// CounterKey names the counter for one tenant, module and calendar month.
func CounterKey(tenantID string, module domain.Module, at time.Time) string {
	return fmt.Sprintf("quota:%s:%s:%s", tenantID, module, domain.MonthKey(at))
}

// QuotaLedger enforces monthly module quotas.
//
// Increments are atomic in the counter store, so concurrent reservations never
// push a warm counter past its limit. A cold counter is rebuilt from the usage
// ledger; reservations granted but not yet written to the ledger at that moment
// are not seen, so the overshoot is bounded by the reservations in flight
// during rehydration.
type QuotaLedger struct {
	counters ports.CounterStore
	usage    ports.UsageRepository
	logger   *slog.Logger
	now      func() time.Time
}

func NewQuotaLedger(counters ports.CounterStore, usage ports.UsageRepository, logger *slog.Logger) *QuotaLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaLedger{
		counters: counters,
		usage:    usage,
		logger:   logger,
		now:      time.Now,
	}
}

func (l *QuotaLedger) Status(ctx context.Context, tenant *domain.Tenant, module domain.Module) (domain.QuotaStatus, error) {
	limit, limited := tenant.MonthlyLimit(module)
	if !limited {
		return domain.QuotaStatus{Module: module, Allowed: true}, nil
	}
	now := l.now()
	key := CounterKey(tenant.ID, module, now)
	used, found, err := l.counters.GetCounter(ctx, key)
	if err != nil {
		return domain.QuotaStatus{}, fmt.Errorf("read quota counter: %w", err)
	}
	if !found {
		if used, err = l.rehydrate(ctx, key, tenant.ID, module, now); err != nil {
			return domain.QuotaStatus{}, err
		}
	}
	st := quotaStatus(module, used, limit)
	st.Allowed = used < limit
	return st, nil
}

// Reserve takes amount units if they fit. On denial it returns the
// pre-reservation figures together with a *domain.QuotaExceededError.
func (l *QuotaLedger) Reserve(ctx context.Context, tenant *domain.Tenant, module domain.Module, amount int64) (domain.QuotaStatus, error) {
	if amount <= 0 {
		return domain.QuotaStatus{}, domain.NewValidationError(domain.CodeInvalidRequest, "reservation amount must be positive")
	}
	limit, limited := tenant.MonthlyLimit(module)
	if !limited {
		metrics.QuotaDecisions.WithLabelValues(string(module), "unlimited").Inc()
		return domain.QuotaStatus{Module: module, Allowed: true}, nil
	}

	now := l.now()
	key := CounterKey(tenant.ID, module, now)
	for attempt := 0; attempt < 2; attempt++ {
		used, applied, err := l.counters.IncrementIfBelow(ctx, key, amount, limit, CounterTTL)
		if errors.Is(err, ports.ErrCounterMissing) {
			if _, errHydrate := l.rehydrate(ctx, key, tenant.ID, module, now); errHydrate != nil {
				return domain.QuotaStatus{}, errHydrate
			}
			continue
		}
		if err != nil {
			return domain.QuotaStatus{}, fmt.Errorf("increment quota counter: %w", err)
		}

		st := quotaStatus(module, used, limit)
		if !applied {
			metrics.QuotaDecisions.WithLabelValues(string(module), "denied").Inc()
			l.logger.Info("quota exceeded", "tenant_id", tenant.ID, "module", module, "used", used, "limit", limit)
			return st, &domain.QuotaExceededError{Module: module, Status: st}
		}
		st.Allowed = true
		metrics.QuotaDecisions.WithLabelValues(string(module), "allowed").Inc()
		return st, nil
	}
	return domain.QuotaStatus{}, fmt.Errorf("quota counter %s disappeared during rehydration", key)
}

// rehydrate rebuilds a missing counter from the month's ledger entries. A
// counter written concurrently by another node wins.
func (l *QuotaLedger) rehydrate(ctx context.Context, key, tenantID string, module domain.Module, at time.Time) (int64, error) {
	from, to := domain.MonthBounds(at)
	sum, err := l.usage.SumUsage(ctx, tenantID, module, from, to)
	if err != nil {
		return 0, fmt.Errorf("sum usage ledger: %w", err)
	}
	used, err := l.counters.InitCounter(ctx, key, sum, CounterTTL)
	if err != nil {
		return 0, fmt.Errorf("init quota counter: %w", err)
	}
	l.logger.Debug("quota counter rehydrated", "key", key, "ledger_sum", sum, "used", used)
	return used, nil
}

func quotaStatus(module domain.Module, used, limit int64) domain.QuotaStatus {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return domain.QuotaStatus{
		Module:    module,
		Used:      used,
		Limit:     &limit,
		Remaining: &remaining,
	}
}
