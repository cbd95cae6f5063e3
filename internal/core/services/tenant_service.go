package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/poyrazK/veriflow/internal/core/domain"
	"github.com/poyrazK/veriflow/internal/core/ports"
	"github.com/shopspring/decimal"
)

// TenantService administers plans and tenants.
type TenantService struct {
	repo ports.Repository
	now  func() time.Time
}

func NewTenantService(repo ports.Repository) *TenantService {
	return &TenantService{repo: repo, now: time.Now}
}

type CreatePlanParams struct {
	Slug       string
	Name       string
	PerMinute  int
	PerDay     int
	Quotas     map[string]int64
	UnitPrices map[string]decimal.Decimal
}

func (s *TenantService) CreatePlan(ctx context.Context, p CreatePlanParams) (*domain.Plan, error) {
	if p.Slug == "" {
		return nil, invalid("plan slug is required")
	}
	for key, limit := range p.Quotas {
		if err := checkQuota(key, limit); err != nil {
			return nil, err
		}
	}
	for module, price := range p.UnitPrices {
		if _, err := domain.ParseModule(module); err != nil {
			return nil, err
		}
		if price.IsNegative() {
			return nil, invalid(fmt.Sprintf("unit price for %s must not be negative", module))
		}
	}
	existing, err := s.repo.GetPlanBySlug(ctx, p.Slug)
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	if existing != nil {
		return nil, invalid(fmt.Sprintf("plan %q already exists", p.Slug))
	}

	plan := &domain.Plan{
		ID:         uuid.New().String(),
		Slug:       p.Slug,
		Name:       p.Name,
		Active:     true,
		PerMinute:  orDefault(p.PerMinute, domain.DefaultPerMinute),
		PerDay:     orDefault(p.PerDay, domain.DefaultPerDay),
		Quotas:     p.Quotas,
		UnitPrices: p.UnitPrices,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.repo.CreatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("save plan: %w", err)
	}
	return plan, nil
}

type CreateTenantParams struct {
	Name       string
	PlanSlug   string
	WebhookURL string
	Overrides  *domain.LimitOverride
}

// CreateTenant registers an active tenant. An empty PlanSlug leaves every module unlimited.
func (s *TenantService) CreateTenant(ctx context.Context, p CreateTenantParams) (*domain.Tenant, error) {
	if p.Name == "" {
		return nil, invalid("tenant name is required")
	}
	if p.WebhookURL != "" {
		if err := domain.ValidateWebhookURL(p.WebhookURL); err != nil {
			return nil, err
		}
	}
	if err := checkOverrides(p.Overrides); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	tenant := &domain.Tenant{
		ID:         uuid.New().String(),
		Name:       p.Name,
		Status:     domain.TenantActive,
		WebhookURL: p.WebhookURL,
		Overrides:  p.Overrides,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if p.PlanSlug != "" {
		plan, err := s.repo.GetPlanBySlug(ctx, p.PlanSlug)
		if err != nil {
			return nil, fmt.Errorf("load plan: %w", err)
		}
		if plan == nil {
			return nil, fmt.Errorf("plan %s: %w", p.PlanSlug, domain.ErrNotFound)
		}
		tenant.PlanID = plan.ID
		tenant.Plan = plan
	}
	if err := s.repo.CreateTenant(ctx, tenant); err != nil {
		return nil, fmt.Errorf("save tenant: %w", err)
	}
	return tenant, nil
}

func (s *TenantService) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	tenant, err := s.repo.GetTenant(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	if tenant == nil {
		return nil, fmt.Errorf("tenant %s: %w", id, domain.ErrNotFound)
	}
	return tenant, nil
}

// Suspend blocks every request signed by the tenant's credentials.
func (s *TenantService) Suspend(ctx context.Context, id string) error {
	return s.repo.SetTenantStatus(ctx, id, domain.TenantSuspended)
}

func (s *TenantService) Resume(ctx context.Context, id string) error {
	return s.repo.SetTenantStatus(ctx, id, domain.TenantActive)
}

// LimitsUpdate changes a tenant's overrides in place. Set fields replace the
// current value; Unset names per_minute, per_day or quota keys to drop so the
// plan value applies again. Reset drops every override first.
type LimitsUpdate struct {
	PerMinute *int
	PerDay    *int
	Quotas    map[string]int64
	Unset     []string
	Reset     bool
}

// UpdateLimits merges u into the tenant's overrides and returns the updated tenant.
func (s *TenantService) UpdateLimits(ctx context.Context, id string, u LimitsUpdate) (*domain.Tenant, error) {
	tenant, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	next := domain.LimitOverride{Quotas: map[string]*int64{}}
	if cur := tenant.Overrides; cur != nil && !u.Reset {
		next.PerMinute, next.PerDay = cur.PerMinute, cur.PerDay
		for k, v := range cur.Quotas {
			next.Quotas[k] = v
		}
	}
	for _, key := range u.Unset {
		switch key {
		case "per_minute":
			next.PerMinute = nil
		case "per_day":
			next.PerDay = nil
		default:
			if err := checkQuota(key, 0); err != nil {
				return nil, err
			}
			delete(next.Quotas, key)
		}
	}
	if u.PerMinute != nil {
		next.PerMinute = u.PerMinute
	}
	if u.PerDay != nil {
		next.PerDay = u.PerDay
	}
	for key, limit := range u.Quotas {
		limit := limit
		next.Quotas[key] = &limit
	}
	if err := checkOverrides(&next); err != nil {
		return nil, err
	}

	var overrides *domain.LimitOverride
	if next.PerMinute != nil || next.PerDay != nil || len(next.Quotas) > 0 {
		overrides = &next
	}
	if err := s.repo.SetTenantOverrides(ctx, id, overrides); err != nil {
		return nil, fmt.Errorf("save overrides: %w", err)
	}
	tenant.Overrides = overrides
	return tenant, nil
}

func checkQuota(key string, limit int64) error {
	if _, err := domain.ParseModule(strings.TrimSuffix(key, "_monthly")); err != nil || !strings.HasSuffix(key, "_monthly") {
		return invalid(fmt.Sprintf("unknown quota key %q", key))
	}
	if limit < 0 {
		return invalid(fmt.Sprintf("quota %s must not be negative", key))
	}
	return nil
}

func checkOverrides(o *domain.LimitOverride) error {
	if o == nil {
		return nil
	}
	if o.PerMinute != nil && *o.PerMinute < 1 {
		return invalid("per_minute override must be positive")
	}
	if o.PerDay != nil && *o.PerDay < 1 {
		return invalid("per_day override must be positive")
	}
	for key, limit := range o.Quotas {
		if limit == nil {
			continue
		}
		if err := checkQuota(key, *limit); err != nil {
			return err
		}
	}
	return nil
}

func invalid(msg string) error {
	return domain.NewValidationError(domain.CodeInvalidRequest, msg)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
