package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Module identifies a billable verification capability.
type Module string

const (
	ModuleLiveness  Module = "liveness"
	ModuleOCR       Module = "ocr"
	ModuleValidate  Module = "validate"
	ModuleFaceMatch Module = "face_match"
)

var knownModules = map[Module]struct{}{
	ModuleLiveness:  {},
	ModuleOCR:       {},
	ModuleValidate:  {},
	ModuleFaceMatch: {},
}

// Modules lists every billable module in a stable order.
func Modules() []Module {
	return []Module{ModuleLiveness, ModuleOCR, ModuleValidate, ModuleFaceMatch}
}

// QuotaKey returns the plan quota map key for the module, e.g. "ocr_monthly".
func (m Module) QuotaKey() string {
	return string(m) + "_monthly"
}

// ParseModule validates a module name coming from the outside world.
func ParseModule(s string) (Module, error) {
	m := Module(s)
	if _, ok := knownModules[m]; !ok {
		return "", &ValidationError{Code: CodeInvalidModule, Message: fmt.Sprintf("unknown module %q", s)}
	}
	return m, nil
}

type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
)

// Rate caps applied when neither the plan nor an override sets them.
const (
	DefaultPerMinute = 60
	DefaultPerDay    = 50000
)

// Plan is a tariff template shared by many tenants.
type Plan struct {
	ID         string                     `json:"id"`
	Slug       string                     `json:"slug"`
	Name       string                     `json:"name"`
	Active     bool                       `json:"active"`
	PerMinute  int                        `json:"per_minute"`
	PerDay     int                        `json:"per_day"`
	Quotas     map[string]int64           `json:"quotas"`
	UnitPrices map[string]decimal.Decimal `json:"unit_prices"`
	CreatedAt  time.Time                  `json:"created_at"`
}

// LimitOverride replaces plan limits for a single tenant. Nil values defer to the plan.
type LimitOverride struct {
	PerMinute *int              `json:"per_minute,omitempty"`
	PerDay    *int              `json:"per_day,omitempty"`
	Quotas    map[string]*int64 `json:"quotas,omitempty"`
}

// Tenant is a billable customer.
type Tenant struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	PlanID     string         `json:"plan_id"`
	Plan       *Plan          `json:"plan,omitempty"`
	Status     TenantStatus   `json:"status"`
	WebhookURL string         `json:"webhook_url,omitempty"`
	Overrides  *LimitOverride `json:"overrides,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (t *Tenant) IsActive() bool {
	return t.Status == TenantActive
}

// MonthlyLimit resolves the monthly quota for a module.
// ok is false when no override or plan entry exists, meaning unlimited.
func (t *Tenant) MonthlyLimit(m Module) (limit int64, ok bool) {
	key := m.QuotaKey()
	if t.Overrides != nil {
		if v, found := t.Overrides.Quotas[key]; found && v != nil {
			return *v, true
		}
	}
	if t.Plan != nil {
		if v, found := t.Plan.Quotas[key]; found {
			return v, true
		}
	}
	return 0, false
}

// RateLimits returns the effective per-minute and per-day request caps.
func (t *Tenant) RateLimits() (perMinute, perDay int) {
	perMinute, perDay = DefaultPerMinute, DefaultPerDay
	if t.Plan != nil {
		if t.Plan.PerMinute > 0 {
			perMinute = t.Plan.PerMinute
		}
		if t.Plan.PerDay > 0 {
			perDay = t.Plan.PerDay
		}
	}
	if t.Overrides != nil {
		if t.Overrides.PerMinute != nil {
			perMinute = *t.Overrides.PerMinute
		}
		if t.Overrides.PerDay != nil {
			perDay = *t.Overrides.PerDay
		}
	}
	return perMinute, perDay
}

// UnitPrice is the per-call price the plan charges for a module, zero when unpriced.
func (t *Tenant) UnitPrice(m Module) decimal.Decimal {
	if t.Plan == nil {
		return decimal.Zero
	}
	if p, ok := t.Plan.UnitPrices[string(m)]; ok {
		return p
	}
	return decimal.Zero
}
