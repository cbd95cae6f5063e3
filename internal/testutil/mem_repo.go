package testutil

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/poyrazK/veriflow/internal/core/domain"
)

// MemRepo is an in-memory ports.Repository for service tests.
type MemRepo struct {
	mu            sync.Mutex
	Plans         map[string]*domain.Plan
	Tenants       map[string]*domain.Tenant
	Credentials   map[string]*domain.APICredential
	Usage         []domain.UsageEvent
	Subscriptions map[string]*domain.WebhookSubscription
	Deliveries    []domain.WebhookDelivery
	Jobs          map[string]*domain.VerificationJob
	Touched       map[string]time.Time
	ResultWrites  int
}

func NewMemRepo() *MemRepo {
	return &MemRepo{
		Plans:         make(map[string]*domain.Plan),
		Tenants:       make(map[string]*domain.Tenant),
		Credentials:   make(map[string]*domain.APICredential),
		Subscriptions: make(map[string]*domain.WebhookSubscription),
		Jobs:          make(map[string]*domain.VerificationJob),
		Touched:       make(map[string]time.Time),
	}
}

func (r *MemRepo) AddTenant(t *domain.Tenant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tenants[t.ID] = t
}

func (r *MemRepo) GetTenant(_ context.Context, id string) (*domain.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.Tenants[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (r *MemRepo) CreatePlan(_ context.Context, plan *domain.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *plan
	r.Plans[plan.Slug] = &cp
	return nil
}

func (r *MemRepo) GetPlanBySlug(_ context.Context, slug string) (*domain.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.Plans[slug]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *MemRepo) CreateTenant(_ context.Context, tenant *domain.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *tenant
	r.Tenants[tenant.ID] = &cp
	return nil
}

func (r *MemRepo) SetTenantStatus(_ context.Context, id string, status domain.TenantStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.Tenants[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Status = status
	return nil
}

func (r *MemRepo) SetTenantOverrides(_ context.Context, id string, overrides *domain.LimitOverride) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.Tenants[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Overrides = overrides
	return nil
}

func (r *MemRepo) GetCredentialByKeyID(_ context.Context, keyID string) (*domain.APICredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.Credentials[keyID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *MemRepo) CreateCredential(_ context.Context, cred *domain.APICredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *cred
	r.Credentials[cred.KeyID] = &cp
	return nil
}

func (r *MemRepo) ListCredentials(_ context.Context, tenantID string) ([]domain.APICredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.APICredential
	for _, c := range r.Credentials {
		if c.TenantID == tenantID {
			out = append(out, *c)
		}
	}
	slices.SortFunc(out, func(a, b domain.APICredential) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (r *MemRepo) UpdateCredentialSecret(_ context.Context, keyID, secretRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.Credentials[keyID]
	if !ok {
		return domain.ErrNotFound
	}
	c.SecretRef = secretRef
	return nil
}

func (r *MemRepo) SetCredentialActive(_ context.Context, keyID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.Credentials[keyID]
	if !ok {
		return domain.ErrNotFound
	}
	c.Active = active
	return nil
}

func (r *MemRepo) TouchCredentialLastUsed(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Touched[id] = at
	return nil
}

func (r *MemRepo) RecordUsage(_ context.Context, ev *domain.UsageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Usage = append(r.Usage, *ev)
	return nil
}

func (r *MemRepo) SumUsage(_ context.Context, tenantID string, module domain.Module, from, to time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum int64
	for _, ev := range r.Usage {
		if ev.TenantID == tenantID && ev.Module == module && !ev.CreatedAt.Before(from) && ev.CreatedAt.Before(to) {
			sum += ev.Amount
		}
	}
	return sum, nil
}

func usageMatches(ev domain.UsageEvent, f domain.UsageFilter) bool {
	return (f.TenantID == "" || ev.TenantID == f.TenantID) &&
		(f.Module == "" || ev.Module == f.Module) &&
		(f.From.IsZero() || !ev.CreatedAt.Before(f.From)) &&
		(f.To.IsZero() || ev.CreatedAt.Before(f.To))
}

func (r *MemRepo) ListUsage(_ context.Context, f domain.UsageFilter) ([]domain.UsageEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.UsageEvent
	for _, ev := range r.Usage {
		if usageMatches(ev, f) {
			out = append(out, ev)
		}
	}
	slices.SortStableFunc(out, func(a, b domain.UsageEvent) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemRepo) SummarizeUsage(_ context.Context, f domain.UsageFilter) ([]domain.ModuleTotal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sums := make(map[domain.Module]int64)
	for _, ev := range r.Usage {
		if usageMatches(ev, f) {
			sums[ev.Module] += ev.Amount
		}
	}
	var out []domain.ModuleTotal
	for m, total := range sums {
		out = append(out, domain.ModuleTotal{Module: m, Total: total})
	}
	slices.SortFunc(out, func(a, b domain.ModuleTotal) int { return strings.Compare(string(a.Module), string(b.Module)) })
	return out, nil
}

// UsageFor returns the events recorded for module.
func (r *MemRepo) UsageFor(module domain.Module) []domain.UsageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.UsageEvent
	for _, ev := range r.Usage {
		if ev.Module == module {
			out = append(out, ev)
		}
	}
	return out
}

func (r *MemRepo) CreateSubscription(_ context.Context, sub *domain.WebhookSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sub
	r.Subscriptions[sub.ID] = &cp
	return nil
}

func (r *MemRepo) GetSubscription(_ context.Context, id string) (*domain.WebhookSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.Subscriptions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *MemRepo) ListSubscriptions(_ context.Context, tenantID string) ([]domain.WebhookSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.WebhookSubscription
	for _, s := range r.Subscriptions {
		if s.TenantID == tenantID {
			out = append(out, *s)
		}
	}
	slices.SortFunc(out, func(a, b domain.WebhookSubscription) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (r *MemRepo) SaveDelivery(_ context.Context, d *domain.WebhookDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Deliveries = append(r.Deliveries, *d)
	return nil
}

func (r *MemRepo) ListDeliveries(_ context.Context, subscriptionID string, limit int) ([]domain.WebhookDelivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.WebhookDelivery
	for i := len(r.Deliveries) - 1; i >= 0 && len(out) < limit; i-- {
		if r.Deliveries[i].SubscriptionID == subscriptionID {
			out = append(out, r.Deliveries[i])
		}
	}
	return out, nil
}

func (r *MemRepo) CreateJob(_ context.Context, job *domain.VerificationJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.Jobs[job.ID] = &cp
	return nil
}

func (r *MemRepo) GetJob(_ context.Context, tenantID, id string) (*domain.VerificationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.Jobs[id]
	if !ok || j.TenantID != tenantID {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (r *MemRepo) GetJobByID(_ context.Context, id string) (*domain.VerificationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.Jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (r *MemRepo) ClaimJob(_ context.Context, id string, startedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.Jobs[id]
	if !ok || j.Status != domain.JobQueued {
		return false, nil
	}
	j.Status = domain.JobRunning
	j.StartedAt = &startedAt
	return true, nil
}

func (r *MemRepo) UpdateJobResult(_ context.Context, id string, result domain.JobResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.Jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Result = result
	r.ResultWrites++
	return nil
}

func (r *MemRepo) FinishJob(_ context.Context, job *domain.VerificationJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.Jobs[job.ID] = &cp
	return nil
}

func (r *MemRepo) ListQueuedJobs(_ context.Context, createdBefore time.Time, limit int) ([]domain.VerificationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.VerificationJob
	for _, j := range r.Jobs {
		if j.Status == domain.JobQueued && j.CreatedAt.Before(createdBefore) {
			out = append(out, *j)
		}
	}
	slices.SortFunc(out, func(a, b domain.VerificationJob) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemRepo) Ping(context.Context) error { return nil }
