package testutil

import (
	"context"
	"time"

	"github.com/poyrazK/veriflow/internal/core/domain"
	"github.com/stretchr/testify/mock"
)

// MockRepo is a testify mock of ports.Repository. Context arguments are not
// passed to Called.
type MockRepo struct {
	mock.Mock
}

func (m *MockRepo) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	args := m.Called(id)
	t, _ := args.Get(0).(*domain.Tenant)
	return t, args.Error(1)
}

func (m *MockRepo) GetCredentialByKeyID(ctx context.Context, keyID string) (*domain.APICredential, error) {
	args := m.Called(keyID)
	c, _ := args.Get(0).(*domain.APICredential)
	return c, args.Error(1)
}

func (m *MockRepo) CreateCredential(ctx context.Context, cred *domain.APICredential) error {
	args := m.Called(cred)
	return args.Error(0)
}

func (m *MockRepo) ListCredentials(ctx context.Context, tenantID string) ([]domain.APICredential, error) {
	args := m.Called(tenantID)
	return args.Get(0).([]domain.APICredential), args.Error(1)
}

func (m *MockRepo) UpdateCredentialSecret(ctx context.Context, keyID, secretRef string) error {
	args := m.Called(keyID, secretRef)
	return args.Error(0)
}

func (m *MockRepo) SetCredentialActive(ctx context.Context, keyID string, active bool) error {
	args := m.Called(keyID, active)
	return args.Error(0)
}

func (m *MockRepo) TouchCredentialLastUsed(ctx context.Context, id string, at time.Time) error {
	args := m.Called(id, at)
	return args.Error(0)
}

func (m *MockRepo) RecordUsage(ctx context.Context, ev *domain.UsageEvent) error {
	args := m.Called(ev)
	return args.Error(0)
}

func (m *MockRepo) SumUsage(ctx context.Context, tenantID string, module domain.Module, from, to time.Time) (int64, error) {
	args := m.Called(tenantID, module, from, to)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepo) CreateSubscription(ctx context.Context, sub *domain.WebhookSubscription) error {
	args := m.Called(sub)
	return args.Error(0)
}

func (m *MockRepo) GetSubscription(ctx context.Context, id string) (*domain.WebhookSubscription, error) {
	args := m.Called(id)
	s, _ := args.Get(0).(*domain.WebhookSubscription)
	return s, args.Error(1)
}

func (m *MockRepo) ListSubscriptions(ctx context.Context, tenantID string) ([]domain.WebhookSubscription, error) {
	args := m.Called(tenantID)
	return args.Get(0).([]domain.WebhookSubscription), args.Error(1)
}

func (m *MockRepo) SaveDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	args := m.Called(d)
	return args.Error(0)
}

func (m *MockRepo) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]domain.WebhookDelivery, error) {
	args := m.Called(subscriptionID, limit)
	return args.Get(0).([]domain.WebhookDelivery), args.Error(1)
}

func (m *MockRepo) CreateJob(ctx context.Context, job *domain.VerificationJob) error {
	args := m.Called(job)
	return args.Error(0)
}

func (m *MockRepo) GetJob(ctx context.Context, tenantID, id string) (*domain.VerificationJob, error) {
	args := m.Called(tenantID, id)
	j, _ := args.Get(0).(*domain.VerificationJob)
	return j, args.Error(1)
}

func (m *MockRepo) GetJobByID(ctx context.Context, id string) (*domain.VerificationJob, error) {
	args := m.Called(id)
	j, _ := args.Get(0).(*domain.VerificationJob)
	return j, args.Error(1)
}

func (m *MockRepo) ClaimJob(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	args := m.Called(id, startedAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepo) UpdateJobResult(ctx context.Context, id string, result domain.JobResult) error {
	args := m.Called(id, result)
	return args.Error(0)
}

func (m *MockRepo) FinishJob(ctx context.Context, job *domain.VerificationJob) error {
	args := m.Called(job)
	return args.Error(0)
}

func (m *MockRepo) ListQueuedJobs(ctx context.Context, createdBefore time.Time, limit int) ([]domain.VerificationJob, error) {
	args := m.Called(createdBefore, limit)
	return args.Get(0).([]domain.VerificationJob), args.Error(1)
}

func (m *MockRepo) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockRepo) CreatePlan(ctx context.Context, plan *domain.Plan) error {
	args := m.Called(plan)
	return args.Error(0)
}

func (m *MockRepo) GetPlanBySlug(ctx context.Context, slug string) (*domain.Plan, error) {
	args := m.Called(slug)
	p, _ := args.Get(0).(*domain.Plan)
	return p, args.Error(1)
}

func (m *MockRepo) CreateTenant(ctx context.Context, tenant *domain.Tenant) error {
	args := m.Called(tenant)
	return args.Error(0)
}

func (m *MockRepo) SetTenantStatus(ctx context.Context, id string, status domain.TenantStatus) error {
	args := m.Called(id, status)
	return args.Error(0)
}

func (m *MockRepo) SetTenantOverrides(ctx context.Context, id string, overrides *domain.LimitOverride) error {
	args := m.Called(id, overrides)
	return args.Error(0)
}

func (m *MockRepo) ListUsage(ctx context.Context, filter domain.UsageFilter) ([]domain.UsageEvent, error) {
	args := m.Called(filter)
	evs, _ := args.Get(0).([]domain.UsageEvent)
	return evs, args.Error(1)
}

func (m *MockRepo) SummarizeUsage(ctx context.Context, filter domain.UsageFilter) ([]domain.ModuleTotal, error) {
	args := m.Called(filter)
	totals, _ := args.Get(0).([]domain.ModuleTotal)
	return totals, args.Error(1)
}
