package services

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/poyrazK/veriflow/internal/core/domain"
	"github.com/poyrazK/veriflow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestUsageMeter_SnapshotsUnitPrice(t *testing.T) {
	repo := testutil.NewMemRepo()
	m := NewUsageMeter(repo)
	tenant := newTestTenant("t1", 10)

	ev, err := m.Record(context.Background(), tenant, domain.ModuleLiveness, 1, "job-1", "idem-1")
	require.NoError(t, err)
	assert.True(t, ev.Billed)
	assert.Equal(t, "0.05", ev.UnitPrice.String())
	assert.Equal(t, "job-1", ev.JobID)
	assert.Equal(t, "idem-1", ev.RequestID)
	require.Len(t, repo.Usage, 1)

	ev, err = m.Record(context.Background(), tenant, domain.ModuleOCR, 1, "", "")
	require.NoError(t, err)
	assert.True(t, ev.UnitPrice.IsZero())
}

func TestUsageMeter_RepositoryError(t *testing.T) {
	repo := new(testutil.MockRepo)
	repo.On("RecordUsage", mock.Anything).Return(errors.New("db down"))

	_, err := NewUsageMeter(repo).Record(context.Background(), newTestTenant("t1", 1), domain.ModuleOCR, 1, "", "")
	assert.ErrorContains(t, err, "db down")
	repo.AssertExpectations(t)
}

var keyIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestCredentialService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewMemRepo()
	repo.AddTenant(newTestTenant("t1", 10))
	svc := NewCredentialService(repo, testutil.PlainSecrets{})

	issued, err := svc.Create(ctx, CreateCredentialParams{TenantID: "t1", Name: "backend", AllowedIPs: []string{"10.0.0.0/8"}})
	require.NoError(t, err)
	assert.Regexp(t, keyIDPattern, issued.Credential.KeyID)
	assert.NotEmpty(t, issued.Secret)
	assert.Equal(t, "plain:"+issued.Secret, repo.Credentials[issued.Credential.KeyID].SecretRef)

	rotated, err := svc.Rotate(ctx, issued.Credential.KeyID)
	require.NoError(t, err)
	assert.NotEqual(t, issued.Secret, rotated.Secret)
	assert.Equal(t, "plain:"+rotated.Secret, repo.Credentials[issued.Credential.KeyID].SecretRef)

	require.NoError(t, svc.Suspend(ctx, issued.Credential.KeyID))
	assert.False(t, repo.Credentials[issued.Credential.KeyID].Active)
	require.NoError(t, svc.Resume(ctx, issued.Credential.KeyID))
	assert.True(t, repo.Credentials[issued.Credential.KeyID].Active)

	creds, err := svc.List(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, creds, 1)
}

func TestCredentialService_NotFound(t *testing.T) {
	ctx := context.Background()
	svc := NewCredentialService(testutil.NewMemRepo(), testutil.PlainSecrets{})

	_, err := svc.Create(ctx, CreateCredentialParams{TenantID: "missing"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = svc.Rotate(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, svc.Suspend(ctx, "nope"), domain.ErrNotFound)
}

func TestSubscriptionService_CreateAppliesDefaults(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewMemRepo()
	repo.AddTenant(newTestTenant("t1", 10))
	svc := NewSubscriptionService(repo, testutil.PlainSecrets{}, nil)

	issued, err := svc.Create(ctx, CreateSubscriptionParams{
		TenantID: "t1",
		URL:      "https://hooks.example.com/kyc",
		Events:   []string{domain.EventJobSucceeded, domain.EventJobFailed},
	})
	require.NoError(t, err)
	assert.Regexp(t, `^whsec_`, issued.Secret)
	sub := issued.Subscription
	assert.True(t, sub.Active)
	assert.Equal(t, domain.DefaultWebhookTimeoutSeconds, sub.TimeoutSeconds)
	assert.Equal(t, domain.DefaultWebhookMaxAttempts, sub.MaxAttempts)
	assert.Equal(t, domain.DefaultWebhookBackoffSeconds, sub.BackoffSeconds)
	assert.Equal(t, "plain:"+issued.Secret, repo.Subscriptions[sub.ID].SecretRef)
}

func TestSubscriptionService_CreateValidation(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewMemRepo()
	repo.AddTenant(newTestTenant("t1", 10))
	svc := NewSubscriptionService(repo, testutil.PlainSecrets{}, nil)

	tests := []struct {
		name string
		p    CreateSubscriptionParams
		code string
	}{
		{"bad url", CreateSubscriptionParams{TenantID: "t1", URL: "ftp://x", Events: []string{domain.EventJobFailed}}, domain.CodeInvalidURL},
		{"no events", CreateSubscriptionParams{TenantID: "t1", URL: "https://x.example"}, domain.CodeInvalidEvents},
		{"unknown event", CreateSubscriptionParams{TenantID: "t1", URL: "https://x.example", Events: []string{"job.started"}}, domain.CodeInvalidEvents},
		{"zero max retries", CreateSubscriptionParams{TenantID: "t1", URL: "https://x.example", Events: []string{domain.EventJobFailed}, MaxAttempts: intPtr(0)}, domain.CodeInvalidRequest},
		{"negative timeout", CreateSubscriptionParams{TenantID: "t1", URL: "https://x.example", Events: []string{domain.EventJobFailed}, TimeoutSeconds: intPtr(-1)}, domain.CodeInvalidRequest},
		{"zero backoff", CreateSubscriptionParams{TenantID: "t1", URL: "https://x.example", Events: []string{domain.EventJobFailed}, BackoffSeconds: intPtr(0)}, domain.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.p)
			var valErr *domain.ValidationError
			require.True(t, errors.As(err, &valErr), "got %v", err)
			assert.Equal(t, tt.code, valErr.Code)
		})
	}

	_, err := svc.Create(ctx, CreateSubscriptionParams{TenantID: "ghost", URL: "https://x.example", Events: []string{domain.EventJobFailed}})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSubscriptionService_PingAndDeliveries(t *testing.T) {
	d, repo, _, _, url := newTestDispatcher(t, http.StatusOK, "")
	repo.AddTenant(newTestTenant("t1", 10))
	addSubscription(repo, url, 5, domain.EventJobSucceeded)
	svc := NewSubscriptionService(repo, testutil.PlainSecrets{}, d)
	ctx := context.Background()

	del, err := svc.Ping(ctx, "sub-1")
	require.NoError(t, err)
	assert.True(t, del.OK)

	list, err := svc.Deliveries(ctx, "sub-1", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.EventTestPing, list[0].Event)

	_, err = svc.Ping(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTenantService_PlanAndTenant(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewMemRepo()
	svc := NewTenantService(repo)

	plan, err := svc.CreatePlan(ctx, CreatePlanParams{
		Slug:   "starter",
		Name:   "Starter",
		Quotas: map[string]int64{"ocr_monthly": 5000},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultPerMinute, plan.PerMinute)
	assert.Equal(t, domain.DefaultPerDay, plan.PerDay)

	_, err = svc.CreatePlan(ctx, CreatePlanParams{Slug: "starter"})
	var valErr *domain.ValidationError
	require.ErrorAs(t, err, &valErr)

	tenant, err := svc.CreateTenant(ctx, CreateTenantParams{Name: "Acme", PlanSlug: "starter"})
	require.NoError(t, err)
	assert.Equal(t, plan.ID, tenant.PlanID)
	assert.True(t, tenant.IsActive())
	limit, ok := tenant.MonthlyLimit(domain.ModuleOCR)
	assert.True(t, ok)
	assert.Equal(t, int64(5000), limit)

	require.NoError(t, svc.Suspend(ctx, tenant.ID))
	got, err := svc.Get(ctx, tenant.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive())
	require.NoError(t, svc.Resume(ctx, tenant.ID))
}

func TestTenantService_Rejections(t *testing.T) {
	ctx := context.Background()
	svc := NewTenantService(testutil.NewMemRepo())

	_, err := svc.CreatePlan(ctx, CreatePlanParams{Slug: "x", Quotas: map[string]int64{"ocr": 1}})
	assert.Error(t, err)
	_, err = svc.CreatePlan(ctx, CreatePlanParams{Slug: "x", Quotas: map[string]int64{"ocr_monthly": -1}})
	assert.Error(t, err)
	_, err = svc.CreatePlan(ctx, CreatePlanParams{})
	assert.Error(t, err)

	_, err = svc.CreateTenant(ctx, CreateTenantParams{Name: "Acme", PlanSlug: "missing"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = svc.CreateTenant(ctx, CreateTenantParams{})
	assert.Error(t, err)

	assert.ErrorIs(t, svc.Suspend(ctx, "nope"), domain.ErrNotFound)
	_, err = svc.Get(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTenantService_UpdateLimitsMerges(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewMemRepo()
	svc := NewTenantService(repo)

	_, err := svc.CreatePlan(ctx, CreatePlanParams{Slug: "starter", PerMinute: 30, Quotas: map[string]int64{"ocr_monthly": 100}})
	require.NoError(t, err)
	perMinute := 90
	tenant, err := svc.CreateTenant(ctx, CreateTenantParams{
		Name:      "Acme",
		PlanSlug:  "starter",
		Overrides: &domain.LimitOverride{PerMinute: &perMinute},
	})
	require.NoError(t, err)

	perDay := 400
	got, err := svc.UpdateLimits(ctx, tenant.ID, LimitsUpdate{PerDay: &perDay, Quotas: map[string]int64{"liveness_monthly": 0}})
	require.NoError(t, err)
	pm, pd := got.RateLimits()
	assert.Equal(t, 90, pm)
	assert.Equal(t, 400, pd)
	limit, ok := got.MonthlyLimit(domain.ModuleLiveness)
	assert.True(t, ok)
	assert.Zero(t, limit)
	limit, _ = got.MonthlyLimit(domain.ModuleOCR)
	assert.Equal(t, int64(100), limit)

	got, err = svc.UpdateLimits(ctx, tenant.ID, LimitsUpdate{Unset: []string{"per_minute", "liveness_monthly"}})
	require.NoError(t, err)
	pm, _ = got.RateLimits()
	assert.Equal(t, 30, pm)
	_, ok = got.MonthlyLimit(domain.ModuleLiveness)
	assert.False(t, ok)

	_, err = svc.UpdateLimits(ctx, tenant.ID, LimitsUpdate{Reset: true})
	require.NoError(t, err)
	assert.Nil(t, repo.Tenants[tenant.ID].Overrides)
}

func TestTenantService_UpdateLimitsRejections(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewMemRepo()
	repo.AddTenant(newTestTenant("t1", 10))
	svc := NewTenantService(repo)
	zero := 0

	tests := []struct {
		name string
		u    LimitsUpdate
	}{
		{"zero per minute", LimitsUpdate{PerMinute: &zero}},
		{"zero per day", LimitsUpdate{PerDay: &zero}},
		{"negative quota", LimitsUpdate{Quotas: map[string]int64{"ocr_monthly": -1}}},
		{"unknown quota key", LimitsUpdate{Quotas: map[string]int64{"workflow_monthly": 1}}},
		{"unknown unset key", LimitsUpdate{Unset: []string{"per_hour"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UpdateLimits(ctx, "t1", tt.u)
			var valErr *domain.ValidationError
			assert.ErrorAs(t, err, &valErr)
		})
	}

	_, err := svc.UpdateLimits(ctx, "ghost", LimitsUpdate{Reset: true})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.CreateTenant(ctx, CreateTenantParams{Name: "Acme", Overrides: &domain.LimitOverride{PerDay: &zero}})
	assert.Error(t, err)
}

func TestUsageMeter_Report(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewMemRepo()
	m := NewUsageMeter(repo)
	tenant := newTestTenant("t1", 10)
	for i := 0; i < 3; i++ {
		_, err := m.Record(ctx, tenant, domain.ModuleOCR, 2, "", "")
		require.NoError(t, err)
	}
	_, err := m.Record(ctx, tenant, domain.ModuleLiveness, 1, "", "")
	require.NoError(t, err)

	report, err := m.Report(ctx, domain.UsageFilter{TenantID: "t1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, report.Events, 2)
	assert.Equal(t, []domain.ModuleTotal{
		{Module: domain.ModuleLiveness, Total: 1},
		{Module: domain.ModuleOCR, Total: 6},
	}, report.Summary)

	_, err = m.Report(ctx, domain.UsageFilter{Module: "palm"})
	var valErr *domain.ValidationError
	assert.ErrorAs(t, err, &valErr)

	now := time.Now()
	_, err = m.Report(ctx, domain.UsageFilter{From: now, To: now})
	assert.ErrorAs(t, err, &valErr)
}

func TestUsageMeter_ReportClampsLimit(t *testing.T) {
	repo := new(testutil.MockRepo)
	repo.On("ListUsage", mock.MatchedBy(func(f domain.UsageFilter) bool { return f.Limit == MaxUsageListLimit })).Return([]domain.UsageEvent(nil), nil)
	repo.On("SummarizeUsage", mock.Anything).Return([]domain.ModuleTotal(nil), nil)

	_, err := NewUsageMeter(repo).Report(context.Background(), domain.UsageFilter{Limit: 50000})
	require.NoError(t, err)
	repo.AssertExpectations(t)

	repo = new(testutil.MockRepo)
	repo.On("ListUsage", mock.Anything).Return(nil, errors.New("db down"))
	_, err = NewUsageMeter(repo).Report(context.Background(), domain.UsageFilter{})
	assert.ErrorContains(t, err, "db down")
}

func TestSubscriptionService_SingleAttemptPolicy(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewMemRepo()
	repo.AddTenant(newTestTenant("t1", 10))
	svc := NewSubscriptionService(repo, testutil.PlainSecrets{}, nil)

	issued, err := svc.Create(ctx, CreateSubscriptionParams{
		TenantID:    "t1",
		URL:         "https://hooks.example.com/kyc",
		Events:      []string{domain.EventJobFailed},
		MaxAttempts: intPtr(1),
	})
	require.NoError(t, err)
	sub := issued.Subscription
	assert.Equal(t, 1, sub.MaxAttempts)
	assert.False(t, NextRetry(&sub, 1).Retry)
}

func intPtr(v int) *int { return &v }
