package ports

import (
	"context"
	"errors"
	"time"

	"github.com/poyrazK/veriflow/internal/core/domain"
)

// ErrCounterMissing is returned by CounterStore.IncrementIfBelow when the counter
// has not been initialised or has expired.
var ErrCounterMissing = errors.New("counter missing")

// TenantRepository loads tenants together with their plan and overrides.
type TenantRepository interface {
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)
}

// TenantAdminRepository provisions plans and tenants.
type TenantAdminRepository interface {
	CreatePlan(ctx context.Context, plan *domain.Plan) error
	GetPlanBySlug(ctx context.Context, slug string) (*domain.Plan, error)
	CreateTenant(ctx context.Context, tenant *domain.Tenant) error
	SetTenantStatus(ctx context.Context, id string, status domain.TenantStatus) error
	SetTenantOverrides(ctx context.Context, id string, overrides *domain.LimitOverride) error
}

type CredentialRepository interface {
	GetCredentialByKeyID(ctx context.Context, keyID string) (*domain.APICredential, error)
	CreateCredential(ctx context.Context, cred *domain.APICredential) error
	ListCredentials(ctx context.Context, tenantID string) ([]domain.APICredential, error)
	UpdateCredentialSecret(ctx context.Context, keyID, secretRef string) error
	SetCredentialActive(ctx context.Context, keyID string, active bool) error
	TouchCredentialLastUsed(ctx context.Context, id string, at time.Time) error
}

// UsageRepository is the append-only usage ledger.
type UsageRepository interface {
	RecordUsage(ctx context.Context, ev *domain.UsageEvent) error
	SumUsage(ctx context.Context, tenantID string, module domain.Module, from, to time.Time) (int64, error)
	// ListUsage returns matching events newest first, at most filter.Limit of them.
	ListUsage(ctx context.Context, filter domain.UsageFilter) ([]domain.UsageEvent, error)
	// SummarizeUsage totals every matching event per module, ignoring filter.Limit.
	SummarizeUsage(ctx context.Context, filter domain.UsageFilter) ([]domain.ModuleTotal, error)
}

type WebhookRepository interface {
	CreateSubscription(ctx context.Context, sub *domain.WebhookSubscription) error
	GetSubscription(ctx context.Context, id string) (*domain.WebhookSubscription, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]domain.WebhookSubscription, error)
	SaveDelivery(ctx context.Context, d *domain.WebhookDelivery) error
	ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]domain.WebhookDelivery, error)
}

type JobRepository interface {
	CreateJob(ctx context.Context, job *domain.VerificationJob) error
	GetJob(ctx context.Context, tenantID, id string) (*domain.VerificationJob, error)
	GetJobByID(ctx context.Context, id string) (*domain.VerificationJob, error)
	// ClaimJob moves a queued job to running. It returns false when another
	// worker already holds the job or the job is not queued.
	ClaimJob(ctx context.Context, id string, startedAt time.Time) (bool, error)
	UpdateJobResult(ctx context.Context, id string, result domain.JobResult) error
	FinishJob(ctx context.Context, job *domain.VerificationJob) error
	// ListQueuedJobs returns jobs still queued that were created before the cutoff.
	ListQueuedJobs(ctx context.Context, createdBefore time.Time, limit int) ([]domain.VerificationJob, error)
}

// Repository is everything the Postgres adapter provides.
type Repository interface {
	TenantRepository
	TenantAdminRepository
	CredentialRepository
	UsageRepository
	WebhookRepository
	JobRepository
	Ping(ctx context.Context) error
}

// CounterStore holds quota counters with TTLs.
type CounterStore interface {
	// GetCounter returns found=false when the key is absent or expired.
	GetCounter(ctx context.Context, key string) (value int64, found bool, err error)
	// InitCounter writes value only if the key is absent and returns the value now stored.
	InitCounter(ctx context.Context, key string, value int64, ttl time.Duration) (int64, error)
	// IncrementIfBelow atomically adds amount when current+amount <= limit.
	// It returns the stored value after the call and whether the add happened.
	// A missing key yields ErrCounterMissing.
	IncrementIfBelow(ctx context.Context, key string, amount, limit int64, ttl time.Duration) (int64, bool, error)
}

// ReplayStore remembers keys for a bounded window.
type ReplayStore interface {
	// Claim records key and reports true only for the first caller within ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Bucket names one token bucket and its refill policy in tokens per second.
type Bucket struct {
	Key   string
	Rate  float64
	Burst int
}

// RateLimiter drains token buckets keyed by caller.
type RateLimiter interface {
	// AllowAll takes one token from every bucket, or from none when any of
	// them is empty. denied is the index of the first empty bucket, -1 when
	// the request passes.
	AllowAll(ctx context.Context, buckets ...Bucket) (denied int, retryAfter time.Duration, err error)
}

// SecretResolver turns a stored secret reference into the raw secret.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) ([]byte, error)
}

// SecretSealer produces references that a SecretResolver can open.
type SecretSealer interface {
	Seal(ctx context.Context, secret []byte) (string, error)
}

// Task is a unit of background work.
type Task func(ctx context.Context)

// TaskScheduler runs tasks off the caller's goroutine.
type TaskScheduler interface {
	Submit(task Task) error
	SubmitAfter(delay time.Duration, task Task) error
}

// Step providers. Each returns *domain.ValidationError for malformed input.
type LivenessProvider interface {
	Analyze(ctx context.Context, image []byte, hints map[string]bool) (*domain.LivenessResult, error)
}

type OCRProvider interface {
	Extract(ctx context.Context, front, back []byte, documentHint, countryHint string) (*domain.OCRResult, error)
}

type DocumentValidator interface {
	Validate(ctx context.Context, detected domain.DocumentDetection, fields map[string]string) (*domain.ValidationResult, error)
}

type FaceMatcher interface {
	Match(ctx context.Context, live, reference []byte, threshold float64) (*domain.FaceMatchResult, error)
}

// Providers bundles one provider per module.
type Providers struct {
	Liveness  LivenessProvider
	OCR       OCRProvider
	Validator DocumentValidator
	FaceMatch FaceMatcher
}

// EventPublisher fans a tenant event out to matching webhook subscriptions.
type EventPublisher interface {
	Publish(ctx context.Context, tenantID, event string, data any) error
}

// QuotaService answers and reserves monthly quota.
type QuotaService interface {
	Status(ctx context.Context, tenant *domain.Tenant, module domain.Module) (domain.QuotaStatus, error)
	Reserve(ctx context.Context, tenant *domain.Tenant, module domain.Module, amount int64) (domain.QuotaStatus, error)
}

// UsageRecorder appends usage events with the tenant's price snapshot.
type UsageRecorder interface {
	Record(ctx context.Context, tenant *domain.Tenant, module domain.Module, amount int64, jobID, requestID string) (*domain.UsageEvent, error)
}

// Authenticator verifies signed requests.
type Authenticator interface {
	Verify(ctx context.Context, req domain.SignedRequest) (domain.AuthContext, error)
}

// HealthChecker is satisfied by every backing store.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
