package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poyrazK/veriflow/internal/adapters/kvstore"
	"github.com/poyrazK/veriflow/internal/core/domain"
	"github.com/poyrazK/veriflow/internal/core/ports"
	"github.com/poyrazK/veriflow/internal/core/services"
	"github.com/poyrazK/veriflow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKeyID  = "k1"
	testSecret = "s3cret"
)

type harness struct {
	t         *testing.T
	repo      *testutil.MemRepo
	providers *testutil.StubProviders
	scheduler *testutil.FakeScheduler
	mux       *http.ServeMux
	tick      atomic.Int64
}

type failingChecker struct{}

func (failingChecker) Ping(context.Context) error { return errors.New("connection refused") }

func newHarness(t *testing.T, tenant *domain.Tenant, maxBody int64) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := testutil.NewMemRepo()
	repo.AddTenant(tenant)
	require.NoError(t, repo.CreateCredential(context.Background(), &domain.APICredential{
		ID: "c1", TenantID: tenant.ID, KeyID: testKeyID, SecretRef: "plain:" + testSecret, Active: true,
	}))

	store := kvstore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	providers := &testutil.StubProviders{
		Live: domain.LivenessResult{IsLive: true, SpoofType: "none", Confidence: 0.93},
	}
	scheduler := &testutil.FakeScheduler{}
	events := &testutil.RecordingPublisher{}
	quota := services.NewQuotaLedger(store, repo, logger)
	usage := services.NewUsageMeter(repo)

	h := NewAPIHandler(Config{
		Auth:         services.NewSignatureVerifier(repo, repo, store, testutil.PlainSecrets{}, logger),
		Limiter:      kvstore.NewMemoryLimiter(),
		Verification: services.NewVerificationService(quota, usage, providers.Bundle(), events, time.Second, logger),
		Jobs: services.NewJobOrchestrator(services.JobOrchestratorConfig{
			Jobs: repo, Tenants: repo, Quota: quota, Usage: usage, Providers: providers.Bundle(),
			Events: events, Scheduler: scheduler, ProviderTimeout: time.Second, Logger: logger,
		}),
		Health:       map[string]ports.HealthChecker{"postgres": repo, "redis": store},
		MaxBodyBytes: maxBody,
		Logger:       logger,
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	hs := &harness{t: t, repo: repo, providers: providers, scheduler: scheduler, mux: mux}
	hs.tick.Store(time.Now().UnixMilli())
	return hs
}

func activeTenant(quota int64) *domain.Tenant {
	return &domain.Tenant{
		ID:     "t1",
		Name:   "Acme",
		Status: domain.TenantActive,
		Plan: &domain.Plan{
			ID: "p1", Slug: "starter", Active: true,
			Quotas: map[string]int64{"liveness_monthly": quota, "ocr_monthly": quota},
		},
	}
}

// do sends a signed request. Every call uses a fresh timestamp so the replay
// guard only fires when a test repeats one on purpose.
func (hs *harness) do(method, path string, body any) *httptest.ResponseRecorder {
	ts := strconv.FormatInt(hs.tick.Add(1), 10)
	return hs.doAt(ts, method, path, body)
}

func (hs *harness) doAt(ts, method, path string, body any) *httptest.ResponseRecorder {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(hs.t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set(domain.HeaderAPIKey, testKeyID)
	req.Header.Set(domain.HeaderTimestamp, ts)
	req.Header.Set(domain.HeaderSignature, services.SignRequest([]byte(testSecret), ts, method, path, raw))
	req.Header.Set(domain.HeaderIdempotencyKey, "idem-"+ts)
	rr := httptest.NewRecorder()
	hs.mux.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return body.Error
}

func liveBody() services.LivenessRequest {
	return services.LivenessRequest{ImageLiveBase64: "aGVsbG8gd29ybGQ="}
}

func TestHealthCheck(t *testing.T) {
	hs := newHarness(t, activeTenant(10), 0)

	rr := httptest.NewRecorder()
	hs.mux.ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"UP"`)

	h := NewAPIHandler(Config{Health: map[string]ports.HealthChecker{"redis": failingChecker{}}})
	rr = httptest.NewRecorder()
	h.HealthCheck(rr, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	hs := newHarness(t, activeTenant(10), 0)
	rr := httptest.NewRecorder()
	hs.mux.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestLiveness_SignedSuccess(t *testing.T) {
	hs := newHarness(t, activeTenant(10), 0)

	rr := hs.do("POST", "/v1/liveness/analyze", liveBody())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, true, resp["is_live"])
	assert.Equal(t, map[string]any{"module": "liveness", "billed": true}, resp["usage"])

	events := hs.repo.UsageFor(domain.ModuleLiveness)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].RequestID, "idem-")
}

func TestSigned_Rejections(t *testing.T) {
	hs := newHarness(t, activeTenant(10), 0)

	t.Run("missing headers", func(t *testing.T) {
		rr := httptest.NewRecorder()
		hs.mux.ServeHTTP(rr, httptest.NewRequest("POST", "/v1/liveness/analyze", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, domain.CodeMissingHeaders, decodeError(t, rr).Code)
	})

	t.Run("replayed timestamp", func(t *testing.T) {
		ts := strconv.FormatInt(hs.tick.Add(1), 10)
		first := hs.doAt(ts, "POST", "/v1/liveness/analyze", liveBody())
		require.Equal(t, http.StatusOK, first.Code)

		second := hs.doAt(ts, "POST", "/v1/liveness/analyze", liveBody())
		assert.Equal(t, http.StatusUnauthorized, second.Code)
		assert.Equal(t, domain.CodeReplayDetected, decodeError(t, second).Code)
	})

	t.Run("tampered body", func(t *testing.T) {
		ts := strconv.FormatInt(hs.tick.Add(1), 10)
		raw, _ := json.Marshal(liveBody())
		req := httptest.NewRequest("POST", "/v1/liveness/analyze", bytes.NewReader(append(raw, ' ')))
		req.Header.Set(domain.HeaderAPIKey, testKeyID)
		req.Header.Set(domain.HeaderTimestamp, ts)
		req.Header.Set(domain.HeaderSignature, services.SignRequest([]byte(testSecret), ts, "POST", "/v1/liveness/analyze", raw))
		rr := httptest.NewRecorder()
		hs.mux.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, domain.CodeInvalidSignature, decodeError(t, rr).Code)
	})

	t.Run("suspended tenant", func(t *testing.T) {
		require.NoError(t, hs.repo.SetTenantStatus(context.Background(), "t1", domain.TenantSuspended))
		defer func() { _ = hs.repo.SetTenantStatus(context.Background(), "t1", domain.TenantActive) }()

		rr := hs.do("POST", "/v1/liveness/analyze", liveBody())
		assert.Equal(t, http.StatusForbidden, rr.Code)
		assert.Equal(t, domain.CodeTenantSuspended, decodeError(t, rr).Code)
	})
}

func TestQuotaExceeded(t *testing.T) {
	hs := newHarness(t, activeTenant(1), 0)

	require.Equal(t, http.StatusOK, hs.do("POST", "/v1/liveness/analyze", liveBody()).Code)

	rr := hs.do("POST", "/v1/liveness/analyze", liveBody())
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	detail := decodeError(t, rr)
	assert.Equal(t, domain.CodeQuotaExceeded, detail.Code)
	assert.Equal(t, map[string]any{"used": float64(1), "limit": float64(1), "remaining": float64(0)}, detail.Details)
	assert.Equal(t, 1, hs.providers.CallCount(domain.StepLiveness))
}

func TestRateLimited(t *testing.T) {
	one := 1
	tenant := activeTenant(100)
	tenant.Overrides = &domain.LimitOverride{PerMinute: &one}
	hs := newHarness(t, tenant, 0)

	require.Equal(t, http.StatusOK, hs.do("GET", "/v1/quota/liveness", nil).Code)

	rr := hs.do("GET", "/v1/quota/liveness", nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	assert.Equal(t, domain.CodeRateLimited, decodeError(t, rr).Code)
}

func TestQuotaEndpoint(t *testing.T) {
	hs := newHarness(t, activeTenant(10), 0)

	rr := hs.do("GET", "/v1/quota/ocr", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var st domain.QuotaStatus
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&st))
	assert.True(t, st.Allowed)
	require.NotNil(t, st.Limit)
	assert.Equal(t, int64(10), *st.Limit)

	rr = hs.do("GET", "/v1/quota/face_match", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"limit":null`)

	for _, path := range []string{"/v1/quota/bogus", "/v1/quota/workflow"} {
		rr = hs.do("GET", path, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code, path)
		assert.Equal(t, domain.CodeInvalidModule, decodeError(t, rr).Code, path)
	}
}

func TestSubmitAndGetJob(t *testing.T) {
	hs := newHarness(t, activeTenant(10), 0)

	rr := hs.do("POST", "/v1/kyc/verify", services.SubmitJobRequest{
		Steps:  []string{"liveness", "score"},
		Inputs: domain.JobInputs{ImageLiveBase64: "aGVsbG8gd29ybGQ="},
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var submitted submitJobResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&submitted))
	assert.Equal(t, domain.JobQueued, submitted.Status)
	assert.Equal(t, 1, hs.scheduler.Pending())

	rr = hs.do("GET", "/v1/jobs/"+submitted.JobID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var job domain.VerificationJob
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&job))
	assert.Equal(t, submitted.JobID, job.ID)
	assert.NotContains(t, rr.Body.String(), "image_live_base64")

	rr = hs.do("GET", "/v1/jobs/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = hs.do("POST", "/v1/kyc/verify", services.SubmitJobRequest{Steps: []string{"teleport"}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, domain.CodeInvalidSteps, decodeError(t, rr).Code)
}

func TestRequestBodyLimits(t *testing.T) {
	hs := newHarness(t, activeTenant(10), 64)

	rr := hs.do("POST", "/v1/liveness/analyze", services.LivenessRequest{ImageLiveBase64: string(bytes.Repeat([]byte("A"), 128))})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

	ts := strconv.FormatInt(hs.tick.Add(1), 10)
	raw := []byte(`{"image_live_base64":`)
	req := httptest.NewRequest("POST", "/v1/liveness/analyze", bytes.NewReader(raw))
	req.Header.Set(domain.HeaderAPIKey, testKeyID)
	req.Header.Set(domain.HeaderTimestamp, ts)
	req.Header.Set(domain.HeaderSignature, services.SignRequest([]byte(testSecret), ts, "POST", "/v1/liveness/analyze", raw))
	rr = httptest.NewRecorder()
	hs.mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, domain.CodeInvalidRequest, decodeError(t, rr).Code)
}
