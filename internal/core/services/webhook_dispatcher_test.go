package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/poyrazK/veriflow/internal/core/domain"
	"github.com/poyrazK/veriflow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hookRecorder struct {
	mu       sync.Mutex
	bodies   [][]byte
	headers  []http.Header
	status   int
	response string
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	h.mu.Lock()
	h.bodies = append(h.bodies, body)
	h.headers = append(h.headers, r.Header.Clone())
	status, resp := h.status, h.response
	h.mu.Unlock()
	w.WriteHeader(status)
	_, _ = w.Write([]byte(resp))
}

func (h *hookRecorder) hits() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bodies)
}

func newTestDispatcher(t *testing.T, status int, response string) (*WebhookDispatcher, *testutil.MemRepo, *testutil.FakeScheduler, *hookRecorder, string) {
	t.Helper()
	rec := &hookRecorder{status: status, response: response}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)

	repo := testutil.NewMemRepo()
	sched := &testutil.FakeScheduler{}
	d := NewWebhookDispatcher(repo, testutil.PlainSecrets{}, sched, srv.Client(), "1.0.0", nil)
	d.now = func() time.Time { return testNow }
	return d, repo, sched, rec, srv.URL
}

func addSubscription(repo *testutil.MemRepo, url string, maxAttempts int, events ...string) *domain.WebhookSubscription {
	sub := &domain.WebhookSubscription{
		ID:             "sub-1",
		TenantID:       "t1",
		URL:            url,
		SecretRef:      "plain:whsec_test",
		Events:         events,
		Active:         true,
		TimeoutSeconds: 2,
		MaxAttempts:    maxAttempts,
		BackoffSeconds: 5,
		CreatedAt:      testNow,
	}
	_ = repo.CreateSubscription(context.Background(), sub)
	return sub
}

func TestNextBackoff(t *testing.T) {
	base := 5 * time.Second
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, NextBackoff(base, i+1), "attempt %d", i+1)
	}
}

func TestNextRetry(t *testing.T) {
	sub := &domain.WebhookSubscription{MaxAttempts: 4, BackoffSeconds: 5}

	d := NextRetry(sub, 1)
	assert.True(t, d.Retry)
	assert.Equal(t, 2, d.NextAttempt)
	assert.Equal(t, 5*time.Second, d.Delay)

	d = NextRetry(sub, 3)
	assert.True(t, d.Retry)
	assert.Equal(t, 20*time.Second, d.Delay)

	assert.False(t, NextRetry(sub, 4).Retry)
}

func TestWebhookDispatcher_RetriesUntilCeiling(t *testing.T) {
	d, repo, sched, rec, url := newTestDispatcher(t, http.StatusInternalServerError, "boom")
	sub := addSubscription(repo, url, 4, domain.EventJobSucceeded)

	require.NoError(t, d.Dispatch(sub, domain.EventJobSucceeded, map[string]string{"job_id": "j1"}))
	sched.Drain(context.Background())

	assert.Equal(t, 4, rec.hits())
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, sched.Delays)

	require.Len(t, repo.Deliveries, 4)
	for i, del := range repo.Deliveries {
		assert.Equal(t, i+1, del.Attempt)
		assert.False(t, del.OK)
		require.NotNil(t, del.StatusCode)
		assert.Equal(t, 500, *del.StatusCode)
		assert.Equal(t, "HTTP 500: boom", del.Error)
	}

	// Every attempt carries the same payload.
	for _, b := range rec.bodies[1:] {
		assert.Equal(t, string(rec.bodies[0]), string(b))
	}
}

func TestWebhookDispatcher_SuccessIsSignedAndJournaled(t *testing.T) {
	d, repo, sched, rec, url := newTestDispatcher(t, http.StatusNoContent, "")
	sub := addSubscription(repo, url, 5, domain.EventJobFailed)

	require.NoError(t, d.Dispatch(sub, domain.EventJobFailed, JobFailedData{JobID: "j1", Error: &domain.JobError{Code: "X", Message: "<y>"}}))
	sched.Drain(context.Background())

	require.Equal(t, 1, rec.hits())
	assert.Empty(t, sched.Delays)

	body := rec.bodies[0]
	assert.True(t, strings.HasPrefix(string(body), `{"id":"wh_`), string(body))
	assert.Contains(t, string(body), `"event":"job.failed","tenant_id":"t1","data":{"job_id":"j1","error":{"code":"X","message":"<y>"}},"version":"1.0.0","sent_at":"2026-03-14T12:00:00Z"}`)

	h := rec.headers[0]
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, "VeriFlow-Webhook/1.0", h.Get("User-Agent"))
	assert.Equal(t, domain.EventJobFailed, h.Get(HeaderWebhookEvent))
	ts := h.Get(HeaderWebhookTimestamp)
	assert.Equal(t, SignWebhook([]byte("whsec_test"), ts, domain.EventJobFailed, body), h.Get(HeaderWebhookSignature))

	require.Len(t, repo.Deliveries, 1)
	del := repo.Deliveries[0]
	assert.True(t, del.OK)
	assert.Equal(t, 204, *del.StatusCode)
	assert.Equal(t, 1, del.Attempt)
	assert.JSONEq(t, string(body), string(del.Payload))
}

func TestWebhookDispatcher_InactiveSubscriptionSkipped(t *testing.T) {
	d, repo, sched, rec, url := newTestDispatcher(t, http.StatusOK, "")
	sub := addSubscription(repo, url, 5, domain.EventJobSucceeded)
	sub.Active = false

	require.NoError(t, d.Dispatch(sub, domain.EventJobSucceeded, nil))
	assert.Equal(t, 0, sched.Pending())

	// Deactivated between scheduling and delivery.
	sub.Active = true
	require.NoError(t, d.Dispatch(sub, domain.EventJobSucceeded, nil))
	repo.Subscriptions["sub-1"].Active = false
	sched.Drain(context.Background())

	assert.Equal(t, 0, rec.hits())
	assert.Empty(t, repo.Deliveries)
}

func TestWebhookDispatcher_TransportFailure(t *testing.T) {
	repo := testutil.NewMemRepo()
	sched := &testutil.FakeScheduler{}
	d := NewWebhookDispatcher(repo, testutil.PlainSecrets{}, sched, nil, "1.0.0", nil)
	sub := addSubscription(repo, "http://127.0.0.1:1/hook", 2, domain.EventJobSucceeded)

	require.NoError(t, d.Dispatch(sub, domain.EventJobSucceeded, nil))
	sched.Drain(context.Background())

	require.Len(t, repo.Deliveries, 2)
	assert.Nil(t, repo.Deliveries[0].StatusCode)
	assert.NotEmpty(t, repo.Deliveries[0].Error)
	assert.Equal(t, []time.Duration{5 * time.Second}, sched.Delays)
}

func TestWebhookDispatcher_PublishFiltersByEvent(t *testing.T) {
	d, repo, sched, rec, url := newTestDispatcher(t, http.StatusOK, "")
	addSubscription(repo, url, 5, domain.EventQuotaThreshold)

	require.NoError(t, d.Publish(context.Background(), "t1", domain.EventJobSucceeded, nil))
	assert.Equal(t, 0, sched.Pending())

	require.NoError(t, d.Publish(context.Background(), "t1", domain.EventQuotaThreshold, QuotaEventData{Module: domain.ModuleOCR}))
	require.NoError(t, d.Publish(context.Background(), "t2", domain.EventQuotaThreshold, nil))
	sched.Drain(context.Background())
	assert.Equal(t, 1, rec.hits())

	var payload domain.WebhookPayload
	require.NoError(t, json.Unmarshal(rec.bodies[0], &payload))
	assert.Equal(t, domain.EventQuotaThreshold, payload.Event)
}

func TestWebhookDispatcher_PingIgnoresEventFilter(t *testing.T) {
	d, repo, sched, rec, url := newTestDispatcher(t, http.StatusOK, "")
	sub := addSubscription(repo, url, 5, domain.EventJobSucceeded)

	del, err := d.Ping(context.Background(), sub)
	require.NoError(t, err)
	assert.True(t, del.OK)
	assert.Equal(t, domain.EventTestPing, del.Event)
	assert.Equal(t, 1, rec.hits())
	assert.Equal(t, 0, sched.Pending())
}

type flakyJournal struct {
	*testutil.MemRepo
	failures int
}

func (j *flakyJournal) SaveDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	if j.failures > 0 {
		j.failures--
		return errors.New("connection reset by peer")
	}
	return j.MemRepo.SaveDelivery(ctx, d)
}

func TestWebhookDispatcher_JournalFailureStillRetries(t *testing.T) {
	rec := &hookRecorder{status: http.StatusBadGateway, response: "down"}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	repo := testutil.NewMemRepo()
	journal := &flakyJournal{MemRepo: repo, failures: 1}
	sched := &testutil.FakeScheduler{}
	d := NewWebhookDispatcher(journal, testutil.PlainSecrets{}, sched, srv.Client(), "1.0.0", nil)
	d.now = func() time.Time { return testNow }
	sub := addSubscription(repo, srv.URL, 3, domain.EventJobFailed)

	require.NoError(t, d.Dispatch(sub, domain.EventJobFailed, map[string]string{"job_id": "j1"}))
	sched.Drain(context.Background())

	assert.Equal(t, 3, rec.hits())
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, sched.Delays)
	// The first attempt could not be journaled; the later two were.
	require.Len(t, repo.Deliveries, 2)
	assert.Equal(t, 2, repo.Deliveries[0].Attempt)
	assert.Equal(t, 3, repo.Deliveries[1].Attempt)
}
