package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/poyrazK/veriflow/internal/core/domain"
	"github.com/poyrazK/veriflow/internal/core/ports"
	"github.com/poyrazK/veriflow/internal/infrastructure/metrics"
)

const (
	webhookUserAgent    = "VeriFlow-Webhook/1.0"
	maxErrorExcerpt     = 500
	maxDeliveryError    = 1024
)

// Outbound webhook headers.
const (
	HeaderWebhookEvent     = "X-Webhook-Event"
	HeaderWebhookTimestamp = "X-Webhook-Timestamp"
	HeaderWebhookSignature = "X-Webhook-Signature"
)

// DeliveryTask is one pending attempt for one subscription. Body is the
// serialized payload and stays identical across retries.
type DeliveryTask struct {
	SubscriptionID string
	TenantID       string
	Event          string
	Body           []byte
	Attempt        int
}

// RetryDecision tells the scheduler whether and when to try again.
type RetryDecision struct {
	Retry       bool
	Delay       time.Duration
	NextAttempt int
}

// NextBackoff is base * 2^(attempt-1).
func NextBackoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// NextRetry decides what follows a failed attempt.
func NextRetry(sub *domain.WebhookSubscription, attempt int) RetryDecision {
	if attempt >= sub.Attempts() {
		return RetryDecision{}
	}
	return RetryDecision{
		Retry:       true,
		Delay:       NextBackoff(sub.Backoff(), attempt),
		NextAttempt: attempt + 1,
	}
}

// SignWebhook returns hex HMAC-SHA256 over "{ts}\n{event}\n{hex(sha256(body))}".
func SignWebhook(secret []byte, timestamp, event string, body []byte) string {
	sum := sha256.Sum256(body)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp + "\n" + event + "\n" + hex.EncodeToString(sum[:])))
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookDispatcher signs, delivers, journals and retries tenant webhooks.
type WebhookDispatcher struct {
	repo      ports.WebhookRepository
	secrets   ports.SecretResolver
	scheduler ports.TaskScheduler
	client    *http.Client
	version   string
	logger    *slog.Logger
	now       func() time.Time
}

func NewWebhookDispatcher(
	repo ports.WebhookRepository,
	secrets ports.SecretResolver,
	scheduler ports.TaskScheduler,
	client *http.Client,
	version string,
	logger *slog.Logger,
) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookDispatcher{
		repo:      repo,
		secrets:   secrets,
		scheduler: scheduler,
		client:    client,
		version:   version,
		logger:    logger,
		now:       time.Now,
	}
}

// BuildTask serializes the payload for event once. Every attempt sends these bytes.
func (d *WebhookDispatcher) BuildTask(sub *domain.WebhookSubscription, event string, data any) (DeliveryTask, error) {
	raw, err := encodeCompact(data)
	if err != nil {
		return DeliveryTask{}, fmt.Errorf("encode webhook data: %w", err)
	}
	now := d.now().UTC()
	body, err := encodeCompact(domain.WebhookPayload{
		ID:       "wh_" + strconv.FormatInt(now.UnixMilli(), 10),
		Event:    event,
		TenantID: sub.TenantID,
		Data:     raw,
		Version:  d.version,
		SentAt:   now.Format(time.RFC3339),
	})
	if err != nil {
		return DeliveryTask{}, fmt.Errorf("encode webhook payload: %w", err)
	}
	return DeliveryTask{
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		Event:          event,
		Body:           body,
		Attempt:        1,
	}, nil
}

func encodeCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Dispatch enqueues the first attempt of event for sub. Inactive or
// uninterested subscriptions are skipped without a journal entry.
func (d *WebhookDispatcher) Dispatch(sub *domain.WebhookSubscription, event string, data any) error {
	if !sub.Active || !sub.Subscribes(event) {
		return nil
	}
	task, err := d.BuildTask(sub, event, data)
	if err != nil {
		return err
	}
	return d.scheduler.Submit(d.run(task))
}

// run wraps an attempt so a retry decision re-enqueues the next one.
func (d *WebhookDispatcher) run(task DeliveryTask) ports.Task {
	return func(ctx context.Context) {
		decision, err := d.Deliver(ctx, task)
		if err != nil {
			d.logger.Error("webhook attempt failed to run",
				"subscription_id", task.SubscriptionID,
				"event", task.Event,
				"attempt", task.Attempt,
				"error", err,
			)
			return
		}
		if !decision.Retry {
			return
		}
		next := task
		next.Attempt = decision.NextAttempt
		if errSchedule := d.scheduler.SubmitAfter(decision.Delay, d.run(next)); errSchedule != nil {
			d.logger.Warn("failed to schedule webhook retry",
				"subscription_id", task.SubscriptionID,
				"attempt", next.Attempt,
				"error", errSchedule,
			)
		}
	}
}

// Deliver performs one attempt and journals it. The returned error covers
// only failures that prevented an attempt from being made. A journal write
// failure is logged and the retry policy still applies.
func (d *WebhookDispatcher) Deliver(ctx context.Context, task DeliveryTask) (RetryDecision, error) {
	sub, err := d.repo.GetSubscription(ctx, task.SubscriptionID)
	if err != nil {
		return RetryDecision{}, fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil || !sub.Active {
		d.logger.Debug("skipping webhook for inactive subscription", "subscription_id", task.SubscriptionID)
		return RetryDecision{}, nil
	}

	rec, err := d.attempt(ctx, sub, task)
	if rec == nil {
		return RetryDecision{}, err
	}
	if err != nil {
		d.logger.Error("failed to journal webhook delivery",
			"subscription_id", sub.ID,
			"event", task.Event,
			"attempt", task.Attempt,
			"error", err,
		)
	}
	if rec.OK {
		return RetryDecision{}, nil
	}
	return NextRetry(sub, task.Attempt), nil
}

func (d *WebhookDispatcher) attempt(ctx context.Context, sub *domain.WebhookSubscription, task DeliveryTask) (*domain.WebhookDelivery, error) {
	secret, err := d.secrets.Resolve(ctx, sub.SecretRef)
	if err != nil {
		return nil, fmt.Errorf("resolve webhook secret: %w", err)
	}

	ts := strconv.FormatInt(d.now().UnixMilli(), 10)
	headers := map[string]string{
		"Content-Type":         "application/json",
		"User-Agent":           webhookUserAgent,
		HeaderWebhookEvent:     task.Event,
		HeaderWebhookTimestamp: ts,
		HeaderWebhookSignature: SignWebhook(secret, ts, task.Event, task.Body),
	}

	start := time.Now()
	status, sendErr := d.send(ctx, sub, headers, task.Body)
	elapsed := time.Since(start)

	rec := &domain.WebhookDelivery{
		ID:             uuid.New().String(),
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		Event:          task.Event,
		URL:            sub.URL,
		Attempt:        task.Attempt,
		Headers:        headers,
		Payload:        json.RawMessage(task.Body),
		OK:             sendErr == nil,
		DurationMS:     elapsed.Milliseconds(),
		CreatedAt:      d.now().UTC(),
	}
	if status > 0 {
		rec.StatusCode = &status
	}
	if sendErr != nil {
		rec.Error = truncate(sendErr.Error(), maxDeliveryError)
	}

	result := "success"
	if !rec.OK {
		result = "failure"
		d.logger.Warn("webhook delivery failed",
			"subscription_id", sub.ID,
			"event", task.Event,
			"attempt", task.Attempt,
			"error", rec.Error,
		)
	}
	metrics.WebhookAttempts.WithLabelValues(task.Event, result).Inc()
	metrics.WebhookDuration.Observe(elapsed.Seconds())

	if err := d.repo.SaveDelivery(ctx, rec); err != nil {
		return rec, fmt.Errorf("journal webhook delivery: %w", err)
	}
	return rec, nil
}

// send POSTs body once. It returns the status code when a response arrived.
func (d *WebhookDispatcher) send(ctx context.Context, sub *domain.WebhookSubscription, headers map[string]string, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, sub.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, &domain.WebhookDeliveryError{Reason: err.Error()}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, &domain.WebhookDeliveryError{Reason: err.Error()}
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			d.logger.Debug("failed to close webhook response body", "error", errClose)
		}
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return resp.StatusCode, nil
	}
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorExcerpt))
	return resp.StatusCode, &domain.WebhookDeliveryError{
		StatusCode: resp.StatusCode,
		Reason:     fmt.Sprintf("HTTP %d: %s", resp.StatusCode, excerpt),
	}
}

// Publish fans event out to every active subscription of the tenant that wants it.
func (d *WebhookDispatcher) Publish(ctx context.Context, tenantID, event string, data any) error {
	subs, err := d.repo.ListSubscriptions(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	var errs []error
	for i := range subs {
		if errDispatch := d.Dispatch(&subs[i], event, data); errDispatch != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", subs[i].ID, errDispatch))
		}
	}
	return errors.Join(errs...)
}

// Ping delivers test.ping once, synchronously and without retries.
func (d *WebhookDispatcher) Ping(ctx context.Context, sub *domain.WebhookSubscription) (*domain.WebhookDelivery, error) {
	task, err := d.BuildTask(sub, domain.EventTestPing, map[string]string{"message": "ping"})
	if err != nil {
		return nil, err
	}
	return d.attempt(ctx, sub, task)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
