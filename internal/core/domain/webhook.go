package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Webhook event names.
const (
	EventJobSucceeded   = "job.succeeded"
	EventJobFailed      = "job.failed"
	EventQuotaThreshold = "quota.threshold"
	EventQuotaExceeded  = "quota.exceeded"
	EventTestPing       = "test.ping"
)

// KnownEvents lists every event a subscription may ask for.
var KnownEvents = []string{
	EventJobSucceeded,
	EventJobFailed,
	EventQuotaThreshold,
	EventQuotaExceeded,
	EventTestPing,
}

// Delivery policy applied when a subscription leaves a field unset.
const (
	DefaultWebhookTimeoutSeconds = 10
	DefaultWebhookMaxAttempts    = 5
	DefaultWebhookBackoffSeconds = 5
)

// WebhookSubscription is a tenant's notification endpoint plus its delivery policy.
type WebhookSubscription struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	URL            string    `json:"url"`
	SecretRef      string    `json:"-"`
	Events         []string  `json:"events"`
	Active         bool      `json:"active"`
	TimeoutSeconds int       `json:"timeout_s"`
	MaxAttempts    int       `json:"max_retries"`
	BackoffSeconds int       `json:"backoff_s"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Subscribes reports whether the subscription wants event. test.ping is always accepted.
func (s *WebhookSubscription) Subscribes(event string) bool {
	return event == EventTestPing || slices.Contains(s.Events, event)
}

func (s *WebhookSubscription) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return DefaultWebhookTimeoutSeconds * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func (s *WebhookSubscription) Backoff() time.Duration {
	if s.BackoffSeconds <= 0 {
		return DefaultWebhookBackoffSeconds * time.Second
	}
	return time.Duration(s.BackoffSeconds) * time.Second
}

// Attempts is the delivery ceiling, counting the first attempt.
func (s *WebhookSubscription) Attempts() int {
	if s.MaxAttempts <= 0 {
		return DefaultWebhookMaxAttempts
	}
	return s.MaxAttempts
}

// ValidateEvents rejects empty or unknown event names.
func ValidateEvents(events []string) error {
	if len(events) == 0 {
		return NewValidationError(CodeInvalidEvents, "at least one event is required")
	}
	for _, e := range events {
		if !slices.Contains(KnownEvents, e) {
			return NewValidationError(CodeInvalidEvents, fmt.Sprintf("unknown event %q", e))
		}
	}
	return nil
}

// WebhookPayload is the JSON document POSTed to subscribers. Field order is the
// wire order.
type WebhookPayload struct {
	ID       string          `json:"id"`
	Event    string          `json:"event"`
	TenantID string          `json:"tenant_id"`
	Data     json.RawMessage `json:"data"`
	Version  string          `json:"version"`
	SentAt   string          `json:"sent_at"`
}

// WebhookDelivery journals exactly one delivery attempt. Rows are never updated.
type WebhookDelivery struct {
	ID             string            `json:"id"`
	SubscriptionID string            `json:"subscription_id"`
	TenantID       string            `json:"tenant_id"`
	Event          string            `json:"event"`
	URL            string            `json:"url"`
	Attempt        int               `json:"attempt"`
	Headers        map[string]string `json:"headers"`
	Payload        json.RawMessage   `json:"payload"`
	StatusCode     *int              `json:"status_code"`
	OK             bool              `json:"ok"`
	Error          string            `json:"error,omitempty"`
	DurationMS     int64             `json:"duration_ms"`
	CreatedAt      time.Time         `json:"created_at"`
}
