package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/poyrazK/veriflow/internal/core/domain"
	"github.com/poyrazK/veriflow/internal/core/ports"
)

const defaultDeliveryListLimit = 50

// IssuedSubscription carries the signing secret of a new subscription.
type IssuedSubscription struct {
	Subscription domain.WebhookSubscription
	Secret       string
}

// CreateSubscriptionParams describes a new webhook endpoint. Nil policy
// fields take the defaults; set ones must be at least 1.
type CreateSubscriptionParams struct {
	TenantID       string
	URL            string
	Events         []string
	TimeoutSeconds *int
	MaxAttempts    *int
	BackoffSeconds *int
}

// SubscriptionService administers webhook subscriptions.
type SubscriptionService struct {
	repo       ports.Repository
	sealer     ports.SecretSealer
	dispatcher *WebhookDispatcher
	now        func() time.Time
}

func NewSubscriptionService(repo ports.Repository, sealer ports.SecretSealer, dispatcher *WebhookDispatcher) *SubscriptionService {
	return &SubscriptionService{repo: repo, sealer: sealer, dispatcher: dispatcher, now: time.Now}
}

func (s *SubscriptionService) Create(ctx context.Context, p CreateSubscriptionParams) (*IssuedSubscription, error) {
	if err := domain.ValidateWebhookURL(p.URL); err != nil {
		return nil, err
	}
	if err := domain.ValidateEvents(p.Events); err != nil {
		return nil, err
	}
	timeout, err := policyValue("timeout", p.TimeoutSeconds, domain.DefaultWebhookTimeoutSeconds)
	if err != nil {
		return nil, err
	}
	attempts, err := policyValue("max_retries", p.MaxAttempts, domain.DefaultWebhookMaxAttempts)
	if err != nil {
		return nil, err
	}
	backoff, err := policyValue("backoff", p.BackoffSeconds, domain.DefaultWebhookBackoffSeconds)
	if err != nil {
		return nil, err
	}
	tenant, err := s.repo.GetTenant(ctx, p.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	if tenant == nil {
		return nil, fmt.Errorf("tenant %s: %w", p.TenantID, domain.ErrNotFound)
	}

	secret, ref, err := generateSealedSecret(ctx, s.sealer, "whsec_")
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	sub := domain.WebhookSubscription{
		ID:             uuid.New().String(),
		TenantID:       tenant.ID,
		URL:            p.URL,
		SecretRef:      ref,
		Events:         p.Events,
		Active:         true,
		TimeoutSeconds: timeout,
		MaxAttempts:    attempts,
		BackoffSeconds: backoff,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.CreateSubscription(ctx, &sub); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}
	return &IssuedSubscription{Subscription: sub, Secret: secret}, nil
}

func (s *SubscriptionService) List(ctx context.Context, tenantID string) ([]domain.WebhookSubscription, error) {
	return s.repo.ListSubscriptions(ctx, tenantID)
}

// Deliveries returns the most recent journal entries, newest first.
func (s *SubscriptionService) Deliveries(ctx context.Context, subscriptionID string, limit int) ([]domain.WebhookDelivery, error) {
	if limit <= 0 {
		limit = defaultDeliveryListLimit
	}
	return s.repo.ListDeliveries(ctx, subscriptionID, limit)
}

// Ping sends test.ping to the subscription and returns the journaled attempt.
func (s *SubscriptionService) Ping(ctx context.Context, subscriptionID string) (*domain.WebhookDelivery, error) {
	sub, err := s.repo.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil {
		return nil, fmt.Errorf("subscription %s: %w", subscriptionID, domain.ErrNotFound)
	}
	return s.dispatcher.Ping(ctx, sub)
}

// policyValue resolves an optional delivery setting. max_retries counts the
// first attempt, so 1 means a single delivery without retries.
func policyValue(name string, v *int, def int) (int, error) {
	if v == nil {
		return def, nil
	}
	if *v < 1 {
		return 0, invalid(fmt.Sprintf("%s must be at least 1", name))
	}
	return *v, nil
}
