package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poyrazK/veriflow/internal/core/domain"
	"github.com/poyrazK/veriflow/internal/core/ports"
	"github.com/poyrazK/veriflow/internal/infrastructure/metrics"
)

// DefaultProviderTimeout bounds one provider call when none is configured.
const DefaultProviderTimeout = 30 * time.Second

type callResult[T any] struct {
	val T
	err error
}

// invoke runs call under timeout. A provider that overruns is abandoned and
// reported as PROVIDER_TIMEOUT; a panic becomes PROVIDER_ERROR. Validation
// errors pass through untouched.
func invoke[T any](ctx context.Context, timeout time.Duration, step domain.Step, call func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan callResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- callResult[T]{val: zero, err: &domain.JobExecutionError{
					Code:    domain.CodeProviderError,
					Message: fmt.Sprintf("%s provider panicked: %v", step, r),
				}}
			}
		}()
		val, err := call(ctx)
		done <- callResult[T]{val: val, err: err}
	}()

	var zero T
	select {
	case <-ctx.Done():
		metrics.StepDuration.WithLabelValues(string(step)).Observe(time.Since(start).Seconds())
		return zero, &domain.JobExecutionError{
			Code:    domain.CodeProviderTimeout,
			Message: fmt.Sprintf("%s provider did not answer within %s", step, timeout),
		}
	case res := <-done:
		metrics.StepDuration.WithLabelValues(string(step)).Observe(time.Since(start).Seconds())
		if res.err == nil {
			return res.val, nil
		}
		var valErr *domain.ValidationError
		var execErr *domain.JobExecutionError
		if errors.As(res.err, &valErr) || errors.As(res.err, &execErr) {
			return zero, res.err
		}
		return zero, &domain.JobExecutionError{
			Code:    domain.CodeProviderError,
			Message: fmt.Sprintf("%s provider failed: %v", step, res.err),
		}
	}
}

// QuotaEventData is the payload of quota.threshold and quota.exceeded.
type QuotaEventData struct {
	Module    domain.Module `json:"module"`
	Used      int64         `json:"used"`
	Limit     int64         `json:"limit"`
	Remaining int64         `json:"remaining"`
}

// publishQuotaSignal emits a quota event when the reservation behind st crossed
// a notification boundary. Publishing failures are logged, never returned.
func publishQuotaSignal(ctx context.Context, events ports.EventPublisher, logger *slog.Logger, tenantID string, st domain.QuotaStatus, amount int64) {
	if events == nil {
		return
	}
	var event string
	switch st.Signal(amount) {
	case domain.QuotaSignalThreshold:
		event = domain.EventQuotaThreshold
	case domain.QuotaSignalExhausted:
		event = domain.EventQuotaExceeded
	default:
		return
	}
	data := QuotaEventData{Module: st.Module, Used: st.Used, Limit: *st.Limit, Remaining: *st.Remaining}
	if err := events.Publish(ctx, tenantID, event, data); err != nil {
		logger.Warn("failed to publish quota event", "tenant_id", tenantID, "event", event, "error", err)
	}
}
