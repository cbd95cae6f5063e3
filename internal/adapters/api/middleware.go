package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/poyrazK/veriflow/internal/core/domain"
	"github.com/poyrazK/veriflow/internal/core/ports"
	"github.com/poyrazK/veriflow/internal/infrastructure/metrics"
)

// authedHandler receives the verified identity explicitly.
type authedHandler func(w http.ResponseWriter, r *http.Request, auth domain.AuthContext)

type window struct {
	name   string
	limit  int
	period float64
}

// signed verifies the request signature over the exact body bytes, applies
// the tenant's rate caps and hands the identity to next.
func (h *APIHandler) signed(next authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				h.writeErrorBody(w, http.StatusRequestEntityTooLarge, domain.CodeInvalidRequest,
					fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), nil)
				return
			}
			h.writeError(w, domain.NewValidationError(domain.CodeInvalidRequest, "unreadable request body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		auth, err := h.auth.Verify(r.Context(), domain.SignedRequest{
			Method:         r.Method,
			Path:           r.URL.Path,
			Body:           body,
			KeyID:          r.Header.Get(domain.HeaderAPIKey),
			Timestamp:      r.Header.Get(domain.HeaderTimestamp),
			Signature:      r.Header.Get(domain.HeaderSignature),
			ClientIP:       clientIP(r, h.trustProxy),
			IdempotencyKey: r.Header.Get(domain.HeaderIdempotencyKey),
		})
		if err != nil {
			h.writeError(w, err)
			return
		}

		if err := h.throttle(r, auth.Tenant); err != nil {
			h.writeError(w, err)
			return
		}

		next(w, r, auth)
	})
}

// throttle enforces the per-minute and per-day caps. Both buckets are
// checked before either is drained, so a request refused by one window costs
// nothing in the other. A limiter outage lets traffic through rather than
// rejecting authenticated callers.
func (h *APIHandler) throttle(r *http.Request, tenant domain.Tenant) error {
	if h.limiter == nil {
		return nil
	}
	perMinute, perDay := tenant.RateLimits()
	var buckets []ports.Bucket
	var names []string
	for _, win := range []window{
		{name: "minute", limit: perMinute, period: 60},
		{name: "day", limit: perDay, period: 86400},
	} {
		if win.limit <= 0 {
			continue
		}
		buckets = append(buckets, ports.Bucket{
			Key:   "ratelimit:" + win.name + ":" + tenant.ID,
			Rate:  float64(win.limit) / win.period,
			Burst: win.limit,
		})
		names = append(names, win.name)
	}
	if len(buckets) == 0 {
		return nil
	}

	denied, retryAfter, err := h.limiter.AllowAll(r.Context(), buckets...)
	if err != nil {
		h.logger.Warn("rate limiter unavailable", "tenant_id", tenant.ID, "error", err)
		return nil
	}
	if denied >= 0 {
		metrics.Throttled.WithLabelValues(names[denied]).Inc()
		return &domain.RateLimitError{Window: names[denied], RetryAfter: retryAfter}
	}
	return nil
}

// clientIP takes the hop appended by the trusted proxy, which is the last
// X-Forwarded-For entry. Earlier entries are supplied by the client.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if values := r.Header.Values("X-Forwarded-For"); len(values) > 0 {
			hops := strings.Split(values[len(values)-1], ",")
			if ip := strings.TrimSpace(hops[len(hops)-1]); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
