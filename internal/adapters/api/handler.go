package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/poyrazK/veriflow/internal/core/domain"
	"github.com/poyrazK/veriflow/internal/core/ports"
	"github.com/poyrazK/veriflow/internal/core/services"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultMaxBodyBytes bounds signed request bodies. Base64 images dominate the size.
const DefaultMaxBodyBytes = 32 << 20

// Config wires an APIHandler.
type Config struct {
	Auth         ports.Authenticator
	Limiter      ports.RateLimiter
	Verification *services.VerificationService
	Jobs         *services.JobOrchestrator
	Health       map[string]ports.HealthChecker
	MaxBodyBytes int64
	TrustProxy   bool
	Logger       *slog.Logger
}

// APIHandler serves the public verification API.
type APIHandler struct {
	auth         ports.Authenticator
	limiter      ports.RateLimiter
	verification *services.VerificationService
	jobs         *services.JobOrchestrator
	health       map[string]ports.HealthChecker
	maxBodyBytes int64
	trustProxy   bool
	logger       *slog.Logger
}

// NewAPIHandler creates and returns a new APIHandler instance.
func NewAPIHandler(cfg Config) *APIHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &APIHandler{
		auth:         cfg.Auth,
		limiter:      cfg.Limiter,
		verification: cfg.Verification,
		jobs:         cfg.Jobs,
		health:       cfg.Health,
		maxBodyBytes: cfg.MaxBodyBytes,
		trustProxy:   cfg.TrustProxy,
		logger:       cfg.Logger,
	}
}

// RegisterRoutes registers the API routes with the provided ServeMux.
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	// Public Routes
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /metrics", h.Metrics)

	// Signed Routes (scoped by the tenant owning the credential)
	mux.Handle("POST /v1/liveness/analyze", h.signed(inline(h, h.verification.Liveness)))
	mux.Handle("POST /v1/document/ocr", h.signed(inline(h, h.verification.OCR)))
	mux.Handle("POST /v1/document/validate", h.signed(inline(h, h.verification.Validate)))
	mux.Handle("POST /v1/face/match", h.signed(inline(h, h.verification.FaceMatch)))
	mux.Handle("POST /v1/kyc/verify", h.signed(h.SubmitJob))
	mux.Handle("GET /v1/jobs/{id}", h.signed(h.GetJob))
	mux.Handle("GET /v1/quota/{module}", h.signed(h.GetQuota))
}

// Metrics handles Prometheus metrics scraping requests.
func (h *APIHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// HealthCheck pings every backing store.
func (h *APIHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "UP"
	details := make(map[string]string)

	for name, checker := range h.health {
		if checkErr := checker.Ping(r.Context()); checkErr != nil {
			status = "DEGRADED"
			details[name] = checkErr.Error()
		} else {
			details[name] = "OK"
		}
	}

	code := http.StatusOK
	if status == "DEGRADED" {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, map[string]any{
		"status":  status,
		"details": details,
	})
}

// inline adapts a synchronous module call to an authedHandler.
func inline[Req, Resp any](h *APIHandler, call func(context.Context, domain.AuthContext, Req) (Resp, error)) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, auth domain.AuthContext) {
		var req Req
		if err := decodeBody(r, &req); err != nil {
			h.writeError(w, err)
			return
		}
		resp, err := call(r.Context(), auth, req)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, resp)
	}
}

type submitJobResponse struct {
	JobID  string           `json:"job_id"`
	Status domain.JobStatus `json:"status"`
}

func (h *APIHandler) SubmitJob(w http.ResponseWriter, r *http.Request, auth domain.AuthContext) {
	var req services.SubmitJobRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	job, err := h.jobs.Submit(r.Context(), auth, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, submitJobResponse{JobID: job.ID, Status: job.Status})
}

func (h *APIHandler) GetJob(w http.ResponseWriter, r *http.Request, auth domain.AuthContext) {
	job, err := h.jobs.Get(r.Context(), auth.Tenant.ID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

func (h *APIHandler) GetQuota(w http.ResponseWriter, r *http.Request, auth domain.AuthContext) {
	module, err := domain.ParseModule(r.PathValue("module"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	st, err := h.verification.Quota(r.Context(), auth, module)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.NewValidationError(domain.CodeInvalidRequest, "malformed JSON body: "+err.Error())
	}
	return nil
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
