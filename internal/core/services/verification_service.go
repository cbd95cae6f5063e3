package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/poyrazK/veriflow/internal/core/domain"
	"github.com/poyrazK/veriflow/internal/core/ports"
)

type LivenessRequest struct {
	ImageLiveBase64 string          `json:"image_live_base64"`
	Hints           map[string]bool `json:"hints,omitempty"`
}

type OCRRequest struct {
	ImageFrontBase64 string `json:"image_front_base64"`
	ImageBackBase64  string `json:"image_back_base64,omitempty"`
	DocumentHint     string `json:"document_hint,omitempty"`
	CountryHint      string `json:"country_hint,omitempty"`
}

type ValidateRequest struct {
	Detected *domain.DocumentDetection `json:"detected"`
	Fields   map[string]string         `json:"fields"`
}

type FaceMatchRequest struct {
	ImageLiveBase64 string   `json:"image_live_base64"`
	ImageRefBase64  string   `json:"image_ref_base64"`
	Threshold       *float64 `json:"threshold,omitempty"`
}

// ModuleUsage tells the caller what a request was billed as.
type ModuleUsage struct {
	Module domain.Module `json:"module"`
	Billed bool          `json:"billed"`
}

type LivenessResponse struct {
	*domain.LivenessResult
	Usage ModuleUsage `json:"usage"`
}

type OCRResponse struct {
	*domain.OCRResult
	Usage ModuleUsage `json:"usage"`
}

type ValidateResponse struct {
	*domain.ValidationResult
	Usage ModuleUsage `json:"usage"`
}

type FaceMatchResponse struct {
	*domain.FaceMatchResult
	Usage ModuleUsage `json:"usage"`
}

// VerificationService serves the synchronous module endpoints.
type VerificationService struct {
	quota     ports.QuotaService
	usage     ports.UsageRecorder
	providers ports.Providers
	events    ports.EventPublisher
	timeout   time.Duration
	logger    *slog.Logger
}

func NewVerificationService(
	quota ports.QuotaService,
	usage ports.UsageRecorder,
	providers ports.Providers,
	events ports.EventPublisher,
	timeout time.Duration,
	logger *slog.Logger,
) *VerificationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &VerificationService{
		quota:     quota,
		usage:     usage,
		providers: providers,
		events:    events,
		timeout:   timeout,
		logger:    logger,
	}
}

func (s *VerificationService) Liveness(ctx context.Context, auth domain.AuthContext, req LivenessRequest) (*LivenessResponse, error) {
	if req.ImageLiveBase64 == "" {
		return nil, domain.NewValidationError(domain.CodeMissingInput, "image_live_base64 is required")
	}
	img, err := domain.DecodeImage("", req.ImageLiveBase64)
	if err != nil {
		return nil, err
	}
	res, usage, err := meter(ctx, s, auth, domain.StepLiveness, func(ctx context.Context) (*domain.LivenessResult, error) {
		return s.providers.Liveness.Analyze(ctx, img, req.Hints)
	})
	if err != nil {
		return nil, err
	}
	return &LivenessResponse{LivenessResult: res, Usage: usage}, nil
}

func (s *VerificationService) OCR(ctx context.Context, auth domain.AuthContext, req OCRRequest) (*OCRResponse, error) {
	if req.ImageFrontBase64 == "" {
		return nil, domain.NewValidationError(domain.CodeMissingInput, "image_front_base64 is required")
	}
	front, err := domain.DecodeImage("FRONT_", req.ImageFrontBase64)
	if err != nil {
		return nil, err
	}
	var back []byte
	if req.ImageBackBase64 != "" {
		if back, err = domain.DecodeImage("BACK_", req.ImageBackBase64); err != nil {
			return nil, err
		}
	}
	res, usage, err := meter(ctx, s, auth, domain.StepOCR, func(ctx context.Context) (*domain.OCRResult, error) {
		return s.providers.OCR.Extract(ctx, front, back, hintOrAuto(req.DocumentHint), hintOrAuto(req.CountryHint))
	})
	if err != nil {
		return nil, err
	}
	return &OCRResponse{OCRResult: res, Usage: usage}, nil
}

func (s *VerificationService) Validate(ctx context.Context, auth domain.AuthContext, req ValidateRequest) (*ValidateResponse, error) {
	if err := domain.CheckDocumentFields(req.Detected, req.Fields); err != nil {
		return nil, err
	}
	res, usage, err := meter(ctx, s, auth, domain.StepValidate, func(ctx context.Context) (*domain.ValidationResult, error) {
		return s.providers.Validator.Validate(ctx, *req.Detected, req.Fields)
	})
	if err != nil {
		return nil, err
	}
	return &ValidateResponse{ValidationResult: res, Usage: usage}, nil
}

func (s *VerificationService) FaceMatch(ctx context.Context, auth domain.AuthContext, req FaceMatchRequest) (*FaceMatchResponse, error) {
	if req.ImageLiveBase64 == "" {
		return nil, domain.NewValidationError(domain.CodeMissingInput, "image_live_base64 is required")
	}
	if req.ImageRefBase64 == "" {
		return nil, domain.NewValidationError(domain.CodeMissingReference, "image_ref_base64 is required")
	}
	live, err := domain.DecodeImage("", req.ImageLiveBase64)
	if err != nil {
		return nil, err
	}
	ref, err := domain.DecodeImage("REF_", req.ImageRefBase64)
	if err != nil {
		return nil, err
	}
	threshold := domain.DefaultJobRules().MinSimilarity
	if req.Threshold != nil {
		if *req.Threshold < 0 || *req.Threshold > 1 {
			return nil, domain.NewValidationError(domain.CodeInvalidRequest, "threshold must be between 0 and 1")
		}
		threshold = *req.Threshold
	}
	res, usage, err := meter(ctx, s, auth, domain.StepFaceMatch, func(ctx context.Context) (*domain.FaceMatchResult, error) {
		return s.providers.FaceMatch.Match(ctx, live, ref, threshold)
	})
	if err != nil {
		return nil, err
	}
	return &FaceMatchResponse{FaceMatchResult: res, Usage: usage}, nil
}

// meter reserves one unit, runs the provider and records the usage.
func meter[T any](ctx context.Context, s *VerificationService, auth domain.AuthContext, step domain.Step, call func(context.Context) (T, error)) (T, ModuleUsage, error) {
	var zero T
	module, _ := step.Module()
	tenant := &auth.Tenant

	st, err := s.quota.Reserve(ctx, tenant, module, 1)
	if err != nil {
		return zero, ModuleUsage{}, err
	}
	res, err := invoke(ctx, s.timeout, step, call)
	if err != nil {
		return zero, ModuleUsage{}, err
	}
	if _, err := s.usage.Record(ctx, tenant, module, 1, "", auth.IdempotencyKey); err != nil {
		return zero, ModuleUsage{}, err
	}
	publishQuotaSignal(ctx, s.events, s.logger, tenant.ID, st, 1)
	return res, ModuleUsage{Module: module, Billed: true}, nil
}

func hintOrAuto(h string) string {
	if h == "" {
		return "auto"
	}
	return h
}

// Quota reports the calling tenant's standing for module.
func (s *VerificationService) Quota(ctx context.Context, auth domain.AuthContext, module domain.Module) (domain.QuotaStatus, error) {
	return s.quota.Status(ctx, &auth.Tenant, module)
}
