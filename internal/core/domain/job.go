package domain

import (
	"errors"
	"fmt"
	"time"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

var ErrInvalidTransition = errors.New("invalid job status transition")

func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// CanTransitionTo enforces queued -> running -> {succeeded, failed}.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobQueued:
		return next == JobRunning
	case JobRunning:
		return next == JobSucceeded || next == JobFailed
	}
	return false
}

// Step is one stage of the verification pipeline.
type Step string

const (
	StepLiveness  Step = "liveness"
	StepOCR       Step = "ocr"
	StepValidate  Step = "validate"
	StepFaceMatch Step = "face_match"
	StepScore     Step = "score"
)

// Module returns the billable module behind a step. score is free.
func (s Step) Module() (Module, bool) {
	switch s {
	case StepLiveness:
		return ModuleLiveness, true
	case StepOCR:
		return ModuleOCR, true
	case StepValidate:
		return ModuleValidate, true
	case StepFaceMatch:
		return ModuleFaceMatch, true
	}
	return "", false
}

// ParseSteps validates a caller supplied step list. Order is preserved.
func ParseSteps(raw []string) ([]Step, error) {
	if len(raw) == 0 {
		return nil, NewValidationError(CodeInvalidSteps, "steps must not be empty")
	}
	seen := make(map[Step]bool, len(raw))
	steps := make([]Step, 0, len(raw))
	for _, r := range raw {
		s := Step(r)
		switch s {
		case StepLiveness, StepOCR, StepValidate, StepFaceMatch, StepScore:
		default:
			return nil, NewValidationError(CodeInvalidSteps, fmt.Sprintf("unknown step %q", r))
		}
		if seen[s] {
			return nil, NewValidationError(CodeInvalidSteps, fmt.Sprintf("duplicate step %q", r))
		}
		seen[s] = true
		steps = append(steps, s)
	}
	return steps, nil
}

// JobRules tune the decision. Zero values are never used directly; see DefaultJobRules.
type JobRules struct {
	MinScoreAccept   float64 `json:"min_score_accept"`
	MinSimilarity    float64 `json:"min_similarity"`
	RequireBackImage bool    `json:"require_back_image"`
}

func DefaultJobRules() JobRules {
	return JobRules{MinScoreAccept: 80, MinSimilarity: 0.75}
}

// JobRuleOverrides are the optional rule fields of a submission.
type JobRuleOverrides struct {
	MinScoreAccept   *float64 `json:"min_score_accept,omitempty"`
	MinSimilarity    *float64 `json:"min_similarity,omitempty"`
	RequireBackImage *bool    `json:"require_back_image,omitempty"`
}

func (o *JobRuleOverrides) Apply(base JobRules) JobRules {
	if o == nil {
		return base
	}
	if o.MinScoreAccept != nil {
		base.MinScoreAccept = *o.MinScoreAccept
	}
	if o.MinSimilarity != nil {
		base.MinSimilarity = *o.MinSimilarity
	}
	if o.RequireBackImage != nil {
		base.RequireBackImage = *o.RequireBackImage
	}
	return base
}

// JobInputs is the caller supplied input bundle. Images are standard base64.
type JobInputs struct {
	ImageLiveBase64     string             `json:"image_live_base64,omitempty"`
	ImageDocFrontBase64 string             `json:"image_doc_front_base64,omitempty"`
	ImageDocBackBase64  string             `json:"image_doc_back_base64,omitempty"`
	ImageRefBase64      string             `json:"image_ref_base64,omitempty"`
	DocumentHint        string             `json:"document_hint,omitempty"`
	CountryHint         string             `json:"country_hint,omitempty"`
	Hints               map[string]bool    `json:"hints,omitempty"`
	Detected            *DocumentDetection `json:"detected,omitempty"`
	Fields              map[string]string  `json:"fields,omitempty"`
}

type DocumentDetection struct {
	Type       string  `json:"type"`
	Country    string  `json:"country"`
	Confidence float64 `json:"confidence"`
}

type LivenessResult struct {
	IsLive       bool    `json:"is_live"`
	SpoofType    string  `json:"spoof_type"`
	Confidence   float64 `json:"confidence"`
	ProcessingMS int64   `json:"processing_ms"`
}

type OCRImages struct {
	FaceCropBase64 string `json:"face_crop_base64,omitempty"`
}

type OCRResult struct {
	Detected DocumentDetection  `json:"detected"`
	Fields   map[string]string  `json:"fields"`
	Images   OCRImages          `json:"images"`
	Quality  map[string]float64 `json:"quality"`
}

// Check outcomes.
const (
	CheckPass = "pass"
	CheckFail = "fail"
)

type ValidationCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type ValidationResult struct {
	DocumentValid bool              `json:"document_valid"`
	Checks        []ValidationCheck `json:"checks"`
	Confidence    float64           `json:"confidence"`
}

type FaceMatchResult struct {
	Match      bool    `json:"match"`
	Similarity float64 `json:"similarity"`
	Threshold  float64 `json:"threshold"`
}

type ScoreResult struct {
	Value    float64  `json:"value"`
	Decision string   `json:"decision"`
	Reasons  []string `json:"reasons"`
}

// JobResult accumulates step outputs. Entries are only ever added.
type JobResult struct {
	Liveness  *LivenessResult   `json:"liveness,omitempty"`
	OCR       *OCRResult        `json:"ocr,omitempty"`
	Validate  *ValidationResult `json:"validate,omitempty"`
	FaceMatch *FaceMatchResult  `json:"face_match,omitempty"`
	Score     *ScoreResult      `json:"score,omitempty"`
}

type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// VerificationJob is one orchestrated pipeline run.
type VerificationJob struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Steps      []Step     `json:"steps"`
	Inputs     JobInputs  `json:"-"`
	Rules      JobRules   `json:"rules"`
	WebhookURL string     `json:"webhook_url,omitempty"`
	RequestID  string     `json:"request_id,omitempty"`
	Status     JobStatus  `json:"status"`
	Result     JobResult  `json:"result"`
	Error      *JobError  `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (j *VerificationJob) transition(next JobStatus) error {
	if !j.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	return nil
}

func (j *VerificationJob) Start(at time.Time) error {
	if err := j.transition(JobRunning); err != nil {
		return err
	}
	j.StartedAt = &at
	return nil
}

func (j *VerificationJob) Succeed(at time.Time) error {
	if err := j.transition(JobSucceeded); err != nil {
		return err
	}
	j.FinishedAt = &at
	return nil
}

func (j *VerificationJob) Fail(at time.Time, jobErr *JobError) error {
	if err := j.transition(JobFailed); err != nil {
		return err
	}
	j.Error = jobErr
	j.FinishedAt = &at
	return nil
}
