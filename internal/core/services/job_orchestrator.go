package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/poyrazK/veriflow/internal/core/domain"
	"github.com/poyrazK/veriflow/internal/core/ports"
	"github.com/poyrazK/veriflow/internal/infrastructure/metrics"
)

const (
	maxJobErrorMessage = 500
	recoveryBatch      = 100
)

// SubmitJobRequest is the body of a job submission.
type SubmitJobRequest struct {
	Steps      []string                 `json:"steps"`
	Inputs     domain.JobInputs         `json:"inputs"`
	Rules      *domain.JobRuleOverrides `json:"rules,omitempty"`
	WebhookURL string                   `json:"webhook_url,omitempty"`
}

// JobCompletedData is the payload of job.succeeded.
type JobCompletedData struct {
	JobID  string           `json:"job_id"`
	Result domain.JobResult `json:"result"`
}

// JobFailedData is the payload of job.failed.
type JobFailedData struct {
	JobID string           `json:"job_id"`
	Error *domain.JobError `json:"error"`
}

// JobOrchestratorConfig wires a JobOrchestrator.
type JobOrchestratorConfig struct {
	Jobs            ports.JobRepository
	Tenants         ports.TenantRepository
	Quota           ports.QuotaService
	Usage           ports.UsageRecorder
	Providers       ports.Providers
	Events          ports.EventPublisher
	Scheduler       ports.TaskScheduler
	ProviderTimeout time.Duration
	Logger          *slog.Logger
}

// JobOrchestrator runs multi-step verification jobs on a worker pool.
type JobOrchestrator struct {
	jobs      ports.JobRepository
	tenants   ports.TenantRepository
	quota     ports.QuotaService
	usage     ports.UsageRecorder
	providers ports.Providers
	events    ports.EventPublisher
	scheduler ports.TaskScheduler
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewJobOrchestrator(cfg JobOrchestratorConfig) *JobOrchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JobOrchestrator{
		jobs:      cfg.Jobs,
		tenants:   cfg.Tenants,
		quota:     cfg.Quota,
		usage:     cfg.Usage,
		providers: cfg.Providers,
		events:    cfg.Events,
		scheduler: cfg.Scheduler,
		timeout:   cfg.ProviderTimeout,
		logger:    logger,
		now:       time.Now,
	}
}

// Submit validates the request, persists a queued job and schedules it.
func (o *JobOrchestrator) Submit(ctx context.Context, auth domain.AuthContext, req SubmitJobRequest) (*domain.VerificationJob, error) {
	steps, err := domain.ParseSteps(req.Steps)
	if err != nil {
		return nil, err
	}
	if req.WebhookURL != "" {
		if err := domain.ValidateWebhookURL(req.WebhookURL); err != nil {
			return nil, err
		}
	}
	rules := req.Rules.Apply(domain.DefaultJobRules())
	if rules.MinSimilarity < 0 || rules.MinSimilarity > 1 {
		return nil, domain.NewValidationError(domain.CodeInvalidRequest, "rules.min_similarity must be between 0 and 1")
	}
	if rules.MinScoreAccept < 0 || rules.MinScoreAccept > 100 {
		return nil, domain.NewValidationError(domain.CodeInvalidRequest, "rules.min_score_accept must be between 0 and 100")
	}

	job := &domain.VerificationJob{
		ID:         uuid.New().String(),
		TenantID:   auth.Tenant.ID,
		Steps:      steps,
		Inputs:     req.Inputs,
		Rules:      rules,
		WebhookURL: req.WebhookURL,
		RequestID:  auth.IdempotencyKey,
		Status:     domain.JobQueued,
		CreatedAt:  o.now().UTC(),
	}
	if err := o.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	// The job is durable; recovery picks it up if the queue refuses it now.
	if err := o.enqueue(job.ID); err != nil {
		o.logger.Warn("failed to schedule job", "job_id", job.ID, "error", err)
	}
	return job, nil
}

// Get returns a job owned by the tenant. Ids that are not UUIDs never match.
func (o *JobOrchestrator) Get(ctx context.Context, tenantID, id string) (*domain.VerificationJob, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}
	job, err := o.jobs.GetJob(ctx, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

func (o *JobOrchestrator) enqueue(jobID string) error {
	return o.scheduler.Submit(func(ctx context.Context) {
		if err := o.Run(ctx, jobID); err != nil {
			o.logger.Error("job run aborted", "job_id", jobID, "error", err)
		}
	})
}

// Run executes a queued job to a terminal state. A job already claimed by
// another worker is left alone. Errors are returned only for infrastructure
// faults that prevented the job from being recorded.
func (o *JobOrchestrator) Run(ctx context.Context, jobID string) error {
	startedAt := o.now().UTC()
	claimed, err := o.jobs.ClaimJob(ctx, jobID, startedAt)
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		o.logger.Debug("job already claimed", "job_id", jobID)
		return nil
	}

	job, err := o.jobs.GetJobByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	if job.Status == domain.JobQueued {
		if err := job.Start(startedAt); err != nil {
			return err
		}
	}

	o.logger.Info("job started", "job_id", job.ID, "tenant_id", job.TenantID, "steps", job.Steps)

	var jobErr *domain.JobError
	tenant, err := o.tenants.GetTenant(ctx, job.TenantID)
	switch {
	case err != nil:
		jobErr = toJobError(fmt.Errorf("load tenant: %w", err))
	case tenant == nil:
		jobErr = &domain.JobError{Code: domain.CodeNotFound, Message: "tenant no longer exists"}
	case !tenant.IsActive():
		jobErr = &domain.JobError{Code: domain.CodeTenantSuspended, Message: "tenant is suspended"}
	default:
		if err := o.execute(ctx, tenant, job); err != nil {
			jobErr = toJobError(err)
		}
	}

	return o.finish(ctx, job, jobErr)
}

func (o *JobOrchestrator) finish(ctx context.Context, job *domain.VerificationJob, jobErr *domain.JobError) error {
	finishedAt := o.now().UTC()
	var event string
	var data any
	if jobErr != nil {
		if err := job.Fail(finishedAt, jobErr); err != nil {
			return err
		}
		event, data = domain.EventJobFailed, JobFailedData{JobID: job.ID, Error: jobErr}
	} else {
		if err := job.Succeed(finishedAt); err != nil {
			return err
		}
		event, data = domain.EventJobSucceeded, JobCompletedData{JobID: job.ID, Result: job.Result}
	}

	if err := o.jobs.FinishJob(ctx, job); err != nil {
		return fmt.Errorf("finish job: %w", err)
	}

	metrics.JobsTotal.WithLabelValues(string(job.Status)).Inc()
	if job.StartedAt != nil {
		metrics.JobDuration.Observe(finishedAt.Sub(*job.StartedAt).Seconds())
	}
	logAttrs := []any{"job_id", job.ID, "tenant_id", job.TenantID, "status", job.Status}
	if jobErr != nil {
		logAttrs = append(logAttrs, "code", jobErr.Code)
	}
	o.logger.Info("job finished", logAttrs...)

	if o.events != nil {
		if err := o.events.Publish(ctx, job.TenantID, event, data); err != nil {
			o.logger.Warn("failed to publish job event", "job_id", job.ID, "event", event, "error", err)
		}
	}
	return nil
}

// stepOutcome is a step ready to run. call returns the merge to apply to the
// job result, and merge reports whether the outcome blocks the pipeline.
type stepOutcome struct {
	module domain.Module
	call   func(ctx context.Context) (func(*domain.JobResult) bool, error)
}

// execute runs the steps in order. A step whose merge reports a blocking
// outcome ends the pipeline without failing the job.
func (o *JobOrchestrator) execute(ctx context.Context, tenant *domain.Tenant, job *domain.VerificationJob) error {
	for _, step := range job.Steps {
		if step == domain.StepScore {
			score := domain.ComputeScore(job.Result, job.Rules)
			job.Result.Score = &score
			if err := o.jobs.UpdateJobResult(ctx, job.ID, job.Result); err != nil {
				return fmt.Errorf("save job result: %w", err)
			}
			continue
		}

		outcome, err := o.prepare(step, job)
		if err != nil {
			return err
		}

		st, err := o.quota.Reserve(ctx, tenant, outcome.module, 1)
		if err != nil {
			return err
		}

		merge, err := invoke(ctx, o.timeout, step, outcome.call)
		if err != nil {
			return err
		}
		blocking := merge(&job.Result)

		if _, err := o.usage.Record(ctx, tenant, outcome.module, 1, job.ID, job.RequestID); err != nil {
			return err
		}
		publishQuotaSignal(ctx, o.events, o.logger, tenant.ID, st, 1)

		if err := o.jobs.UpdateJobResult(ctx, job.ID, job.Result); err != nil {
			return fmt.Errorf("save job result: %w", err)
		}
		if blocking {
			o.logger.Info("job stopped on blocking outcome", "job_id", job.ID, "step", step)
			return nil
		}
	}
	return nil
}

// prepare checks the inputs of step against what the job carries so far and
// returns the provider call. Input problems surface before any quota is taken.
func (o *JobOrchestrator) prepare(step domain.Step, job *domain.VerificationJob) (stepOutcome, error) {
	in := job.Inputs
	module, _ := step.Module()

	switch step {
	case domain.StepLiveness:
		img, err := requireImage(in.ImageLiveBase64, "", "image_live_base64")
		if err != nil {
			return stepOutcome{}, err
		}
		return stepOutcome{module: module, call: func(ctx context.Context) (func(*domain.JobResult) bool, error) {
			res, err := o.providers.Liveness.Analyze(ctx, img, in.Hints)
			if err != nil {
				return nil, err
			}
			return func(r *domain.JobResult) bool {
				r.Liveness = res
				return !res.IsLive
			}, nil
		}}, nil

	case domain.StepOCR:
		front, err := requireImage(in.ImageDocFrontBase64, "FRONT_", "image_doc_front_base64")
		if err != nil {
			return stepOutcome{}, err
		}
		var back []byte
		if in.ImageDocBackBase64 != "" {
			if back, err = domain.DecodeImage("BACK_", in.ImageDocBackBase64); err != nil {
				return stepOutcome{}, err
			}
		} else if job.Rules.RequireBackImage {
			return stepOutcome{}, domain.NewValidationError(domain.CodeBackImageRequired, "image_doc_back_base64 is required by the job rules")
		}
		return stepOutcome{module: module, call: func(ctx context.Context) (func(*domain.JobResult) bool, error) {
			res, err := o.providers.OCR.Extract(ctx, front, back, hintOrAuto(in.DocumentHint), hintOrAuto(in.CountryHint))
			if err != nil {
				return nil, err
			}
			return func(r *domain.JobResult) bool {
				r.OCR = res
				return false
			}, nil
		}}, nil

	case domain.StepValidate:
		detected, fields := in.Detected, in.Fields
		if job.Result.OCR != nil {
			det := job.Result.OCR.Detected
			detected, fields = &det, job.Result.OCR.Fields
		}
		if err := domain.CheckDocumentFields(detected, fields); err != nil {
			return stepOutcome{}, err
		}
		det := *detected
		return stepOutcome{module: module, call: func(ctx context.Context) (func(*domain.JobResult) bool, error) {
			res, err := o.providers.Validator.Validate(ctx, det, fields)
			if err != nil {
				return nil, err
			}
			return func(r *domain.JobResult) bool {
				r.Validate = res
				return !res.DocumentValid
			}, nil
		}}, nil

	case domain.StepFaceMatch:
		live, err := requireImage(in.ImageLiveBase64, "", "image_live_base64")
		if err != nil {
			return stepOutcome{}, err
		}
		refB64 := in.ImageRefBase64
		if refB64 == "" && job.Result.OCR != nil {
			refB64 = job.Result.OCR.Images.FaceCropBase64
		}
		if refB64 == "" {
			return stepOutcome{}, domain.NewValidationError(domain.CodeMissingReference, "no reference image and no OCR face crop")
		}
		ref, err := domain.DecodeImage("REF_", refB64)
		if err != nil {
			return stepOutcome{}, err
		}
		threshold := job.Rules.MinSimilarity
		return stepOutcome{module: module, call: func(ctx context.Context) (func(*domain.JobResult) bool, error) {
			res, err := o.providers.FaceMatch.Match(ctx, live, ref, threshold)
			if err != nil {
				return nil, err
			}
			return func(r *domain.JobResult) bool {
				r.FaceMatch = res
				return !res.Match
			}, nil
		}}, nil
	}
	return stepOutcome{}, domain.NewValidationError(domain.CodeInvalidSteps, fmt.Sprintf("unknown step %q", step))
}

func requireImage(value, prefix, field string) ([]byte, error) {
	if value == "" {
		return nil, domain.NewValidationError(domain.CodeMissingInput, field+" is required")
	}
	return domain.DecodeImage(prefix, value)
}

// toJobError maps a pipeline error onto the code stored in the job.
func toJobError(err error) *domain.JobError {
	var quotaErr *domain.QuotaExceededError
	var valErr *domain.ValidationError
	var execErr *domain.JobExecutionError
	switch {
	case errors.As(err, &quotaErr):
		return &domain.JobError{Code: quotaErr.JobCode(), Message: truncate(quotaErr.Error(), maxJobErrorMessage)}
	case errors.As(err, &valErr):
		return &domain.JobError{Code: valErr.Code, Message: truncate(valErr.Message, maxJobErrorMessage)}
	case errors.As(err, &execErr):
		return &domain.JobError{Code: execErr.Code, Message: truncate(execErr.Message, maxJobErrorMessage)}
	}
	return &domain.JobError{Code: domain.CodeInternal, Message: truncate(err.Error(), maxJobErrorMessage)}
}

// Start periodically requeues jobs left queued, for example after a restart
// or a full queue. It returns when ctx is done.
func (o *JobOrchestrator) Start(ctx context.Context, interval, staleAfter time.Duration) {
	o.logger.Info("starting job recovery loop", "interval", interval)
	o.Recover(ctx, staleAfter)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("stopping job recovery loop")
			return
		case <-ticker.C:
			o.Recover(ctx, staleAfter)
		}
	}
}

// Recover enqueues queued jobs older than staleAfter and returns how many were scheduled.
func (o *JobOrchestrator) Recover(ctx context.Context, staleAfter time.Duration) int {
	jobs, err := o.jobs.ListQueuedJobs(ctx, o.now().UTC().Add(-staleAfter), recoveryBatch)
	if err != nil {
		o.logger.Error("failed to list queued jobs", "error", err)
		return 0
	}
	n := 0
	for _, j := range jobs {
		if err := o.enqueue(j.ID); err != nil {
			o.logger.Warn("failed to requeue job", "job_id", j.ID, "error", err)
			break
		}
		n++
	}
	if n > 0 {
		o.logger.Info("requeued stale jobs", "count", n)
	}
	return n
}
