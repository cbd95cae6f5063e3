package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Authentication failure codes.
const (
	CodeMissingHeaders    = "MISSING_HEADERS"
	CodeInvalidCredential = "INVALID_CREDENTIAL"
	CodeCredentialExpired = "CREDENTIAL_EXPIRED"
	CodeTenantSuspended   = "TENANT_SUSPENDED"
	CodeIPNotAllowed      = "IP_NOT_ALLOWED"
	CodeInvalidTimestamp  = "INVALID_TIMESTAMP"
	CodeTimestampSkew     = "TIMESTAMP_SKEW"
	CodeInvalidSignature  = "INVALID_SIGNATURE"
	CodeReplayDetected    = "REPLAY_DETECTED"
)

// Request and job failure codes.
const (
	CodeQuotaExceeded        = "QUOTA_EXCEEDED"
	CodeRateLimited          = "RATE_LIMITED"
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeInvalidModule        = "INVALID_MODULE"
	CodeInvalidSteps         = "INVALID_STEPS"
	CodeInvalidEvents        = "INVALID_EVENTS"
	CodeInvalidURL           = "INVALID_URL"
	CodeMissingInput         = "MISSING_INPUT"
	CodeBackImageRequired    = "BACK_IMAGE_REQUIRED"
	CodeValidateMissingOCR   = "VALIDATE_MISSING_OCR"
	CodeValidateMissingField = "VALIDATE_MISSING_FIELDS"
	CodeMissingReference     = "FACE_MATCH_MISSING_REFERENCE"
	CodeProviderTimeout      = "PROVIDER_TIMEOUT"
	CodeProviderError        = "PROVIDER_ERROR"
	CodeNotFound             = "NOT_FOUND"
	CodeInternal             = "INTERNAL_ERROR"
)

// ErrNotFound is returned by services when a tenant-scoped lookup finds nothing.
var ErrNotFound = errors.New("not found")

// AuthenticationError rejects a request before any handler runs.
type AuthenticationError struct {
	Code    string
	Message string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed (%s): %s", e.Code, e.Message)
}

func NewAuthError(code, message string) *AuthenticationError {
	return &AuthenticationError{Code: code, Message: message}
}

// QuotaExceededError carries the usage figures at the moment of denial.
type QuotaExceededError struct {
	Module Module
	Status QuotaStatus
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("monthly quota exceeded for %s", e.Module)
}

// JobCode is the code recorded on a job that stopped on this denial.
func (e *QuotaExceededError) JobCode() string {
	return CodeQuotaExceeded + "_" + strings.ToUpper(string(e.Module))
}

// RateLimitError is returned when a per-minute or per-day cap is hit.
type RateLimitError struct {
	Window     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s window", e.Window)
}

// ValidationError reports malformed caller input.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewValidationError(code, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message}
}

// WebhookDeliveryError describes one failed delivery attempt. StatusCode is zero
// for transport failures.
type WebhookDeliveryError struct {
	StatusCode int
	Reason     string
}

func (e *WebhookDeliveryError) Error() string {
	return e.Reason
}

// JobExecutionError is a fatal pipeline condition captured into the job.
type JobExecutionError struct {
	Code    string
	Message string
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
