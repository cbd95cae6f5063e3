package domain

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// MaxImageBytes bounds a decoded image.
const MaxImageBytes = 10 << 20

// DecodeImage decodes a standard base64 image. prefix is folded into the error
// codes, so "FRONT_" yields INVALID_FRONT_IMAGE_BASE64 and INVALID_FRONT_IMAGE_SIZE.
func DecodeImage(prefix, value string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, NewValidationError("INVALID_"+prefix+"IMAGE_BASE64", "image is not valid base64")
	}
	if len(raw) == 0 || len(raw) > MaxImageBytes {
		return nil, NewValidationError("INVALID_"+prefix+"IMAGE_SIZE",
			fmt.Sprintf("image must be between 1 and %d bytes", MaxImageBytes))
	}
	return raw, nil
}

// ValidateWebhookURL accepts absolute http and https URLs only.
func ValidateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return NewValidationError(CodeInvalidURL, fmt.Sprintf("invalid webhook url %q", raw))
	}
	return nil
}

// RequiredDocumentFields must be present before a document can be validated.
var RequiredDocumentFields = []string{"document_number", "dob", "expiry_date", "mrz"}

// CheckDocumentFields rejects validation input that no OCR pass produced or
// that lacks a required field.
func CheckDocumentFields(detected *DocumentDetection, fields map[string]string) error {
	if detected == nil || detected.Type == "" || len(fields) == 0 {
		return NewValidationError(CodeValidateMissingOCR, "document detection and extracted fields are required")
	}
	var missing []string
	for _, name := range RequiredDocumentFields {
		if strings.TrimSpace(fields[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return NewValidationError(CodeValidateMissingField, "missing document fields: "+strings.Join(missing, ", "))
	}
	return nil
}
