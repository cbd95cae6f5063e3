package providers

import (
	"context"
	"strings"
	"time"

	"github.com/poyrazK/veriflow/internal/core/domain"
)

const isoDate = "2006-01-02"

// Validator runs structural checks over extracted document fields.
type Validator struct {
	now func() time.Time
}

func NewValidator() *Validator {
	return &Validator{now: time.Now}
}

func (v *Validator) Validate(ctx context.Context, detected domain.DocumentDetection, fields map[string]string) (*domain.ValidationResult, error) {
	now := v.now()
	checks := []domain.ValidationCheck{
		check("mrz_checksum", mrzLooksValid(fields["mrz"])),
		check("expiry_future", dateAfter(fields["expiry_date"], now)),
		check("dob_past", dateBefore(fields["dob"], now)),
	}

	valid := true
	for _, c := range checks {
		if c.Status != domain.CheckPass {
			valid = false
		}
	}
	confidence := 0.6
	if valid {
		confidence = 0.9
	}
	return &domain.ValidationResult{DocumentValid: valid, Checks: checks, Confidence: confidence}, nil
}

func check(name string, ok bool) domain.ValidationCheck {
	if ok {
		return domain.ValidationCheck{Name: name, Status: domain.CheckPass}
	}
	return domain.ValidationCheck{Name: name, Status: domain.CheckFail}
}

func mrzLooksValid(mrz string) bool {
	return len(mrz) > 30 && strings.Contains(mrz, "<")
}

func dateAfter(s string, t time.Time) bool {
	d, err := time.Parse(isoDate, s)
	return err == nil && d.After(t)
}

func dateBefore(s string, t time.Time) bool {
	d, err := time.Parse(isoDate, s)
	return err == nil && d.Before(t)
}
