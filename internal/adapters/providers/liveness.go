// Package providers holds deterministic reference implementations of the
// verification providers. They exercise the pipeline end to end and are meant
// to be swapped for real engines.
package providers

import (
	"bytes"
	"context"
	"time"

	"github.com/poyrazK/veriflow/internal/core/domain"
)

var pngMagic = []byte("\x89PNG")

// Liveness scores a selfie from a byte checksum.
type Liveness struct{}

func NewLiveness() *Liveness {
	return &Liveness{}
}

func (l *Liveness) Analyze(ctx context.Context, image []byte, hints map[string]bool) (*domain.LivenessResult, error) {
	if len(image) == 0 {
		return nil, domain.NewValidationError("INVALID_IMAGE_SIZE", "image is empty")
	}
	start := time.Now()

	var sum int
	for _, b := range image[:min(len(image), 2048)] {
		sum += int(b)
	}
	confidence := 0.5 + float64(sum%100)/200.0

	// Screenshots tend to be PNG; low scoring ones are treated as screen replays.
	spoof := "none"
	if bytes.HasPrefix(image, pngMagic) && confidence < 0.8 {
		spoof = "screen"
	}

	return &domain.LivenessResult{
		IsLive:       spoof == "none" && confidence >= 0.7,
		SpoofType:    spoof,
		Confidence:   confidence,
		ProcessingMS: time.Since(start).Milliseconds(),
	}, nil
}
