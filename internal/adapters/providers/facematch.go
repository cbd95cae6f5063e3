package providers

import (
	"context"

	"github.com/poyrazK/veriflow/internal/core/domain"
)

const compareWindow = 1024

// FaceMatch compares two images byte by byte over a fixed window.
type FaceMatch struct{}

func NewFaceMatch() *FaceMatch {
	return &FaceMatch{}
}

func (f *FaceMatch) Match(ctx context.Context, live, reference []byte, threshold float64) (*domain.FaceMatchResult, error) {
	sim := similarity(live, reference)
	return &domain.FaceMatchResult{
		Match:      sim >= threshold,
		Similarity: sim,
		Threshold:  threshold,
	}, nil
}

func similarity(a, b []byte) float64 {
	n := min(len(a), len(b), compareWindow)
	if n == 0 {
		return 0
	}
	same := 0
	for i := 0; i < n; i++ {
		if a[i] == b[i] {
			same++
		}
	}
	return float64(same) / float64(n)
}
