package providers

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/poyrazK/veriflow/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveness_Deterministic(t *testing.T) {
	p := NewLiveness()
	img := []byte("a selfie that is not a png")

	first, err := p.Analyze(context.Background(), img, nil)
	require.NoError(t, err)
	second, err := p.Analyze(context.Background(), img, nil)
	require.NoError(t, err)

	assert.Equal(t, first.Confidence, second.Confidence)
	assert.GreaterOrEqual(t, first.Confidence, 0.5)
	assert.Less(t, first.Confidence, 1.0)
	assert.Equal(t, "none", first.SpoofType)
	assert.Equal(t, first.Confidence >= 0.7, first.IsLive)
}

func TestLiveness_ScreenSpoof(t *testing.T) {
	// "\x89PNG" sums to 366; one more byte of 74 gives 440, so confidence 0.7.
	img := append([]byte("\x89PNG"), 74)
	res, err := NewLiveness().Analyze(context.Background(), img, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, res.Confidence, 1e-9)
	assert.Equal(t, "screen", res.SpoofType)
	assert.False(t, res.IsLive)
}

func TestLiveness_EmptyImage(t *testing.T) {
	_, err := NewLiveness().Analyze(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestOCR_Extract(t *testing.T) {
	front := []byte("front of a document")
	res, err := NewOCR().Extract(context.Background(), front, nil, "passport", "fra")
	require.NoError(t, err)

	assert.Equal(t, "passport", res.Detected.Type)
	assert.Equal(t, "FRA", res.Detected.Country)
	assert.Equal(t, "DUPONT", res.Fields["surname"])
	for _, f := range domain.RequiredDocumentFields {
		assert.NotEmpty(t, res.Fields[f], f)
	}
	assert.Len(t, res.Fields["document_number"], 9)
	assert.Equal(t, base64.StdEncoding.EncodeToString(front), res.Images.FaceCropBase64)
	assert.Contains(t, res.Quality, "sharpness")

	again, _ := NewOCR().Extract(context.Background(), front, nil, "auto", "auto")
	assert.Equal(t, res.Fields["document_number"], again.Fields["document_number"])
	assert.Contains(t, []string{"id_card", "driver_license", "passport"}, again.Detected.Type)
}

func TestOCR_FaceCropBounded(t *testing.T) {
	front := make([]byte, 500)
	res, err := NewOCR().Extract(context.Background(), front, nil, "auto", "auto")
	require.NoError(t, err)
	crop, err := base64.StdEncoding.DecodeString(res.Images.FaceCropBase64)
	require.NoError(t, err)
	assert.Len(t, crop, 120)
}

func TestValidator(t *testing.T) {
	v := NewValidator()
	v.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	ocr, _ := NewOCR().Extract(context.Background(), []byte("doc"), nil, "auto", "auto")
	res, err := v.Validate(context.Background(), ocr.Detected, ocr.Fields)
	require.NoError(t, err)
	assert.True(t, res.DocumentValid)
	assert.Equal(t, 0.9, res.Confidence)
	require.Len(t, res.Checks, 3)
	assert.Equal(t, "mrz_checksum", res.Checks[0].Name)

	v.now = func() time.Time { return time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC) }
	res, _ = v.Validate(context.Background(), ocr.Detected, ocr.Fields)
	assert.False(t, res.DocumentValid)
	assert.Equal(t, 0.6, res.Confidence)
	assert.Equal(t, domain.ValidationCheck{Name: "expiry_future", Status: domain.CheckFail}, res.Checks[1])

	res, _ = v.Validate(context.Background(), ocr.Detected, map[string]string{"mrz": "short", "dob": "1990-13-40"})
	for _, c := range res.Checks {
		assert.Equal(t, domain.CheckFail, c.Status, c.Name)
	}
}

func TestFaceMatch(t *testing.T) {
	m := NewFaceMatch()
	ctx := context.Background()

	res, _ := m.Match(ctx, []byte("abcd"), []byte("abcd"), 0.75)
	assert.True(t, res.Match)
	assert.Equal(t, 1.0, res.Similarity)

	res, _ = m.Match(ctx, []byte("abcd"), []byte("abxy"), 0.75)
	assert.False(t, res.Match)
	assert.Equal(t, 0.5, res.Similarity)
	assert.Equal(t, 0.75, res.Threshold)

	res, _ = m.Match(ctx, nil, []byte("abcd"), 0)
	assert.Equal(t, 0.0, res.Similarity)
}
