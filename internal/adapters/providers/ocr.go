package providers

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/poyrazK/veriflow/internal/core/domain"
)

const faceCropBytes = 120

var knownCountries = map[string]bool{"CIV": true, "FRA": true, "USA": true}

var holderNames = map[string][2]string{
	"CIV": {"KOFFI", "JEAN MARIE"},
	"FRA": {"DUPONT", "ALICE MARIE"},
	"USA": {"DOE", "JOHN"},
}

// OCR derives plausible identity fields from a digest of the document front.
type OCR struct{}

func NewOCR() *OCR {
	return &OCR{}
}

func (o *OCR) Extract(ctx context.Context, front, back []byte, documentHint, countryHint string) (*domain.OCRResult, error) {
	if len(front) == 0 {
		return nil, domain.NewValidationError("INVALID_FRONT_IMAGE_SIZE", "front image is empty")
	}
	sum := sha256.Sum256(front[:min(len(front), 4096)])
	h := hex.EncodeToString(sum[:])

	docType := documentHint
	if docType == "" || docType == "auto" {
		switch {
		case strings.ContainsRune("0123", rune(h[0])):
			docType = "id_card"
		case strings.ContainsRune("456", rune(h[0])):
			docType = "driver_license"
		default:
			docType = "passport"
		}
	}

	country := "CIV"
	switch {
	case countryHint != "" && countryHint != "auto":
		if knownCountries[strings.ToUpper(countryHint)] {
			country = strings.ToUpper(countryHint)
		}
	case strings.ContainsRune("abcdef", rune(h[1])):
		country = "FRA"
	case strings.ContainsRune("0123", rune(h[1])):
		country = "USA"
	}

	names := holderNames[country]
	fields := map[string]string{
		"surname":         names[0],
		"given_names":     names[1],
		"dob":             "1999-08-16",
		"document_number": strings.ToUpper(h[2:11]),
		"sex":             "M",
		"nationality":     country,
		"expiry_date":     "2029-08-15",
		"mrz":             "P<" + country + strings.ReplaceAll(names[0], " ", "<") + "<<" + strings.ReplaceAll(names[1], " ", "<") + strings.Repeat("<", 19) + strings.ToUpper(h[:24]),
	}

	sharp, _ := strconv.ParseUint(h[2:4], 16, 8)
	glare, _ := strconv.ParseUint(h[4:6], 16, 8)

	return &domain.OCRResult{
		Detected: domain.DocumentDetection{Type: docType, Country: country, Confidence: 0.8},
		Fields:   fields,
		Images: domain.OCRImages{
			FaceCropBase64: base64.StdEncoding.EncodeToString(front[:min(len(front), faceCropBytes)]),
		},
		Quality: map[string]float64{
			"sharpness": float64(sharp%100) / 100,
			"glare":     float64(glare%15) / 100,
		},
	}, nil
}
