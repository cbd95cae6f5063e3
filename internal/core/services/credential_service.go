package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/poyrazK/veriflow/internal/core/domain"
	"github.com/poyrazK/veriflow/internal/core/ports"
)

// IssuedCredential carries a freshly generated secret. The secret is never
// stored in clear and cannot be retrieved again.
type IssuedCredential struct {
	Credential domain.APICredential
	Secret     string
}

// CredentialService administers tenant API credentials.
type CredentialService struct {
	repo   ports.Repository
	sealer ports.SecretSealer
	now    func() time.Time
}

func NewCredentialService(repo ports.Repository, sealer ports.SecretSealer) *CredentialService {
	return &CredentialService{repo: repo, sealer: sealer, now: time.Now}
}

// CreateCredentialParams describes a new credential.
type CreateCredentialParams struct {
	TenantID   string
	Name       string
	AllowedIPs []string
	ExpiresAt  *time.Time
}

func (s *CredentialService) Create(ctx context.Context, p CreateCredentialParams) (*IssuedCredential, error) {
	tenant, err := s.repo.GetTenant(ctx, p.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	if tenant == nil {
		return nil, fmt.Errorf("tenant %s: %w", p.TenantID, domain.ErrNotFound)
	}

	keyID, err := randomHex(16)
	if err != nil {
		return nil, err
	}
	secret, ref, err := generateSealedSecret(ctx, s.sealer, "")
	if err != nil {
		return nil, err
	}

	cred := domain.APICredential{
		ID:         uuid.New().String(),
		TenantID:   tenant.ID,
		KeyID:      keyID,
		SecretRef:  ref,
		Name:       p.Name,
		AllowedIPs: p.AllowedIPs,
		Active:     true,
		CreatedAt:  s.now().UTC(),
		ExpiresAt:  p.ExpiresAt,
	}
	if err := s.repo.CreateCredential(ctx, &cred); err != nil {
		return nil, fmt.Errorf("save credential: %w", err)
	}
	return &IssuedCredential{Credential: cred, Secret: secret}, nil
}

// Rotate replaces the secret behind keyID. The old secret stops verifying immediately.
func (s *CredentialService) Rotate(ctx context.Context, keyID string) (*IssuedCredential, error) {
	cred, err := s.lookup(ctx, keyID)
	if err != nil {
		return nil, err
	}
	secret, ref, err := generateSealedSecret(ctx, s.sealer, "")
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateCredentialSecret(ctx, keyID, ref); err != nil {
		return nil, fmt.Errorf("update credential secret: %w", err)
	}
	cred.SecretRef = ref
	return &IssuedCredential{Credential: *cred, Secret: secret}, nil
}

func (s *CredentialService) Suspend(ctx context.Context, keyID string) error {
	return s.setActive(ctx, keyID, false)
}

func (s *CredentialService) Resume(ctx context.Context, keyID string) error {
	return s.setActive(ctx, keyID, true)
}

func (s *CredentialService) List(ctx context.Context, tenantID string) ([]domain.APICredential, error) {
	return s.repo.ListCredentials(ctx, tenantID)
}

func (s *CredentialService) setActive(ctx context.Context, keyID string, active bool) error {
	if _, err := s.lookup(ctx, keyID); err != nil {
		return err
	}
	if err := s.repo.SetCredentialActive(ctx, keyID, active); err != nil {
		return fmt.Errorf("update credential state: %w", err)
	}
	return nil
}

func (s *CredentialService) lookup(ctx context.Context, keyID string) (*domain.APICredential, error) {
	cred, err := s.repo.GetCredentialByKeyID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if cred == nil {
		return nil, fmt.Errorf("credential %s: %w", keyID, domain.ErrNotFound)
	}
	return cred, nil
}

// generateSealedSecret returns a URL-safe random secret and its sealed reference.
func generateSealedSecret(ctx context.Context, sealer ports.SecretSealer, prefix string) (string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}
	secret := prefix + base64.RawURLEncoding.EncodeToString(raw)
	ref, err := sealer.Seal(ctx, []byte(secret))
	if err != nil {
		return "", "", fmt.Errorf("seal secret: %w", err)
	}
	return secret, ref, nil
}

func randomHex(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate key id: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
