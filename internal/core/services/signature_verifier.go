package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/poyrazK/veriflow/internal/core/domain"
	"github.com/poyrazK/veriflow/internal/core/ports"
	"github.com/poyrazK/veriflow/internal/infrastructure/metrics"
)

const (
	// ReplayWindow is how long a (key id, timestamp) pair is remembered.
	ReplayWindow = 5 * time.Minute
	// MaxClockSkew bounds the distance between client and server clocks.
	MaxClockSkew = 5 * time.Minute

	touchTimeout = 5 * time.Second
)

// CanonicalRequest builds the string a client signs:
// timestamp, upper-cased method, path without query and hex SHA-256 of the body,
// joined by newlines.
func CanonicalRequest(timestamp, method, path string, body []byte) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	sum := sha256.Sum256(body)
	return timestamp + "\n" + strings.ToUpper(method) + "\n" + path + "\n" + hex.EncodeToString(sum[:])
}

// SignRequest returns the hex HMAC-SHA256 of the canonical request.
func SignRequest(secret []byte, timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(CanonicalRequest(timestamp, method, path, body)))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureVerifier authenticates signed requests.
type SignatureVerifier struct {
	creds   ports.CredentialRepository
	tenants ports.TenantRepository
	replay  ports.ReplayStore
	secrets ports.SecretResolver
	logger  *slog.Logger
	now     func() time.Time
	async   func(func())
}

func NewSignatureVerifier(
	creds ports.CredentialRepository,
	tenants ports.TenantRepository,
	replay ports.ReplayStore,
	secrets ports.SecretResolver,
	logger *slog.Logger,
) *SignatureVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignatureVerifier{
		creds:   creds,
		tenants: tenants,
		replay:  replay,
		secrets: secrets,
		logger:  logger,
		now:     time.Now,
		async:   func(f func()) { go f() },
	}
}

// Verify checks the credential, the caller address, the timestamp, the
// signature and finally claims the replay slot. Failures are
// *domain.AuthenticationError; any other error is an infrastructure fault.
func (v *SignatureVerifier) Verify(ctx context.Context, req domain.SignedRequest) (domain.AuthContext, error) {
	auth, err := v.verify(ctx, req)
	if err != nil {
		var authErr *domain.AuthenticationError
		if errors.As(err, &authErr) {
			metrics.AuthFailures.WithLabelValues(authErr.Code).Inc()
			v.logger.Warn("signed request rejected",
				"code", authErr.Code,
				"key_id", req.KeyID,
				"client_ip", req.ClientIP,
				"path", req.Path,
			)
		}
		return domain.AuthContext{}, err
	}
	return auth, nil
}

func (v *SignatureVerifier) verify(ctx context.Context, req domain.SignedRequest) (domain.AuthContext, error) {
	if req.KeyID == "" || req.Timestamp == "" || req.Signature == "" {
		return domain.AuthContext{}, domain.NewAuthError(domain.CodeMissingHeaders, "missing signature headers")
	}

	cred, err := v.creds.GetCredentialByKeyID(ctx, req.KeyID)
	if err != nil {
		return domain.AuthContext{}, fmt.Errorf("load credential: %w", err)
	}
	if cred == nil || !cred.Active {
		return domain.AuthContext{}, domain.NewAuthError(domain.CodeInvalidCredential, "invalid or inactive credential")
	}
	now := v.now()
	if cred.Expired(now) {
		return domain.AuthContext{}, domain.NewAuthError(domain.CodeCredentialExpired, "credential expired")
	}

	tenant, err := v.tenants.GetTenant(ctx, cred.TenantID)
	if err != nil {
		return domain.AuthContext{}, fmt.Errorf("load tenant: %w", err)
	}
	if tenant == nil {
		return domain.AuthContext{}, domain.NewAuthError(domain.CodeInvalidCredential, "credential has no tenant")
	}
	if !tenant.IsActive() {
		return domain.AuthContext{}, domain.NewAuthError(domain.CodeTenantSuspended, "tenant is suspended")
	}

	if !cred.AllowsIP(req.ClientIP) {
		return domain.AuthContext{}, domain.NewAuthError(domain.CodeIPNotAllowed, "caller address is not allowed")
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(req.Timestamp), 10, 64)
	if err != nil {
		return domain.AuthContext{}, domain.NewAuthError(domain.CodeInvalidTimestamp, "timestamp must be epoch milliseconds")
	}
	skew := now.UnixMilli() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew.Milliseconds() {
		return domain.AuthContext{}, domain.NewAuthError(domain.CodeTimestampSkew, "timestamp outside the allowed window")
	}

	secret, err := v.secrets.Resolve(ctx, cred.SecretRef)
	if err != nil {
		return domain.AuthContext{}, fmt.Errorf("resolve credential secret: %w", err)
	}
	supplied, err := hex.DecodeString(strings.TrimSpace(req.Signature))
	if err != nil {
		return domain.AuthContext{}, domain.NewAuthError(domain.CodeInvalidSignature, "signature mismatch")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(CanonicalRequest(req.Timestamp, req.Method, req.Path, req.Body)))
	if !hmac.Equal(mac.Sum(nil), supplied) {
		return domain.AuthContext{}, domain.NewAuthError(domain.CodeInvalidSignature, "signature mismatch")
	}

	first, err := v.replay.Claim(ctx, replayKey(cred.KeyID, req.Timestamp), ReplayWindow)
	if err != nil {
		return domain.AuthContext{}, fmt.Errorf("claim replay slot: %w", err)
	}
	if !first {
		return domain.AuthContext{}, domain.NewAuthError(domain.CodeReplayDetected, "request already seen")
	}

	v.touch(ctx, cred.ID, now)

	return domain.AuthContext{
		Tenant:         *tenant,
		Credential:     *cred,
		ClientIP:       req.ClientIP,
		IdempotencyKey: req.IdempotencyKey,
	}, nil
}

func replayKey(keyID, timestamp string) string {
	return "replay:" + keyID + ":" + timestamp
}

// touch records last use without holding up the response.
func (v *SignatureVerifier) touch(ctx context.Context, credID string, at time.Time) {
	detached := context.WithoutCancel(ctx)
	v.async(func() {
		ctx, cancel := context.WithTimeout(detached, touchTimeout)
		defer cancel()
		if err := v.creds.TouchCredentialLastUsed(ctx, credID, at); err != nil {
			v.logger.Warn("failed to record credential use", "credential_id", credID, "error", err)
		}
	})
}
