package domain

import (
	"net/netip"
	"strings"
	"time"
)

// Request signing headers.
const (
	HeaderAPIKey         = "X-API-KEY"
	HeaderTimestamp      = "X-API-TIMESTAMP"
	HeaderSignature      = "X-API-SIGN"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// APICredential is a tenant's request-signing identity.
// The secret itself never leaves the keyring; only the sealed reference is stored.
type APICredential struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	KeyID      string     `json:"key_id"`
	SecretRef  string     `json:"-"`
	Name       string     `json:"name"`
	AllowedIPs []string   `json:"allowed_ips,omitempty"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func (c *APICredential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// AllowsIP reports whether ip may use the credential. An empty allowlist admits
// everyone. Entries are single addresses or CIDR prefixes.
func (c *APICredential) AllowsIP(ip string) bool {
	if len(c.AllowedIPs) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range c.AllowedIPs {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			prefix, errPrefix := netip.ParsePrefix(entry)
			if errPrefix == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		allowed, errAddr := netip.ParseAddr(entry)
		if errAddr == nil && allowed.Unmap() == addr {
			return true
		}
	}
	return false
}

// SignedRequest is the transport-independent view of an inbound call that the
// signature verifier needs.
type SignedRequest struct {
	Method         string
	Path           string
	Body           []byte
	KeyID          string
	Timestamp      string
	Signature      string
	ClientIP       string
	IdempotencyKey string
}

// AuthContext is the authenticated identity of one request. It is produced once
// per request and passed by value to every handler.
type AuthContext struct {
	Tenant         Tenant
	Credential     APICredential
	ClientIP       string
	IdempotencyKey string
}
