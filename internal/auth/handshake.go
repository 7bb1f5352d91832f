package auth

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/TernSecure/realtime-server/internal/models"
)

// Credentials are what a client presents when it opens a connection.
type Credentials struct {
	ClientID  string
	TenantKey string
	SessionID string
	UserAgent string
	IP        string
}

// FromRequest reads credentials from the query string, falling back to
// X-Client-Id, X-Tenant-Key and X-Session-Id headers.
func FromRequest(r *http.Request) (Credentials, error) {
	q := r.URL.Query()
	pick := func(param, header string) string {
		if v := strings.TrimSpace(q.Get(param)); v != "" {
			return v
		}
		return strings.TrimSpace(r.Header.Get(header))
	}

	creds := Credentials{
		ClientID:  pick("clientId", "X-Client-Id"),
		TenantKey: pick("tenantKey", "X-Tenant-Key"),
		SessionID: pick("sessionId", "X-Session-Id"),
		UserAgent: r.UserAgent(),
		IP:        ClientIP(r),
	}
	if err := Validate(creds.ClientID, creds.TenantKey); err != nil {
		return creds, err
	}
	return creds, nil
}

// Validate rejects missing or malformed identity fields.
func Validate(clientID, tenantKey string) error {
	if clientID == "" || tenantKey == "" {
		return fmt.Errorf("%w: clientId and tenantKey are required", models.ErrAuthentication)
	}
	if strings.Contains(clientID, "_") {
		return fmt.Errorf("%w: clientId must not contain '_'", models.ErrAuthentication)
	}
	if strings.ContainsAny(tenantKey, ": ") {
		return fmt.Errorf("%w: malformed tenantKey", models.ErrAuthentication)
	}
	return nil
}

// ClientIP prefers the first X-Forwarded-For hop.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Mask keeps a short prefix of a secret for logs.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	visible := len(secret) / 4
	if visible > 4 {
		visible = 4
	}
	return secret[:visible] + strings.Repeat("*", len(secret)-visible)
}
