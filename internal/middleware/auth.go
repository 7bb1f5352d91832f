package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/TernSecure/realtime-server/internal/auth"
	"github.com/TernSecure/realtime-server/internal/models"
	"github.com/TernSecure/realtime-server/internal/store"
)

type contextKey string

const SessionKey contextKey = "session"

const (
	ModeFallback = "fallback"
	ModeStrict   = "strict"
)

// Authenticator resolves handshake credentials to a session. In fallback
// mode an absent or stale session id gets the identity's existing session or
// a new one; in strict mode a presented session id must be valid.
type Authenticator struct {
	Sessions        store.SessionStore
	Tenants         store.TenantStore
	Mode            string
	ServerPublicKey string
}

func (a *Authenticator) checkTenant(tenantKey string) error {
	if a.Tenants == nil {
		return nil
	}
	ok, err := a.Tenants.TenantExists(tenantKey)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	if !ok {
		return models.ErrTenantNotFound
	}
	return nil
}

// Resolve never mutates state on an authentication failure.
func (a *Authenticator) Resolve(ctx context.Context, creds auth.Credentials) (*models.Session, error) {
	if err := auth.Validate(creds.ClientID, creds.TenantKey); err != nil {
		return nil, err
	}
	if err := a.checkTenant(creds.TenantKey); err != nil {
		return nil, err
	}

	if creds.SessionID != "" {
		session, err := a.Sessions.FindSession(ctx, creds.SessionID)
		switch {
		case err == nil && session.ClientID == creds.ClientID && session.TenantKey == creds.TenantKey:
			return session, nil
		case err != nil && !errors.Is(err, models.ErrSessionNotFound):
			return nil, err
		case a.Mode == ModeStrict:
			return nil, fmt.Errorf("%w: invalid session", models.ErrAuthentication)
		}
	}

	session, err := a.Sessions.FindSessionByClient(ctx, creds.TenantKey, creds.ClientID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, models.ErrSessionNotFound) {
		return nil, err
	}

	return a.Sessions.CreateSession(ctx, &models.Session{
		SessionID:       uuid.NewString(),
		ClientID:        creds.ClientID,
		TenantKey:       creds.TenantKey,
		UserAgent:       creds.UserAgent,
		IP:              creds.IP,
		SocketIDs:       []string{},
		ServerPublicKey: a.ServerPublicKey,
	})
}

// StatusFor maps a resolution error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrAuthentication), errors.Is(err, models.ErrInvalidInput):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrTenantNotFound):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// AuthMiddleware authenticates the handshake before the upgrade and stores
// the session in the request context.
func (a *Authenticator) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creds, err := auth.FromRequest(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		session, err := a.Resolve(r.Context(), creds)
		if err != nil {
			slog.Warn("handshake rejected",
				"client_id", creds.ClientID,
				"tenant", auth.Mask(creds.TenantKey),
				"error", err,
			)
			status := StatusFor(err)
			http.Error(w, http.StatusText(status), status)
			return
		}

		ctx := context.WithValue(r.Context(), SessionKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func SessionFromContext(ctx context.Context) (*models.Session, bool) {
	session, ok := ctx.Value(SessionKey).(*models.Session)
	return session, ok
}
