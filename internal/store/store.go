package store

import (
	"context"

	"github.com/TernSecure/realtime-server/internal/models"
)

// SessionStore is the durable record of an identity's connection state.
// Every mutation is idempotent: adding a present socket or removing an
// absent one is a no-op.
type SessionStore interface {
	// FindSession returns models.ErrSessionNotFound when the session does
	// not exist or has expired.
	FindSession(ctx context.Context, sessionID string) (*models.Session, error)
	FindSessionByClient(ctx context.Context, tenantKey, clientID string) (*models.Session, error)
	CreateSession(ctx context.Context, draft *models.Session) (*models.Session, error)
	SaveSession(ctx context.Context, session *models.Session) error

	UpdateConnectionStatus(ctx context.Context, sessionID, socketID string, connected bool) error
	// RemoveSocket reports whether socketID was the last live socket. A
	// missing session counts as having no sockets left.
	RemoveSocket(ctx context.Context, sessionID, socketID string) (bool, error)

	SetClientPublicKey(ctx context.Context, sessionID, publicKey string) error
}

// TenantStore validates tenant keys presented at authentication.
type TenantStore interface {
	CreateTenant(key, name string) error
	GetTenant(key string) (*models.Tenant, error)
	TenantExists(key string) (bool, error)
	ListTenants() ([]models.Tenant, error)
	DeleteTenant(key string) error
}
