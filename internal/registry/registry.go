// Package registry tracks which sockets each identity has open and which
// identities of a tenant are online, across every server process.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TernSecure/realtime-server/internal/keys"
	"github.com/TernSecure/realtime-server/internal/models"
)

// An identity leaves the tenant set only once its socket set is empty. The
// SREM result tells the caller whether it was the one that removed it.
//
// KEYS: client socket set, tenant client set
// ARGV: client id
var finalizeScript = redis.NewScript(`
if redis.call('SCARD', KEYS[1]) > 0 then
  return 0
end
return redis.call('SREM', KEYS[2], ARGV[1])
`)

type Registry struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func New(rdb redis.Cmdable, ttl time.Duration) *Registry {
	return &Registry{rdb: rdb, ttl: ttl}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
}

// Register records a live socket. The socket set, tenant set and socket map
// are written in one transaction.
func (r *Registry) Register(ctx context.Context, b models.Binding) error {
	socketsKey := keys.ClientSockets(b.TenantKey, b.ClientID)
	tenantKey := keys.TenantClients(b.TenantKey)
	mapKey := keys.SocketMap(b.TenantKey, b.SocketID)

	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, socketsKey, b.SocketID)
		p.Expire(ctx, socketsKey, r.ttl)
		p.SAdd(ctx, tenantKey, b.ClientID)
		p.Expire(ctx, tenantKey, r.ttl)
		p.HSet(ctx, mapKey,
			"clientId", b.ClientID,
			"tenantKey", b.TenantKey,
			"socketId", b.SocketID,
			"sessionId", b.SessionID,
		)
		p.Expire(ctx, mapKey, r.ttl)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// RemoveSocket drops one socket. The identity stays in the tenant set until
// Finalize.
func (r *Registry) RemoveSocket(ctx context.Context, tenantKey, clientID, socketID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, keys.ClientSockets(tenantKey, clientID), socketID)
		p.Del(ctx, keys.SocketMap(tenantKey, socketID))
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// Finalize reports true only to the single caller that removed the identity
// from the tenant set.
func (r *Registry) Finalize(ctx context.Context, tenantKey, clientID string) (bool, error) {
	removed, err := finalizeScript.Run(ctx, r.rdb,
		[]string{keys.ClientSockets(tenantKey, clientID), keys.TenantClients(tenantKey)},
		clientID,
	).Int64()
	if err != nil {
		return false, unavailable(err)
	}
	return removed == 1, nil
}

func (r *Registry) Sockets(ctx context.Context, tenantKey, clientID string) ([]string, error) {
	sockets, err := r.rdb.SMembers(ctx, keys.ClientSockets(tenantKey, clientID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return sockets, nil
}

func (r *Registry) Clients(ctx context.Context, tenantKey string) ([]string, error) {
	clients, err := r.rdb.SMembers(ctx, keys.TenantClients(tenantKey)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return clients, nil
}

// Binding returns the identity a live socket belongs to, or
// models.ErrSessionNotFound once the socket is gone.
func (r *Registry) Binding(ctx context.Context, tenantKey, socketID string) (*models.Binding, error) {
	fields, err := r.rdb.HGetAll(ctx, keys.SocketMap(tenantKey, socketID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, models.ErrSessionNotFound
	}
	return &models.Binding{
		ClientID:  fields["clientId"],
		TenantKey: fields["tenantKey"],
		SocketID:  fields["socketId"],
		SessionID: fields["sessionId"],
	}, nil
}

// Refresh extends the expiry of a live socket's registry entries.
func (r *Registry) Refresh(ctx context.Context, b models.Binding) error {
	_, err := r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Expire(ctx, keys.ClientSockets(b.TenantKey, b.ClientID), r.ttl)
		p.Expire(ctx, keys.TenantClients(b.TenantKey), r.ttl)
		p.Expire(ctx, keys.SocketMap(b.TenantKey, b.SocketID), r.ttl)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}
