// Package presence keeps per-identity status records and announces entry,
// updates and departure to the rest of the tenant.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TernSecure/realtime-server/internal/keys"
	"github.com/TernSecure/realtime-server/internal/models"
	"github.com/TernSecure/realtime-server/internal/protocol"
)

const StatusOnline = "online"

// Broadcaster fans presence events out to hub groups.
type Broadcaster interface {
	EmitToGroup(ctx context.Context, group, except, event string, data interface{}) error
	EmitToSocket(ctx context.Context, socketID, event string, data interface{}) error
}

// Clients lists the identities of a tenant and keeps their registry
// entries alive.
type Clients interface {
	Clients(ctx context.Context, tenantKey string) ([]string, error)
	Refresh(ctx context.Context, b models.Binding) error
}

type Engine struct {
	rdb     redis.Cmdable
	clients Clients
	out     Broadcaster
	ttl     time.Duration
	now     func() time.Time
}

func New(rdb redis.Cmdable, clients Clients, out Broadcaster, ttl time.Duration) *Engine {
	return &Engine{rdb: rdb, clients: clients, out: out, ttl: ttl, now: time.Now}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
}

func (e *Engine) write(ctx context.Context, tenantKey, clientID string, p models.Presence) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := e.rdb.Set(ctx, keys.Presence(tenantKey, clientID), raw, e.ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// create writes p only when the identity has no record yet. An existing
// record keeps its status and gets its expiry refreshed.
func (e *Engine) create(ctx context.Context, tenantKey, clientID string, p models.Presence) (bool, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return false, err
	}
	key := keys.Presence(tenantKey, clientID)
	created, err := e.rdb.SetNX(ctx, key, raw, e.ttl).Result()
	if err != nil {
		return false, unavailable(err)
	}
	if !created {
		if err := e.rdb.Expire(ctx, key, e.ttl).Err(); err != nil {
			return false, unavailable(err)
		}
	}
	return created, nil
}

func (e *Engine) fresh(socketID, status, custom string) models.Presence {
	now := e.now()
	return models.Presence{
		Status:        status,
		CustomMessage: custom,
		LastUpdated:   models.Timestamp(now),
		SocketID:      socketID,
		LastHeartbeat: now.UnixMilli(),
	}
}

// Enter sends the joining socket a snapshot of the tenant. The first socket
// of an identity also creates its online record and announces it to
// everyone else; later sockets leave the current status alone.
func (e *Engine) Enter(ctx context.Context, b models.Binding) error {
	p := e.fresh(b.SocketID, StatusOnline, "")
	created, err := e.create(ctx, b.TenantKey, b.ClientID, p)
	if err != nil {
		return err
	}

	snapshot, err := e.Snapshot(ctx, b.TenantKey)
	if err != nil {
		return err
	}
	if err := e.out.EmitToSocket(ctx, b.SocketID, protocol.EventPresenceSync, snapshot); err != nil {
		return err
	}
	if !created {
		return nil
	}
	return e.out.EmitToGroup(ctx, keys.TenantGroup(b.TenantKey), b.SocketID, protocol.EventPresenceEnter,
		models.PresenceEntry{ClientID: b.ClientID, Presence: p})
}

// Update overwrites the record; the last writer wins. The whole tenant,
// sender included, sees the change.
func (e *Engine) Update(ctx context.Context, b models.Binding, status, custom string) (models.PresenceEntry, error) {
	if strings.TrimSpace(status) == "" {
		return models.PresenceEntry{}, fmt.Errorf("%w: status is required", models.ErrInvalidInput)
	}
	p := e.fresh(b.SocketID, status, custom)
	if err := e.write(ctx, b.TenantKey, b.ClientID, p); err != nil {
		return models.PresenceEntry{}, err
	}
	entry := models.PresenceEntry{ClientID: b.ClientID, Presence: p}
	if err := e.out.EmitToGroup(ctx, keys.TenantGroup(b.TenantKey), "", protocol.EventPresenceUpdate, entry); err != nil {
		return entry, err
	}
	return entry, nil
}

// Heartbeat refreshes expiries without broadcasting. A record that has
// already expired is recreated as online.
func (e *Engine) Heartbeat(ctx context.Context, b models.Binding) error {
	p, err := e.Get(ctx, b.TenantKey, b.ClientID)
	if err != nil {
		return err
	}
	if p == nil {
		fresh := e.fresh(b.SocketID, StatusOnline, "")
		p = &fresh
	} else {
		p.LastHeartbeat = e.now().UnixMilli()
	}
	if err := e.write(ctx, b.TenantKey, b.ClientID, *p); err != nil {
		return err
	}
	return e.clients.Refresh(ctx, b)
}

// Leave deletes the record and announces the departure. Only connection
// finalization calls it.
func (e *Engine) Leave(ctx context.Context, tenantKey, clientID string) error {
	if err := e.rdb.Del(ctx, keys.Presence(tenantKey, clientID)).Err(); err != nil {
		return unavailable(err)
	}
	return e.out.EmitToGroup(ctx, keys.TenantGroup(tenantKey), "", protocol.EventPresenceLeave,
		map[string]string{"clientId": clientID})
}

// Get returns nil without error when the identity has no record.
func (e *Engine) Get(ctx context.Context, tenantKey, clientID string) (*models.Presence, error) {
	raw, err := e.rdb.Get(ctx, keys.Presence(tenantKey, clientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	var p models.Presence
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, nil
	}
	return &p, nil
}

// Snapshot lists every identity of the tenant with a live record, ordered by
// client id.
func (e *Engine) Snapshot(ctx context.Context, tenantKey string) ([]models.PresenceEntry, error) {
	clients, err := e.clients.Clients(ctx, tenantKey)
	if err != nil {
		return nil, err
	}
	entries := []models.PresenceEntry{}
	if len(clients) == 0 {
		return entries, nil
	}
	sort.Strings(clients)

	presenceKeys := make([]string, len(clients))
	for i, c := range clients {
		presenceKeys[i] = keys.Presence(tenantKey, c)
	}
	values, err := e.rdb.MGet(ctx, presenceKeys...).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var p models.Presence
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			continue
		}
		entries = append(entries, models.PresenceEntry{ClientID: clients[i], Presence: p})
	}
	return entries, nil
}

// ParseUpdate accepts either {status, customMessage} or a bare status string.
func ParseUpdate(raw json.RawMessage) (status, custom string, err error) {
	var bare string
	if json.Unmarshal(raw, &bare) == nil {
		return bare, "", nil
	}
	var body struct {
		Status        string `json:"status"`
		CustomMessage string `json:"customMessage"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", "", fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	return body.Status, body.CustomMessage, nil
}
