// Package redisstore is the shared-store session backend. Any number of
// server processes can point at the same Redis and see one consistent view
// of every session.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TernSecure/realtime-server/internal/keys"
	"github.com/TernSecure/realtime-server/internal/models"
)

// Socket membership and the derived connected flag change together in one
// script so a reader never sees connected=1 with an empty socket set.
//
// KEYS: session hash, session socket set, client index
// ARGV: socket id, 1 to add / 0 to remove, now (ms), ttl (s)
// Returns the remaining socket count, or -1 when the session is gone.
var socketScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if ARGV[2] == '1' then
  redis.call('SADD', KEYS[2], ARGV[1])
else
  redis.call('SREM', KEYS[2], ARGV[1])
end
local n = redis.call('SCARD', KEYS[2])
local connected = '0'
if n > 0 then
  connected = '1'
  redis.call('EXPIRE', KEYS[2], ARGV[4])
end
redis.call('HSET', KEYS[1], 'connected', connected, 'lastActive', ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('EXPIRE', KEYS[3], ARGV[4])
return n
`)

type SessionStore struct {
	rdb redis.Cmdable
	ttl time.Duration
	now func() time.Time
}

func NewSessionStore(rdb redis.Cmdable, ttl time.Duration) *SessionStore {
	return &SessionStore{rdb: rdb, ttl: ttl, now: time.Now}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
}

func (s *SessionStore) FindSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var fields *redis.MapStringStringCmd
	var sockets *redis.StringSliceCmd
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		fields = p.HGetAll(ctx, keys.Session(sessionID))
		sockets = p.SMembers(ctx, keys.SessionSockets(sessionID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable(err)
	}
	if len(fields.Val()) == 0 {
		return nil, models.ErrSessionNotFound
	}
	return decodeSession(fields.Val(), sockets.Val()), nil
}

func (s *SessionStore) FindSessionByClient(ctx context.Context, tenantKey, clientID string) (*models.Session, error) {
	sessionID, err := s.rdb.Get(ctx, keys.ClientSession(tenantKey, clientID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return s.FindSession(ctx, sessionID)
}

func (s *SessionStore) CreateSession(ctx context.Context, draft *models.Session) (*models.Session, error) {
	now := s.now()
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = now
	}
	if draft.LastActive.IsZero() {
		draft.LastActive = now
	}
	if err := s.SaveSession(ctx, draft); err != nil {
		return nil, err
	}
	return s.FindSession(ctx, draft.SessionID)
}

// SaveSession replaces the stored session, socket set included.
func (s *SessionStore) SaveSession(ctx context.Context, session *models.Session) error {
	if session.SessionID == "" || session.ClientID == "" {
		return models.ErrInvalidInput
	}
	hashKey := keys.Session(session.SessionID)
	setKey := keys.SessionSockets(session.SessionID)
	indexKey := keys.ClientSession(session.TenantKey, session.ClientID)

	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, hashKey, encodeSession(session))
		p.Del(ctx, setKey)
		if len(session.SocketIDs) > 0 {
			members := make([]interface{}, len(session.SocketIDs))
			for i, id := range session.SocketIDs {
				members[i] = id
			}
			p.SAdd(ctx, setKey, members...)
			p.Expire(ctx, setKey, s.ttl)
		}
		p.Set(ctx, indexKey, session.SessionID, s.ttl)
		p.Expire(ctx, hashKey, s.ttl)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *SessionStore) UpdateConnectionStatus(ctx context.Context, sessionID, socketID string, connected bool) error {
	_, err := s.runSocketScript(ctx, sessionID, socketID, connected)
	return err
}

func (s *SessionStore) RemoveSocket(ctx context.Context, sessionID, socketID string) (bool, error) {
	remaining, err := s.runSocketScript(ctx, sessionID, socketID, false)
	if err != nil {
		return false, err
	}
	return remaining <= 0, nil
}

func (s *SessionStore) runSocketScript(ctx context.Context, sessionID, socketID string, add bool) (int64, error) {
	ident, err := s.rdb.HMGet(ctx, keys.Session(sessionID), "tenantKey", "clientId").Result()
	if err != nil {
		return 0, unavailable(err)
	}
	tenantKey, _ := ident[0].(string)
	clientID, _ := ident[1].(string)
	if clientID == "" {
		return -1, nil
	}

	flag := "0"
	if add {
		flag = "1"
	}
	remaining, err := socketScript.Run(ctx, s.rdb,
		[]string{keys.Session(sessionID), keys.SessionSockets(sessionID), keys.ClientSession(tenantKey, clientID)},
		socketID, flag, s.now().UnixMilli(), int64(s.ttl/time.Second),
	).Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	return remaining, nil
}

func (s *SessionStore) SetClientPublicKey(ctx context.Context, sessionID, publicKey string) error {
	hashKey := keys.Session(sessionID)
	n, err := s.rdb.Exists(ctx, hashKey).Result()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return models.ErrSessionNotFound
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, hashKey,
			"clientPublicKey", publicKey,
			"encryptionReady", boolString(publicKey != ""),
			"lastActive", s.now().UnixMilli(),
		)
		p.Expire(ctx, hashKey, s.ttl)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func encodeSession(s *models.Session) map[string]interface{} {
	return map[string]interface{}{
		"sessionId":       s.SessionID,
		"clientId":        s.ClientID,
		"tenantKey":       s.TenantKey,
		"connected":       boolString(len(s.SocketIDs) > 0),
		"lastActive":      s.LastActive.UnixMilli(),
		"createdAt":       s.CreatedAt.UnixMilli(),
		"userAgent":       s.UserAgent,
		"ip":              s.IP,
		"clientPublicKey": s.ClientPublicKey,
		"serverPublicKey": s.ServerPublicKey,
		"encryptionReady": boolString(s.EncryptionReady),
	}
}

// decodeSession derives Connected from the socket set rather than the
// stored flag.
func decodeSession(fields map[string]string, sockets []string) *models.Session {
	if sockets == nil {
		sockets = []string{}
	}
	return &models.Session{
		SessionID:       fields["sessionId"],
		ClientID:        fields["clientId"],
		TenantKey:       fields["tenantKey"],
		Connected:       len(sockets) > 0,
		LastActive:      parseMillis(fields["lastActive"]),
		CreatedAt:       parseMillis(fields["createdAt"]),
		UserAgent:       fields["userAgent"],
		IP:              fields["ip"],
		SocketIDs:       sockets,
		ClientPublicKey: fields["clientPublicKey"],
		ServerPublicKey: fields["serverPublicKey"],
		EncryptionReady: fields["encryptionReady"] == "1",
	}
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
