// Package memstore is the in-process session store for single-instance
// deployments and tests. It satisfies the same contract as the shared-store
// backend but nothing in it survives the process.
package memstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/TernSecure/realtime-server/internal/models"
)

type SessionStore struct {
	mu              sync.Mutex
	sessions        map[string]*models.Session
	clientToSession map[string]string
	now             func() time.Time
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:        make(map[string]*models.Session),
		clientToSession: make(map[string]string),
		now:             time.Now,
	}
}

func clientKey(tenantKey, clientID string) string { return tenantKey + ":" + clientID }

func clone(s *models.Session) *models.Session {
	c := *s
	c.SocketIDs = slices.Clone(s.SocketIDs)
	if c.SocketIDs == nil {
		c.SocketIDs = []string{}
	}
	return &c
}

func (s *SessionStore) FindSession(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return clone(session), nil
}

func (s *SessionStore) FindSessionByClient(ctx context.Context, tenantKey, clientID string) (*models.Session, error) {
	s.mu.Lock()
	sessionID, ok := s.clientToSession[clientKey(tenantKey, clientID)]
	s.mu.Unlock()
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return s.FindSession(ctx, sessionID)
}

func (s *SessionStore) CreateSession(ctx context.Context, draft *models.Session) (*models.Session, error) {
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = s.now()
	}
	if draft.LastActive.IsZero() {
		draft.LastActive = draft.CreatedAt
	}
	if err := s.SaveSession(ctx, draft); err != nil {
		return nil, err
	}
	return s.FindSession(ctx, draft.SessionID)
}

func (s *SessionStore) SaveSession(_ context.Context, session *models.Session) error {
	if session.SessionID == "" || session.ClientID == "" {
		return models.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := clone(session)
	c.Connected = len(c.SocketIDs) > 0
	s.sessions[c.SessionID] = c
	s.clientToSession[clientKey(c.TenantKey, c.ClientID)] = c.SessionID
	return nil
}

func (s *SessionStore) UpdateConnectionStatus(_ context.Context, sessionID, socketID string, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	if connected {
		if !slices.Contains(session.SocketIDs, socketID) {
			session.SocketIDs = append(session.SocketIDs, socketID)
		}
	} else {
		session.SocketIDs = slices.DeleteFunc(session.SocketIDs, func(id string) bool { return id == socketID })
	}
	session.Connected = len(session.SocketIDs) > 0
	session.LastActive = s.now()
	return nil
}

func (s *SessionStore) RemoveSocket(_ context.Context, sessionID, socketID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return true, nil
	}
	session.SocketIDs = slices.DeleteFunc(session.SocketIDs, func(id string) bool { return id == socketID })
	session.Connected = len(session.SocketIDs) > 0
	session.LastActive = s.now()
	return !session.Connected, nil
}

func (s *SessionStore) SetClientPublicKey(_ context.Context, sessionID, publicKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return models.ErrSessionNotFound
	}
	session.ClientPublicKey = publicKey
	session.EncryptionReady = publicKey != ""
	return nil
}

// CleanupInactive drops disconnected sessions idle for longer than maxAge.
// It stands in for the TTL expiry the shared store performs on its own.
func (s *SessionStore) CleanupInactive(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, session := range s.sessions {
		if !session.Connected && now.Sub(session.LastActive) > maxAge {
			delete(s.sessions, id)
			key := clientKey(session.TenantKey, session.ClientID)
			if s.clientToSession[key] == id {
				delete(s.clientToSession, key)
			}
			removed++
		}
	}
	return removed
}
