// Package orchestrator drives the lifecycle of every websocket connection:
// the connect sequence, event dispatch, and immediate or deferred cleanup
// when a connection goes away.
package orchestrator

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TernSecure/realtime-server/internal/auth"
	"github.com/TernSecure/realtime-server/internal/bus"
	"github.com/TernSecure/realtime-server/internal/chat"
	"github.com/TernSecure/realtime-server/internal/encryption"
	"github.com/TernSecure/realtime-server/internal/keys"
	"github.com/TernSecure/realtime-server/internal/middleware"
	"github.com/TernSecure/realtime-server/internal/models"
	"github.com/TernSecure/realtime-server/internal/presence"
	"github.com/TernSecure/realtime-server/internal/protocol"
	"github.com/TernSecure/realtime-server/internal/registry"
	"github.com/TernSecure/realtime-server/internal/store"
	"github.com/TernSecure/realtime-server/internal/telemetry"
	"github.com/TernSecure/realtime-server/internal/ws"
)

const cleanupTimeout = 5 * time.Second

type Options struct {
	Hub         *ws.Hub
	Upgrader    *websocket.Upgrader
	Sessions    store.SessionStore
	Registry    *registry.Registry
	Presence    *presence.Engine
	Chat        *chat.Engine
	Metrics     *telemetry.Metrics
	GracePeriod time.Duration

	// Layer is nil when encryption is disabled.
	Layer *encryption.Layer
}

type Orchestrator struct {
	Options

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{Options: opts, pending: make(map[string]*time.Timer)}
	opts.Hub.OnDelivery(func(r bus.Receipt, err error) {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		o.Chat.Delivered(ctx, r, err)
	})
	return o
}

// connection is the per-socket state the event handlers close over.
type connection struct {
	binding models.Binding
	peer    *encryption.Peer
}

func identity(tenantKey, clientID string) string { return tenantKey + ":" + clientID }

type sessionEvent struct {
	SessionID       string `json:"sessionId"`
	ServerPublicKey string `json:"serverPublicKey,omitempty"`
}

// ServeHTTP upgrades an authenticated request. It must sit behind
// middleware.Authenticator.AuthMiddleware.
func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	client, err := o.Hub.Upgrade(o.Upgrader, w, r)
	if err != nil {
		slog.Warn("websocket upgrade failed", "client_id", session.ClientID, "error", err)
		return
	}
	o.HandleConnect(client, session)
}

// HandleConnect runs the connect sequence for an upgraded client and starts
// serving it.
func (o *Orchestrator) HandleConnect(client *ws.Client, session *models.Session) {
	conn := &connection{binding: models.Binding{
		ClientID:  session.ClientID,
		TenantKey: session.TenantKey,
		SocketID:  client.ID,
		SessionID: session.SessionID,
	}}
	b := conn.binding

	if o.Layer != nil {
		conn.peer = o.Layer.NewPeer()
		if session.EncryptionReady && session.ClientPublicKey != "" {
			if err := o.Layer.SetPublicKey(conn.peer, session.ClientPublicKey); err != nil {
				slog.Warn("stored client key unusable", "session_id", session.SessionID, "error", err)
			}
		}
		client.Use(func(next ws.Emitter) ws.Emitter { return o.Layer.Wrap(conn.peer, next) })
		client.SetDecoder(func(frame []byte) (protocol.Packet, bool) {
			pkt, ok := o.Layer.DecodeFrame(conn.peer, frame)
			if !ok {
				o.Metrics.FrameDropped(context.Background())
			}
			return pkt, ok
		})
	}

	o.bind(client, conn)
	client.OnClose(func(c *ws.Client, explicit bool) { o.HandleDisconnect(conn, explicit) })

	client.Start(func(c *ws.Client) {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		o.cancelPending(b.TenantKey, b.ClientID)
		o.Hub.Join(c.ID, keys.TenantGroup(b.TenantKey))
		o.Hub.Join(c.ID, keys.ClientGroup(b.TenantKey, b.ClientID))

		if err := o.Sessions.UpdateConnectionStatus(ctx, b.SessionID, c.ID, true); err != nil {
			o.reject(c, err)
			return
		}
		if err := o.Registry.Register(ctx, b); err != nil {
			o.reject(c, err)
			return
		}

		serverKey := ""
		if o.Layer != nil {
			serverKey = o.Layer.PublicKey()
		}
		c.EmitEvent(protocol.EventSession, sessionEvent{SessionID: b.SessionID, ServerPublicKey: serverKey})

		if err := o.Presence.Enter(ctx, b); err != nil {
			o.fail(c, protocol.Packet{}, err)
		}
		if _, err := o.Chat.DeliverOffline(ctx, b); err != nil {
			o.fail(c, protocol.Packet{}, err)
		}
		o.Metrics.Connected(ctx)

		slog.Info("client connected",
			"client_id", b.ClientID,
			"tenant", auth.Mask(b.TenantKey),
			"socket_id", c.ID,
			"session_id", b.SessionID,
		)
	})
}

// reject reports a failed connect step and closes the socket. The close
// counts as explicit, so nothing half-registered lingers behind it.
func (o *Orchestrator) reject(c *ws.Client, err error) {
	slog.Error("connect sequence failed", "socket_id", c.ID, "error", err)
	o.fail(c, protocol.Packet{}, err)
	c.Kick()
}

// HandleDisconnect removes the socket right away. Identity-level cleanup
// runs now for an explicit disconnect and after the grace period for a
// transient one, unless the identity has reconnected by then.
func (o *Orchestrator) HandleDisconnect(conn *connection, explicit bool) {
	b := conn.binding
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	o.Metrics.Disconnected(ctx, explicit)

	last, err := o.Sessions.RemoveSocket(ctx, b.SessionID, b.SocketID)
	if err != nil {
		slog.Error("failed to remove socket from session", "session_id", b.SessionID, "error", err)
	}
	if err := o.Registry.RemoveSocket(ctx, b.TenantKey, b.ClientID, b.SocketID); err != nil {
		slog.Error("failed to remove socket from registry", "socket_id", b.SocketID, "error", err)
	}
	if err := o.Chat.UnsubscribeStatus(ctx, b); err != nil {
		slog.Warn("failed to drop status subscription", "socket_id", b.SocketID, "error", err)
	}

	slog.Info("client disconnected",
		"client_id", b.ClientID,
		"socket_id", b.SocketID,
		"explicit", explicit,
		"last_socket", last,
	)

	if !last {
		return
	}
	if explicit {
		o.finalize(ctx, b)
		return
	}
	o.schedule(b)
}

func (o *Orchestrator) schedule(b models.Binding) {
	key := identity(b.TenantKey, b.ClientID)

	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.pending[key]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(o.GracePeriod, func() {
		o.mu.Lock()
		if o.pending[key] != timer {
			o.mu.Unlock()
			return
		}
		delete(o.pending, key)
		o.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		session, err := o.Sessions.FindSession(ctx, b.SessionID)
		if err == nil && session.Connected {
			slog.Debug("identity reconnected within grace period", "client_id", b.ClientID)
			return
		}
		o.finalize(ctx, b)
	})
	o.pending[key] = timer
}

func (o *Orchestrator) cancelPending(tenantKey, clientID string) {
	key := identity(tenantKey, clientID)
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.pending[key]; ok {
		t.Stop()
		delete(o.pending, key)
	}
}

// PendingCleanups reports how many identities await deferred cleanup.
func (o *Orchestrator) PendingCleanups() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// finalize is safe to run from several processes at once: only the caller
// that removes the identity from the tenant set announces the leave.
func (o *Orchestrator) finalize(ctx context.Context, b models.Binding) {
	removed, err := o.Registry.Finalize(ctx, b.TenantKey, b.ClientID)
	if err != nil {
		slog.Error("failed to finalize identity", "client_id", b.ClientID, "error", err)
		return
	}
	if !removed {
		return
	}
	if err := o.Presence.Leave(ctx, b.TenantKey, b.ClientID); err != nil {
		slog.Error("failed to announce leave", "client_id", b.ClientID, "error", err)
	}
	if err := o.Chat.ReleaseRooms(ctx, b.TenantKey, b.ClientID); err != nil {
		slog.Error("failed to release rooms", "client_id", b.ClientID, "error", err)
	}
}

// Stop cancels every deferred cleanup.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, t := range o.pending {
		t.Stop()
		delete(o.pending, key)
	}
}
