package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/TernSecure/realtime-server/internal/models"
	"github.com/TernSecure/realtime-server/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

var ErrClosed = errors.New("connection closed")

// Emitter is the outbound side of a connection. Interceptors wrap it.
type Emitter interface {
	Emit(pkt protocol.Packet) error
	EmitBinary(frame []byte) error
}

type Interceptor func(next Emitter) Emitter

type HandlerFunc func(c *Client, pkt protocol.Packet)

// DecodeFunc turns an inbound binary frame into a packet.
type DecodeFunc func(frame []byte) (protocol.Packet, bool)

type frame struct {
	messageType int
	data        []byte
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	ID  string
	hub *Hub

	conn *websocket.Conn

	// Buffered channel of outbound frames. Never closed; done signals
	// shutdown instead.
	send chan frame
	done chan struct{}
	once sync.Once

	explicit atomic.Bool
	restart  atomic.Bool
	out      Emitter

	handlers map[string]HandlerFunc
	decode   DecodeFunc
	onClose  func(c *Client, explicit bool)

	ackMu   sync.Mutex
	nextAck uint64
	acks    map[uint64]chan json.RawMessage
}

// NewUpgrader accepts any origin when allowed is empty.
func NewUpgrader(allowed []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
}

// Upgrade completes the websocket handshake. The returned client is not yet
// registered or pumping; configure it and call Start.
func (h *Hub) Upgrade(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return h.newClient(conn), nil
}

func (h *Hub) newClient(conn *websocket.Conn) *Client {
	c := &Client{
		ID:       uuid.NewString(),
		hub:      h,
		conn:     conn,
		send:     make(chan frame, sendBuffer),
		done:     make(chan struct{}),
		handlers: make(map[string]HandlerFunc),
		acks:     make(map[uint64]chan json.RawMessage),
	}
	c.out = rawEmitter{c}
	c.decode = func(b []byte) (protocol.Packet, bool) {
		if len(b) < 2 || b[0] != protocol.FramePlain {
			return protocol.Packet{}, false
		}
		pkt, err := protocol.UnmarshalEnvelope(b[1:])
		return pkt, err == nil
	}
	return c
}

// Use wraps the outbound chain. Call before Start.
func (c *Client) Use(i Interceptor) { c.out = i(c.out) }

// On binds an inbound event. Call before Start.
func (c *Client) On(event string, fn HandlerFunc) { c.handlers[event] = fn }

func (c *Client) SetDecoder(fn DecodeFunc) { c.decode = fn }

// OnClose runs once on the read goroutine after the socket is unregistered.
func (c *Client) OnClose(fn func(c *Client, explicit bool)) { c.onClose = fn }

// Start registers the client with the hub and launches its pumps. setup,
// when given, runs after registration and before the first inbound frame is
// read, so it can emit but never races a handler.
func (c *Client) Start(setup func(c *Client)) {
	if !c.hub.Register(c) {
		c.conn.Close()
		return
	}
	go c.writePump()
	if setup != nil {
		setup(c)
	}
	go c.readPump()
}

func (c *Client) Emit(pkt protocol.Packet) error { return c.out.Emit(pkt) }

func (c *Client) EmitBinary(b []byte) error { return c.out.EmitBinary(b) }

// EmitEvent marshals data and emits it as event.
func (c *Client) EmitEvent(event string, data interface{}) error {
	pkt, err := protocol.NewPacket(event, data)
	if err != nil {
		return err
	}
	return c.Emit(pkt)
}

// Reply answers req: as an ack when the request carried an ack id, otherwise
// as an event of the same name.
func (c *Client) Reply(req protocol.Packet, data interface{}) error {
	if req.Ack == 0 {
		return c.EmitEvent(req.Event, data)
	}
	pkt, err := protocol.NewPacket(protocol.EventAck, data)
	if err != nil {
		return err
	}
	pkt.Ack = req.Ack
	return c.Emit(pkt)
}

// EmitWithAck emits pkt with a fresh ack id and calls fn from its own
// goroutine with the client's ack payload, or with ErrDeliveryTimeout.
func (c *Client) EmitWithAck(pkt protocol.Packet, timeout time.Duration, fn func(json.RawMessage, error)) {
	ch := make(chan json.RawMessage, 1)
	c.ackMu.Lock()
	c.nextAck++
	id := c.nextAck
	c.acks[id] = ch
	c.ackMu.Unlock()

	pkt.Ack = id
	if err := c.Emit(pkt); err != nil {
		c.dropAck(id)
		go fn(nil, err)
		return
	}

	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case data := <-ch:
			fn(data, nil)
		case <-timer.C:
			c.dropAck(id)
			fn(nil, models.ErrDeliveryTimeout)
		case <-c.done:
			c.dropAck(id)
			fn(nil, models.ErrDeliveryTimeout)
		}
	}()
}

func (c *Client) dropAck(id uint64) {
	c.ackMu.Lock()
	delete(c.acks, id)
	c.ackMu.Unlock()
}

func (c *Client) resolveAck(id uint64, data json.RawMessage) {
	c.ackMu.Lock()
	ch, ok := c.acks[id]
	delete(c.acks, id)
	c.ackMu.Unlock()
	if ok {
		ch <- data
	}
}

// Kick closes the connection from the server side. The disconnect counts as
// explicit.
func (c *Client) Kick() {
	c.explicit.Store(true)
	c.shutdown()
}

// closeForRestart closes the connection with a service restart code. The
// disconnect counts as transient, so identities survive a rolling restart.
func (c *Client) closeForRestart() {
	c.restart.Store(true)
	c.shutdown()
}

// Done is closed once the connection is shutting down.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) queue(f frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	default:
		slog.Warn("send buffer full, dropping client", "socket_id", c.ID)
		c.shutdown()
		return ErrClosed
	}
}

type rawEmitter struct{ c *Client }

func (e rawEmitter) Emit(pkt protocol.Packet) error {
	b, err := protocol.EncodeText(pkt)
	if err != nil {
		return err
	}
	return e.c.queue(frame{websocket.TextMessage, b})
}

func (e rawEmitter) EmitBinary(b []byte) error {
	return e.c.queue(frame{websocket.BinaryMessage, b})
}

// readPump pumps messages from the websocket connection to the handlers.
func (c *Client) readPump() {
	defer c.hub.active.Done()
	defer func() {
		c.shutdown()
		c.hub.Unregister(c)
		c.conn.Close()
		if c.onClose != nil {
			c.onClose(c, c.explicit.Load() && !c.restart.Load())
		}
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.explicit.Store(true)
			} else if !c.explicit.Load() {
				slog.Debug("websocket read ended", "socket_id", c.ID, "error", err)
			}
			return
		}

		var pkt protocol.Packet
		switch messageType {
		case websocket.TextMessage:
			pkt, err = protocol.DecodeText(data)
			if err != nil {
				slog.Debug("dropping malformed frame", "socket_id", c.ID, "error", err)
				continue
			}
		case websocket.BinaryMessage:
			var ok bool
			if pkt, ok = c.decode(data); !ok {
				slog.Debug("dropping undecodable binary frame", "socket_id", c.ID)
				continue
			}
		default:
			continue
		}

		switch pkt.Event {
		case protocol.EventAck:
			c.resolveAck(pkt.Ack, pkt.Data)
		case protocol.EventDisconnect:
			c.Kick()
			return
		default:
			if fn, ok := c.handlers[pkt.Event]; ok {
				fn(c, pkt)
			}
		}
	}
}

// writePump pumps messages from the send queue to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case f := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(f.messageType, f.data); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			c.drain()
			code := websocket.CloseNormalClosure
			if c.restart.Load() {
				code = websocket.CloseServiceRestart
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
			return
		}
	}
}

// drain flushes whatever is already queued before the close frame.
func (c *Client) drain() {
	for {
		select {
		case f := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(f.messageType, f.data); err != nil {
				return
			}
		default:
			return
		}
	}
}
