package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/nacl/box"

	"github.com/TernSecure/realtime-server/internal/bus"
	"github.com/TernSecure/realtime-server/internal/chat"
	"github.com/TernSecure/realtime-server/internal/encryption"
	"github.com/TernSecure/realtime-server/internal/middleware"
	"github.com/TernSecure/realtime-server/internal/models"
	"github.com/TernSecure/realtime-server/internal/presence"
	"github.com/TernSecure/realtime-server/internal/protocol"
	"github.com/TernSecure/realtime-server/internal/registry"
	"github.com/TernSecure/realtime-server/internal/store"
	"github.com/TernSecure/realtime-server/internal/store/memstore"
	"github.com/TernSecure/realtime-server/internal/store/redisstore"
	"github.com/TernSecure/realtime-server/internal/telemetry"
	"github.com/TernSecure/realtime-server/internal/ws"
)

type stack struct {
	orch     *Orchestrator
	registry *registry.Registry
	sessions store.SessionStore
	layer    *encryption.Layer
	mini     *miniredis.Miniredis
	srv      *httptest.Server
}

type stackOptions struct {
	grace     time.Duration
	encrypted bool
	// memorySessions keeps sessions out of Redis, so the connect sequence
	// gets past authentication when Redis is down.
	memorySessions bool
}

func newStack(t *testing.T, opts stackOptions) *stack {
	t.Helper()
	if opts.grace == 0 {
		opts.grace = time.Second
	}
	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr(), MaxRetries: -1})

	hub := ws.NewHub(bus.NewLocal(), time.Second)
	if err := hub.Attach(); err != nil {
		t.Fatal(err)
	}
	metrics := telemetry.NewMetrics()
	reg := registry.New(rdb, time.Hour)

	s := &stack{registry: reg, mini: m}
	if opts.memorySessions {
		s.sessions = memstore.NewSessionStore()
	} else {
		s.sessions = redisstore.NewSessionStore(rdb, time.Hour)
	}
	if opts.encrypted {
		kp, err := encryption.GenerateKeyPair()
		if err != nil {
			t.Fatal(err)
		}
		s.layer = encryption.NewLayer(kp)
	}

	s.orch = New(Options{
		Hub:         hub,
		Upgrader:    ws.NewUpgrader(nil),
		Sessions:    s.sessions,
		Registry:    reg,
		Presence:    presence.New(rdb, reg, hub, time.Minute),
		Chat:        chat.NewEngine(chat.NewStore(rdb, time.Hour), reg, hub, metrics),
		Metrics:     metrics,
		GracePeriod: opts.grace,
		Layer:       s.layer,
	})
	go hub.Run()

	authn := &middleware.Authenticator{Sessions: s.sessions, Mode: middleware.ModeFallback}
	s.srv = httptest.NewServer(authn.AuthMiddleware(s.orch))
	t.Cleanup(func() {
		s.srv.Close()
		hub.Stop()
		s.orch.Stop()
		rdb.Close()
	})
	return s
}

type frame struct {
	kind int
	data []byte
}

// peer is the test's side of one websocket connection. A single goroutine
// reads the socket; the test consumes frames from the channel.
type peer struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan frame
	quit   chan struct{}

	session   sessionEvent
	sync      []models.PresenceEntry
	public    *[32]byte
	private   *[32]byte
	serverKey *[32]byte
}

func (s *stack) dial(t *testing.T, tenant, client string) *peer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/?clientId=" + client + "&tenantKey=" + tenant
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s failed: %v", client, err)
	}
	p := &peer{t: t, conn: conn, frames: make(chan frame, 64), quit: make(chan struct{})}
	t.Cleanup(func() {
		close(p.quit)
		conn.Close()
	})
	go p.read()
	return p
}

func (s *stack) connect(t *testing.T, tenant, client string) *peer {
	t.Helper()
	p := s.dial(t, tenant, client)
	first := p.next(2 * time.Second)
	if first == nil || first.Event != protocol.EventSession {
		t.Fatalf("expected session event first, got %+v", first)
	}
	first.Bind(&p.session)
	p.expect(protocol.EventPresenceSync).Bind(&p.sync)
	return p
}

func (p *peer) read() {
	defer close(p.frames)
	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case p.frames <- frame{kind, data}:
		case <-p.quit:
			return
		}
	}
}

func (p *peer) send(pkt protocol.Packet) {
	p.t.Helper()
	if p.serverKey != nil {
		body, err := protocol.MarshalEnvelope(pkt)
		if err != nil {
			p.t.Fatal(err)
		}
		var nonce [24]byte
		rand.Read(nonce[:])
		sealed := box.Seal(nonce[:], body, &nonce, p.serverKey, p.private)
		if err := p.conn.WriteMessage(websocket.BinaryMessage, append([]byte{protocol.FrameEncrypted}, sealed...)); err != nil {
			p.t.Fatal(err)
		}
		return
	}
	if err := p.conn.WriteJSON(pkt); err != nil {
		p.t.Fatal(err)
	}
}

func (p *peer) emit(event string, data interface{}, ack uint64) {
	p.t.Helper()
	pkt, err := protocol.NewPacket(event, data)
	if err != nil {
		p.t.Fatal(err)
	}
	pkt.Ack = ack
	p.send(pkt)
}

// next returns the next packet, or nil once d passes in silence or the
// connection has closed.
func (p *peer) next(d time.Duration) *protocol.Packet {
	p.t.Helper()
	select {
	case f, ok := <-p.frames:
		if !ok {
			return nil
		}
		return p.decode(f)
	case <-time.After(d):
		return nil
	}
}

func (p *peer) decode(f frame) *protocol.Packet {
	p.t.Helper()
	if f.kind == websocket.BinaryMessage {
		if f.data[0] != protocol.FrameEncrypted || p.serverKey == nil {
			p.t.Fatalf("unexpected binary frame % x", f.data[:1])
		}
		var nonce [24]byte
		copy(nonce[:], f.data[1:25])
		plain, ok := box.Open(nil, f.data[25:], &nonce, p.serverKey, p.private)
		if !ok {
			p.t.Fatal("could not open sealed frame")
		}
		pkt, err := protocol.UnmarshalEnvelope(plain)
		if err != nil {
			p.t.Fatal(err)
		}
		return &pkt
	}
	pkt, err := protocol.DecodeText(f.data)
	if err != nil {
		p.t.Fatal(err)
	}
	return &pkt
}

// expect skips frames until one carrying event arrives.
func (p *peer) expect(event string) protocol.Packet {
	p.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		pkt := p.next(remaining)
		if pkt == nil {
			break
		}
		if pkt.Event == event {
			return *pkt
		}
	}
	p.t.Fatalf("never received %s", event)
	return protocol.Packet{}
}

// collect gathers every event name received during d.
func (p *peer) collect(d time.Duration) []string {
	p.t.Helper()
	var events []string
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return events
		}
		pkt := p.next(remaining)
		if pkt == nil {
			return events
		}
		events = append(events, pkt.Event)
	}
}

// closedWithin reports whether the server closed the connection within d.
// Frames still in flight are discarded.
func (p *peer) closedWithin(d time.Duration) bool {
	timeout := time.After(d)
	for {
		select {
		case _, ok := <-p.frames:
			if !ok {
				return true
			}
		case <-timeout:
			return false
		}
	}
}

func (p *peer) closeNormally() {
	p.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	p.conn.Close()
}

func (p *peer) drop() { p.conn.UnderlyingConn().Close() }

func count(events []string, event string) int {
	n := 0
	for _, e := range events {
		if e == event {
			n++
		}
	}
	return n
}

func TestConnectSequence(t *testing.T) {
	s := newStack(t, stackOptions{})
	alice := s.connect(t, "t1", "alice")

	if alice.session.SessionID == "" {
		t.Error("session event carried no session id")
	}
	bob := s.connect(t, "t1", "bob")
	enter := alice.expect(protocol.EventPresenceEnter)
	var entry models.PresenceEntry
	enter.Bind(&entry)
	if entry.ClientID != "bob" || entry.Presence.Status != presence.StatusOnline {
		t.Errorf("unexpected presence:enter %+v", entry)
	}
	if n := count(bob.collect(200*time.Millisecond), protocol.EventPresenceEnter); n != 0 {
		t.Errorf("joining socket should not see its own enter, got %d", n)
	}

	clients, _ := s.registry.Clients(context.Background(), "t1")
	if len(clients) != 2 {
		t.Errorf("expected two registered identities, got %v", clients)
	}
}

func TestOfflineDeliveryExactlyOnce(t *testing.T) {
	s := newStack(t, stackOptions{})
	alice := s.connect(t, "t1", "alice")
	alice.emit(protocol.EventChatSubscribeStatus, nil, 0)

	alice.emit(protocol.EventChatPrivate, chat.SendRequest{TargetID: "bob", Message: "hi"}, 0)
	var st models.MessageStatus
	alice.expect(protocol.EventChatStatus).Bind(&st)
	if st.Status != models.StatusServerReceived {
		t.Fatalf("expected server_received, got %s", st.Status)
	}
	echo := alice.expect(protocol.EventChatMessage)
	if echo.Ack != 0 {
		t.Error("sender echo should not request an ack")
	}
	if n := count(alice.collect(200*time.Millisecond), protocol.EventChatStatus); n != 0 {
		t.Error("no sent status expected while the recipient is offline")
	}

	bob := s.connect(t, "t1", "bob")
	queued := bob.expect(protocol.EventChatMessage)
	var msg models.ChatMessage
	queued.Bind(&msg)
	if msg.Message != "hi" || msg.FromID != "alice" || queued.Ack == 0 {
		t.Fatalf("unexpected queued delivery %+v", queued)
	}
	bob.send(protocol.Packet{Event: protocol.EventAck, Ack: queued.Ack})

	alice.expect(protocol.EventChatStatus).Bind(&st)
	if st.Status != models.StatusDelivered || st.MessageID != msg.MessageID {
		t.Errorf("expected delivered for %s, got %+v", msg.MessageID, st)
	}

	bob.closeNormally()
	alice.expect(protocol.EventPresenceLeave)

	again := s.connect(t, "t1", "bob")
	if n := count(again.collect(300*time.Millisecond), protocol.EventChatMessage); n != 0 {
		t.Errorf("queued message delivered %d more times", n)
	}
}

func TestOnlineSendReachesEveryDevice(t *testing.T) {
	s := newStack(t, stackOptions{})
	alice := s.connect(t, "t1", "alice")
	phone := s.connect(t, "t1", "bob")
	laptop := s.connect(t, "t1", "bob")

	alice.emit(protocol.EventChatPrivate, chat.SendRequest{TargetID: "bob", Message: "hey"}, 9)
	for _, p := range []*peer{phone, laptop} {
		if pkt := p.expect(protocol.EventChatMessage); pkt.Ack == 0 {
			t.Error("recipient delivery should request an ack")
		}
	}

	var acked, sent bool
	for !acked || !sent {
		pkt := alice.next(2 * time.Second)
		if pkt == nil {
			t.Fatalf("acked=%v sent=%v before silence", acked, sent)
		}
		switch pkt.Event {
		case protocol.EventAck:
			acked = pkt.Ack == 9
		case protocol.EventChatStatus:
			var st models.MessageStatus
			pkt.Bind(&st)
			sent = sent || st.Status == models.StatusSent
		}
	}

	phone.emit(protocol.EventChatTyping, chat.TypingRequest{TargetID: "alice", IsTyping: true}, 0)
	alice.expect(protocol.EventChatTyping)
	if n := count(phone.collect(200*time.Millisecond), protocol.EventChatTyping); n != 0 {
		t.Error("typing should not echo to the typing socket")
	}
}

func TestMultiDevicePresence(t *testing.T) {
	s := newStack(t, stackOptions{})
	alice := s.connect(t, "t1", "alice")
	phone := s.connect(t, "t1", "bob")
	laptop := s.connect(t, "t1", "bob")
	alice.collect(200 * time.Millisecond)

	phone.closeNormally()
	if n := count(alice.collect(300*time.Millisecond), protocol.EventPresenceLeave); n != 0 {
		t.Fatal("leave announced while another device is connected")
	}

	laptop.closeNormally()
	if n := count(alice.collect(500*time.Millisecond), protocol.EventPresenceLeave); n != 1 {
		t.Errorf("expected exactly one leave, got %d", n)
	}
}

func TestReconnectWithinGracePeriod(t *testing.T) {
	s := newStack(t, stackOptions{grace: 300 * time.Millisecond})
	alice := s.connect(t, "t1", "alice")
	bob := s.connect(t, "t1", "bob")
	alice.collect(100 * time.Millisecond)

	bob.drop()
	time.Sleep(50 * time.Millisecond)
	s.connect(t, "t1", "bob")

	if n := count(alice.collect(600*time.Millisecond), protocol.EventPresenceLeave); n != 0 {
		t.Errorf("reconnect within grace period still announced %d leaves", n)
	}
	if n := s.orch.PendingCleanups(); n != 0 {
		t.Errorf("expected no pending cleanups, got %d", n)
	}
	clients, _ := s.registry.Clients(context.Background(), "t1")
	if len(clients) != 2 {
		t.Errorf("bob should still be registered, got %v", clients)
	}
}

func TestLeaveAfterGracePeriod(t *testing.T) {
	s := newStack(t, stackOptions{grace: 200 * time.Millisecond})
	alice := s.connect(t, "t1", "alice")
	bob := s.connect(t, "t1", "bob")
	alice.collect(100 * time.Millisecond)

	bob.drop()
	if n := count(alice.collect(100*time.Millisecond), protocol.EventPresenceLeave); n != 0 {
		t.Fatal("leave announced before the grace period ended")
	}
	if n := count(alice.collect(600*time.Millisecond), protocol.EventPresenceLeave); n != 1 {
		t.Errorf("expected exactly one leave, got %d", n)
	}

	sockets, _ := s.registry.Sockets(context.Background(), "t1", "bob")
	if len(sockets) != 0 {
		t.Errorf("dropped socket still routable: %v", sockets)
	}
}

func TestEventErrorsKeepConnection(t *testing.T) {
	s := newStack(t, stackOptions{})
	alice := s.connect(t, "t1", "alice")

	alice.emit(protocol.EventChatMessages, chat.HistoryRequest{RoomID: "bob_carol"}, 3)
	var failure ackError
	alice.expect(protocol.EventAck).Bind(&failure)
	if failure.Error == "" {
		t.Error("expected an error ack")
	}
	alice.expect(protocol.EventChatError)

	alice.emit(protocol.EventPresenceUpdate, "away", 4)
	var entry models.PresenceEntry
	alice.expect(protocol.EventAck).Bind(&entry)
	if entry.Presence.Status != "away" {
		t.Errorf("expected away, got %+v", entry)
	}
}

func TestEncryptedSession(t *testing.T) {
	s := newStack(t, stackOptions{encrypted: true})
	alice := s.connect(t, "t1", "alice")

	if alice.session.ServerPublicKey != s.layer.PublicKey() {
		t.Fatal("session event should carry the server public key")
	}
	serverKey, err := encryption.DecodeKey(alice.session.ServerPublicKey)
	if err != nil {
		t.Fatal(err)
	}
	alice.public, alice.private, err = box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	alice.emit(protocol.EventClientPublicKey, base64.StdEncoding.EncodeToString(alice.public[:]), 0)
	alice.expect(protocol.EventEncryptionReady)
	alice.serverKey = serverKey

	// Garbage is dropped without closing the connection.
	alice.conn.WriteMessage(websocket.BinaryMessage, []byte{protocol.FrameEncrypted, 1, 2, 3})

	alice.emit(protocol.EventPresenceUpdate, map[string]string{"status": "busy", "customMessage": "focus"}, 11)
	reply := alice.expect(protocol.EventAck)
	if reply.Ack != 11 {
		t.Errorf("expected ack 11, got %d", reply.Ack)
	}
	var entry models.PresenceEntry
	if err := json.Unmarshal(reply.Data, &entry); err != nil {
		t.Fatal(err)
	}
	if entry.Presence.CustomMessage != "focus" {
		t.Errorf("unexpected entry %+v", entry)
	}

	session, err := s.sessions.FindSession(context.Background(), alice.session.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if !session.EncryptionReady {
		t.Error("session should record the client key")
	}
}

func TestEncryptionDisabledRejectsKey(t *testing.T) {
	s := newStack(t, stackOptions{})
	alice := s.connect(t, "t1", "alice")
	if alice.session.ServerPublicKey != "" {
		t.Error("no server key expected with encryption disabled")
	}
	alice.emit(protocol.EventClientPublicKey, "AAAA", 0)
	alice.expect(protocol.EventChatError)
}

func TestUpdateReachesOtherDevices(t *testing.T) {
	s := newStack(t, stackOptions{})
	phone := s.connect(t, "t1", "bob")
	laptop := s.connect(t, "t1", "bob")

	phone.emit(protocol.EventPresenceUpdate, "away", 0)
	var entry models.PresenceEntry
	laptop.expect(protocol.EventPresenceUpdate).Bind(&entry)
	if entry.ClientID != "bob" || entry.Presence.Status != "away" {
		t.Errorf("second device saw %+v", entry)
	}
	phone.expect(protocol.EventPresenceUpdate)
}

func TestSecondDeviceKeepsStatus(t *testing.T) {
	s := newStack(t, stackOptions{})
	alice := s.connect(t, "t1", "alice")
	phone := s.connect(t, "t1", "bob")
	alice.expect(protocol.EventPresenceEnter)

	phone.emit(protocol.EventPresenceUpdate, map[string]string{"status": "busy", "customMessage": "meeting"}, 5)
	phone.expect(protocol.EventAck)
	alice.expect(protocol.EventPresenceUpdate)

	laptop := s.connect(t, "t1", "bob")
	var bob *models.PresenceEntry
	for i := range laptop.sync {
		if laptop.sync[i].ClientID == "bob" {
			bob = &laptop.sync[i]
		}
	}
	if bob == nil || bob.Presence.Status != "busy" || bob.Presence.CustomMessage != "meeting" {
		t.Errorf("new device should see the current status, got %+v", laptop.sync)
	}
	if n := count(alice.collect(300*time.Millisecond), protocol.EventPresenceEnter); n != 0 {
		t.Errorf("second device re-announced bob %d times", n)
	}
}

func TestStoreFailureKeepsConnection(t *testing.T) {
	s := newStack(t, stackOptions{})
	alice := s.connect(t, "t1", "alice")
	s.mini.Close()

	alice.emit(protocol.EventPresenceUpdate, "away", 0)
	var failure errorEvent
	alice.expect(protocol.EventChatError).Bind(&failure)
	if failure.Message != "Service temporarily unavailable" {
		t.Errorf("store failure should be reported generically, got %q", failure.Message)
	}

	// Validation runs before any store access, so a reply proves the socket
	// is still served.
	alice.emit(protocol.EventChatPrivate, chat.SendRequest{TargetID: "alice", Message: "hi"}, 0)
	alice.expect(protocol.EventChatError).Bind(&failure)
	if !strings.Contains(failure.Message, "cannot message yourself") {
		t.Errorf("unexpected error %q", failure.Message)
	}
}

func TestRegistrationFailureClosesSocket(t *testing.T) {
	s := newStack(t, stackOptions{memorySessions: true})
	s.mini.Close()

	alice := s.dial(t, "t1", "alice")
	pkt := alice.next(2 * time.Second)
	if pkt == nil || pkt.Event != protocol.EventChatError {
		t.Fatalf("expected chat:error before anything else, got %+v", pkt)
	}
	var failure errorEvent
	pkt.Bind(&failure)
	if failure.Message != "Service temporarily unavailable" {
		t.Errorf("unexpected error %q", failure.Message)
	}
	if !alice.closedWithin(2 * time.Second) {
		t.Error("socket should be closed after a failed registration")
	}
}
