package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/TernSecure/realtime-server/internal/keys"
	"github.com/TernSecure/realtime-server/internal/models"
	"github.com/TernSecure/realtime-server/internal/protocol"
	"github.com/TernSecure/realtime-server/internal/registry"
)

type emitted struct {
	target string
	except string
	event  string
	data   interface{}
}

type fakeOut struct {
	mu     sync.Mutex
	events []emitted
}

func (f *fakeOut) EmitToGroup(_ context.Context, group, except, event string, data interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{group, except, event, data})
	return nil
}

func (f *fakeOut) EmitToSocket(_ context.Context, socket, event string, data interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{target: socket, event: event, data: data})
	return nil
}

func setup(t *testing.T) (*Engine, *registry.Registry, *fakeOut, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rdb.Close() })
	reg := registry.New(rdb, time.Hour)
	out := &fakeOut{}
	return New(rdb, reg, out, time.Minute), reg, out, m
}

func TestEnterSyncsAndAnnounces(t *testing.T) {
	ctx := context.Background()
	e, reg, out, _ := setup(t)

	bob := models.Binding{ClientID: "bob", TenantKey: "t1", SocketID: "sb"}
	reg.Register(ctx, bob)
	e.Enter(ctx, bob)

	alice := models.Binding{ClientID: "alice", TenantKey: "t1", SocketID: "sa"}
	reg.Register(ctx, alice)
	out.events = nil
	if err := e.Enter(ctx, alice); err != nil {
		t.Fatalf("Enter failed: %v", err)
	}

	if len(out.events) != 2 {
		t.Fatalf("expected sync and enter, got %+v", out.events)
	}
	syncEv := out.events[0]
	if syncEv.event != protocol.EventPresenceSync || syncEv.target != "sa" {
		t.Errorf("sync should go to the joining socket only: %+v", syncEv)
	}
	if entries := syncEv.data.([]models.PresenceEntry); len(entries) != 2 || entries[0].ClientID != "alice" {
		t.Errorf("unexpected snapshot: %+v", entries)
	}
	enter := out.events[1]
	if enter.event != protocol.EventPresenceEnter || enter.target != keys.TenantGroup("t1") || enter.except != "sa" {
		t.Errorf("enter should go to the tenant except the joiner: %+v", enter)
	}
}

func TestEnterKeepsExistingStatus(t *testing.T) {
	ctx := context.Background()
	e, reg, out, m := setup(t)

	phone := models.Binding{ClientID: "bob", TenantKey: "t1", SocketID: "phone"}
	reg.Register(ctx, phone)
	e.Enter(ctx, phone)
	e.Update(ctx, phone, "busy", "meeting")
	m.FastForward(40 * time.Second)

	laptop := models.Binding{ClientID: "bob", TenantKey: "t1", SocketID: "laptop"}
	reg.Register(ctx, laptop)
	out.events = nil
	if err := e.Enter(ctx, laptop); err != nil {
		t.Fatalf("Enter failed: %v", err)
	}

	if len(out.events) != 1 || out.events[0].event != protocol.EventPresenceSync || out.events[0].target != "laptop" {
		t.Fatalf("second socket should only get a sync, got %+v", out.events)
	}
	entries := out.events[0].data.([]models.PresenceEntry)
	if len(entries) != 1 || entries[0].Presence.Status != "busy" {
		t.Errorf("sync should carry the existing status: %+v", entries)
	}
	p, _ := e.Get(ctx, "t1", "bob")
	if p == nil || p.Status != "busy" || p.CustomMessage != "meeting" || p.SocketID != "phone" {
		t.Errorf("existing record must not be overwritten, got %+v", p)
	}
	if ttl := m.TTL(keys.Presence("t1", "bob")); ttl != time.Minute {
		t.Errorf("expiry should be refreshed on enter, got %v", ttl)
	}
}

func TestUpdateLastWriteWins(t *testing.T) {
	ctx := context.Background()
	e, _, out, _ := setup(t)
	b := models.Binding{ClientID: "alice", TenantKey: "t1", SocketID: "sa"}

	e.Update(ctx, b, "away", "lunch")
	e.Update(ctx, b, "busy", "")

	p, _ := e.Get(ctx, "t1", "alice")
	if p == nil || p.Status != "busy" || p.CustomMessage != "" {
		t.Errorf("expected last update to win, got %+v", p)
	}
	last := out.events[len(out.events)-1]
	if last.event != protocol.EventPresenceUpdate || last.except != "" {
		t.Errorf("update must reach the whole tenant: %+v", last)
	}

	if _, err := e.Update(ctx, b, " ", ""); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for blank status, got %v", err)
	}
}

func TestHeartbeatRecreatesAndRefreshes(t *testing.T) {
	ctx := context.Background()
	e, reg, out, m := setup(t)
	b := models.Binding{ClientID: "alice", TenantKey: "t1", SocketID: "sa"}
	reg.Register(ctx, b)
	e.Enter(ctx, b)
	e.Update(ctx, b, "away", "")
	out.events = nil

	m.FastForward(30 * time.Second)
	if err := e.Heartbeat(ctx, b); err != nil {
		t.Fatal(err)
	}
	if ttl := m.TTL(keys.Presence("t1", "alice")); ttl != time.Minute {
		t.Errorf("presence ttl not refreshed: %v", ttl)
	}
	if p, _ := e.Get(ctx, "t1", "alice"); p.Status != "away" {
		t.Errorf("heartbeat must keep status, got %s", p.Status)
	}

	m.FastForward(2 * time.Minute)
	if snap, _ := e.Snapshot(ctx, "t1"); len(snap) != 0 {
		t.Errorf("expired record should be absent from snapshot: %+v", snap)
	}
	e.Heartbeat(ctx, b)
	if p, _ := e.Get(ctx, "t1", "alice"); p == nil || p.Status != StatusOnline {
		t.Errorf("heartbeat should recreate an online record, got %+v", p)
	}
	if len(out.events) != 0 {
		t.Errorf("heartbeat must not broadcast: %+v", out.events)
	}
}

func TestLeave(t *testing.T) {
	ctx := context.Background()
	e, _, out, _ := setup(t)
	b := models.Binding{ClientID: "alice", TenantKey: "t1", SocketID: "sa"}
	e.Update(ctx, b, "online", "")

	if err := e.Leave(ctx, "t1", "alice"); err != nil {
		t.Fatal(err)
	}
	if p, _ := e.Get(ctx, "t1", "alice"); p != nil {
		t.Error("record should be deleted")
	}
	last := out.events[len(out.events)-1]
	if last.event != protocol.EventPresenceLeave {
		t.Errorf("expected presence:leave, got %s", last.event)
	}
}

func TestParseUpdate(t *testing.T) {
	tests := []struct {
		raw    string
		status string
		custom string
		err    bool
	}{
		{`"away"`, "away", "", false},
		{`{"status":"busy","customMessage":"meeting"}`, "busy", "meeting", false},
		{`42`, "", "", true},
	}
	for _, tt := range tests {
		status, custom, err := ParseUpdate(json.RawMessage(tt.raw))
		if (err != nil) != tt.err || status != tt.status || custom != tt.custom {
			t.Errorf("ParseUpdate(%s) = %q %q %v", tt.raw, status, custom, err)
		}
	}
}
