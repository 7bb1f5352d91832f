package bus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func waitFor(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus message")
	}
	return Message{}
}

func TestLocalFanOut(t *testing.T) {
	b := NewLocal()
	var got []Message
	b.Subscribe(func(m Message) { got = append(got, m) })
	b.Subscribe(func(m Message) { got = append(got, m) })

	b.Publish(context.Background(), Message{Kind: KindEmit, Groups: []string{"tenant:t1"}, Event: "presence:enter"})

	if len(got) != 2 {
		t.Fatalf("expected both handlers to fire, got %d", len(got))
	}
}

func TestRedisBusRoundTrip(t *testing.T) {
	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rdb.Close()

	b := NewRedis(rdb)
	ch := make(chan Message, 1)
	if err := b.Subscribe(func(m Message) { ch <- m }); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer b.Close()

	sent := Message{
		Kind:    KindEmit,
		Socket:  "sock1",
		Event:   "chat:message",
		Data:    []byte(`{"message":"hi"}`),
		Receipt: &Receipt{TenantKey: "t1", MessageID: "m1"},
	}
	if err := b.Publish(context.Background(), sent); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got := waitFor(t, ch)
	if got.Socket != "sock1" || got.Receipt == nil || got.Receipt.MessageID != "m1" {
		t.Errorf("unexpected message: %+v", got)
	}
}

func TestNATSBusRoundTrip(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	b, err := NewNATS(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer b.Close()

	ch := make(chan Message, 1)
	if err := b.Subscribe(func(m Message) { ch <- m }); err != nil {
		t.Fatal(err)
	}
	b.Publish(context.Background(), Message{Kind: KindJoin, Socket: "s", Group: "room:t:a_b"})

	if got := waitFor(t, ch); got.Kind != KindJoin || got.Group != "room:t:a_b" {
		t.Errorf("unexpected message: %+v", got)
	}
}
