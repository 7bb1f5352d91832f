package encryption

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/nacl/box"

	"github.com/TernSecure/realtime-server/internal/keys"
	"github.com/TernSecure/realtime-server/internal/protocol"
)

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, m
}

func TestLoadOrGenerateShared(t *testing.T) {
	ctx := context.Background()
	rdb, _ := newRedis(t)

	first, err := LoadOrGenerate(ctx, rdb)
	if err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}
	second, err := LoadOrGenerate(ctx, rdb)
	if err != nil {
		t.Fatal(err)
	}
	if *first.Public != *second.Public {
		t.Error("second load should reuse the stored keypair")
	}
}

func TestLoadOrGenerateReplacesGarbage(t *testing.T) {
	ctx := context.Background()
	rdb, m := newRedis(t)
	m.Set(keys.ServerKeyPair, "not json")

	kp, err := LoadOrGenerate(ctx, rdb)
	if err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}
	stored, _ := m.Get(keys.ServerKeyPair)
	reparsed, err := parseKeyPair(stored)
	if err != nil {
		t.Fatalf("stored keypair should be parsable: %v", err)
	}
	if *reparsed.Public != *kp.Public {
		t.Error("returned keypair differs from stored one")
	}
}

type clientSide struct {
	pub, priv *[32]byte
}

func newClient(t *testing.T) clientSide {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return clientSide{pub, priv}
}

func TestSealOpenRoundTrip(t *testing.T) {
	kp, _ := GenerateKeyPair()
	layer := NewLayer(kp)
	client := newClient(t)

	peer := layer.NewPeer()
	if peer.Ready() {
		t.Fatal("new peer should not be ready")
	}
	if err := layer.SetPublicKey(peer, base64.StdEncoding.EncodeToString(client.pub[:])); err != nil {
		t.Fatal(err)
	}

	pkt, _ := protocol.NewPacket(protocol.EventChatMessage, map[string]string{"message": "hi"})
	frame, err := layer.EncodeFrame(peer, pkt)
	if err != nil {
		t.Fatal(err)
	}
	if frame[0] != protocol.FrameEncrypted {
		t.Fatalf("expected encrypted flag, got %x", frame[0])
	}

	// The client opens with its own private key and the server public key.
	var nonce [24]byte
	copy(nonce[:], frame[1:25])
	body, ok := box.Open(nil, frame[25:], &nonce, kp.Public, client.priv)
	if !ok {
		t.Fatal("client could not open server frame")
	}
	got, err := protocol.UnmarshalEnvelope(body)
	if err != nil || got.Event != protocol.EventChatMessage {
		t.Errorf("unexpected envelope: %+v %v", got, err)
	}

	// And the server opens what the client seals.
	sealed := box.Seal(nonce[:], body, &nonce, kp.Public, client.priv)
	inbound, ok := layer.DecodeFrame(peer, append([]byte{protocol.FrameEncrypted}, sealed...))
	if !ok || inbound.Event != protocol.EventChatMessage {
		t.Errorf("server could not open client frame: %+v", inbound)
	}
}

func TestDecodeFrameWrongKey(t *testing.T) {
	kp, _ := GenerateKeyPair()
	layer := NewLayer(kp)
	alice := newClient(t)
	mallory := newClient(t)

	peer := layer.NewPeer()
	layer.SetPublicKey(peer, base64.StdEncoding.EncodeToString(alice.pub[:]))

	body, _ := protocol.MarshalEnvelope(protocol.Packet{Event: "chat:private"})
	var nonce [24]byte
	sealed := box.Seal(nonce[:], body, &nonce, kp.Public, mallory.priv)

	if _, ok := layer.DecodeFrame(peer, append([]byte{protocol.FrameEncrypted}, sealed...)); ok {
		t.Error("frame sealed with the wrong key must be rejected")
	}
	if _, ok := layer.DecodeFrame(peer, []byte{0x07, 0x01}); ok {
		t.Error("unknown flag must be rejected")
	}
}

func TestDecodePlainFrame(t *testing.T) {
	kp, _ := GenerateKeyPair()
	layer := NewLayer(kp)
	body, _ := protocol.MarshalEnvelope(protocol.Packet{Event: "presence:heartbeat"})
	frame := append([]byte{protocol.FramePlain}, body...)

	pkt, ok := layer.DecodeFrame(layer.NewPeer(), frame)
	if !ok || pkt.Event != "presence:heartbeat" {
		t.Errorf("plain frame not decoded: %+v", pkt)
	}
}

func TestSetPublicKeyRejectsBadKey(t *testing.T) {
	kp, _ := GenerateKeyPair()
	layer := NewLayer(kp)
	peer := layer.NewPeer()
	if err := layer.SetPublicKey(peer, "c2hvcnQ="); err == nil {
		t.Error("short key should be rejected")
	}
	if peer.Ready() {
		t.Error("peer must stay not ready after a bad key")
	}
}

type recorder struct {
	text   []protocol.Packet
	binary [][]byte
}

func (r *recorder) Emit(p protocol.Packet) error { r.text = append(r.text, p); return nil }
func (r *recorder) EmitBinary(b []byte) error    { r.binary = append(r.binary, b); return nil }

func TestWrapAllowList(t *testing.T) {
	kp, _ := GenerateKeyPair()
	layer := NewLayer(kp)
	client := newClient(t)
	peer := layer.NewPeer()
	rec := &recorder{}
	em := layer.Wrap(peer, rec)

	em.Emit(protocol.Packet{Event: protocol.EventChatMessage})
	if len(rec.text) != 1 {
		t.Fatal("events before key exchange should go out plain")
	}

	layer.SetPublicKey(peer, base64.StdEncoding.EncodeToString(client.pub[:]))
	em.Emit(protocol.Packet{Event: protocol.EventEncryptionReady})
	em.Emit(protocol.Packet{Event: protocol.EventChatMessage})

	if len(rec.text) != 2 || rec.text[1].Event != protocol.EventEncryptionReady {
		t.Errorf("allow-listed event should stay plain: %+v", rec.text)
	}
	if len(rec.binary) != 1 || rec.binary[0][0] != protocol.FrameEncrypted {
		t.Errorf("chat:message should be sealed once ready")
	}
}
