// Package encryption implements per-session box encryption for websocket
// traffic plus the server keypair lifecycle.
package encryption

import (
	"crypto/rand"
	"fmt"
	"sync"

	"golang.org/x/crypto/nacl/box"

	"github.com/TernSecure/realtime-server/internal/models"
	"github.com/TernSecure/realtime-server/internal/protocol"
)

const nonceSize = 24

// Layer seals and opens binary frames with the server keypair.
type Layer struct {
	kp *KeyPair
}

func NewLayer(kp *KeyPair) *Layer {
	return &Layer{kp: kp}
}

func (l *Layer) PublicKey() string { return l.kp.PublicKeyString() }

// Peer is one connection's view of the client key. It becomes ready once a
// valid client public key has been set.
type Peer struct {
	mu     sync.RWMutex
	shared *[32]byte
}

func (l *Layer) NewPeer() *Peer { return &Peer{} }

// SetPublicKey precomputes the shared key for a base64 client key.
func (l *Layer) SetPublicKey(p *Peer, clientKey string) error {
	pub, err := DecodeKey(clientKey)
	if err != nil {
		return err
	}
	shared := new([32]byte)
	box.Precompute(shared, pub, l.kp.Private)

	p.mu.Lock()
	p.shared = shared
	p.mu.Unlock()
	return nil
}

func (p *Peer) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.shared != nil
}

func (p *Peer) sharedKey() *[32]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.shared
}

// Seal returns nonce || box(plaintext).
func (l *Layer) Seal(p *Peer, plaintext []byte) ([]byte, error) {
	shared := p.sharedKey()
	if shared == nil {
		return nil, fmt.Errorf("%w: peer has no public key", models.ErrEncryption)
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	return box.SealAfterPrecomputation(nonce[:], plaintext, &nonce, shared), nil
}

func (l *Layer) Open(p *Peer, sealed []byte) ([]byte, error) {
	shared := p.sharedKey()
	if shared == nil {
		return nil, fmt.Errorf("%w: peer has no public key", models.ErrEncryption)
	}
	if len(sealed) < nonceSize+box.Overhead {
		return nil, fmt.Errorf("%w: frame too short", models.ErrEncryption)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := box.OpenAfterPrecomputation(nil, sealed[nonceSize:], &nonce, shared)
	if !ok {
		return nil, fmt.Errorf("%w: authentication failed", models.ErrEncryption)
	}
	return plain, nil
}

// EncodeFrame seals a packet into a 0x01 binary frame.
func (l *Layer) EncodeFrame(p *Peer, pkt protocol.Packet) ([]byte, error) {
	body, err := protocol.MarshalEnvelope(pkt)
	if err != nil {
		return nil, err
	}
	sealed, err := l.Seal(p, body)
	if err != nil {
		return nil, err
	}
	return append([]byte{protocol.FrameEncrypted}, sealed...), nil
}

// DecodeFrame turns a binary frame back into a packet. Any failure yields
// false and the frame should be dropped.
func (l *Layer) DecodeFrame(p *Peer, frame []byte) (protocol.Packet, bool) {
	if len(frame) < 2 {
		return protocol.Packet{}, false
	}
	body := frame[1:]
	switch frame[0] {
	case protocol.FrameEncrypted:
		plain, err := l.Open(p, body)
		if err != nil {
			return protocol.Packet{}, false
		}
		body = plain
	case protocol.FramePlain:
	default:
		return protocol.Packet{}, false
	}
	pkt, err := protocol.UnmarshalEnvelope(body)
	if err != nil {
		return protocol.Packet{}, false
	}
	return pkt, true
}

// Emitter is the outbound side of a connection.
type Emitter interface {
	Emit(pkt protocol.Packet) error
	EmitBinary(frame []byte) error
}

type sealingEmitter struct {
	layer *Layer
	peer  *Peer
	next  Emitter
}

// Wrap decorates next so that, once the peer is ready, every event outside
// the plain allow-list goes out as a sealed binary frame.
func (l *Layer) Wrap(p *Peer, next Emitter) Emitter {
	return &sealingEmitter{layer: l, peer: p, next: next}
}

func (e *sealingEmitter) Emit(pkt protocol.Packet) error {
	if protocol.AlwaysPlain(pkt.Event) || !e.peer.Ready() {
		return e.next.Emit(pkt)
	}
	frame, err := e.layer.EncodeFrame(e.peer, pkt)
	if err != nil {
		return err
	}
	return e.next.EmitBinary(frame)
}

func (e *sealingEmitter) EmitBinary(frame []byte) error {
	return e.next.EmitBinary(frame)
}
