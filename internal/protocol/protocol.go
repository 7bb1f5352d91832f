// Package protocol defines the wire format shared by every connection: JSON
// text frames carrying {event, data, ack}, and binary frames carrying the
// same envelope in CBOR, optionally sealed.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	EventSession    = "session"
	EventDisconnect = "disconnect"
	EventAck        = "ack"

	EventClientPublicKey = "client:publicKey"
	EventEncryptionReady = "encryption:ready"

	EventPresenceUpdate    = "presence:update"
	EventPresenceHeartbeat = "presence:heartbeat"
	EventPresenceSync      = "presence:sync"
	EventPresenceEnter     = "presence:enter"
	EventPresenceLeave     = "presence:leave"

	EventChatPrivate           = "chat:private"
	EventChatTyping            = "chat:typing"
	EventChatStatus            = "chat:status"
	EventChatSubscribeStatus   = "chat:subscribe_status"
	EventChatUnsubscribeStatus = "chat:unsubscribe_status"
	EventChatMessages          = "chat:messages"
	EventChatConversations     = "chat:conversations"
	EventChatMessage           = "chat:message"
	EventChatError             = "chat:error"
)

// Binary frame flags.
const (
	FramePlain     byte = 0x00
	FrameEncrypted byte = 0x01
)

var ErrMalformed = errors.New("malformed frame")

// Packet is one event in either direction. A non-zero Ack on an inbound
// packet asks for a reply; on an outbound "ack" packet it names the request
// being answered.
type Packet struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
}

// NewPacket marshals data into a packet for event.
func NewPacket(event string, data interface{}) (Packet, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Event: event, Data: raw}, nil
}

// Bind decodes the packet payload into v.
func (p Packet) Bind(v interface{}) error {
	if len(p.Data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if err := json.Unmarshal(p.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func EncodeText(p Packet) ([]byte, error) {
	return json.Marshal(p)
}

func DecodeText(frame []byte) (Packet, error) {
	var p Packet
	if err := json.Unmarshal(frame, &p); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.Event == "" {
		return Packet{}, fmt.Errorf("%w: missing event", ErrMalformed)
	}
	return p, nil
}

type envelope struct {
	Event string `cbor:"event"`
	Data  []byte `cbor:"data,omitempty"`
	Ack   uint64 `cbor:"ack,omitempty"`
}

// MarshalEnvelope encodes a packet as the CBOR body of a binary frame.
func MarshalEnvelope(p Packet) ([]byte, error) {
	return cbor.Marshal(envelope{Event: p.Event, Data: p.Data, Ack: p.Ack})
}

func UnmarshalEnvelope(body []byte) (Packet, error) {
	var e envelope
	if err := cbor.Unmarshal(body, &e); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.Event == "" {
		return Packet{}, fmt.Errorf("%w: missing event", ErrMalformed)
	}
	return Packet{Event: e.Event, Data: e.Data, Ack: e.Ack}, nil
}

// unencrypted lists the events that must stay readable before a key exchange
// has completed.
var unencrypted = map[string]bool{
	EventSession:         true,
	EventClientPublicKey: true,
	EventEncryptionReady: true,
}

func AlwaysPlain(event string) bool { return unencrypted[event] }
