// Package bus carries hub operations between server processes. Every
// process subscribes, including the publisher, so local and remote sockets
// are reached through the same path.
package bus

import (
	"context"
	"encoding/json"
	"sync"
)

type Kind string

const (
	KindEmit  Kind = "emit"
	KindJoin  Kind = "join"
	KindLeave Kind = "leave"
)

// Receipt asks the process owning the target socket to wait for a client
// ack and record the message as delivered.
type Receipt struct {
	TenantKey string `json:"tenantKey"`
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	FromID    string `json:"fromId"`
	ToID      string `json:"toId"`
}

// Message targets either a single socket or the union of some hub groups.
// Except excludes one socket from a group emit. Join and leave name one
// Group.
type Message struct {
	Kind    Kind            `json:"kind"`
	Group   string          `json:"group,omitempty"`
	Groups  []string        `json:"groups,omitempty"`
	Socket  string          `json:"socket,omitempty"`
	Except  string          `json:"except,omitempty"`
	Event   string          `json:"event,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Receipt *Receipt        `json:"receipt,omitempty"`
}

type Handler func(Message)

type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(h Handler) error
	Close() error
}

// Local delivers in-process only. It is the bus for single-instance
// deployments and tests.
type Local struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewLocal() *Local { return &Local{} }

func (l *Local) Publish(_ context.Context, msg Message) error {
	l.mu.RLock()
	handlers := l.handlers
	l.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (l *Local) Subscribe(h Handler) error {
	l.mu.Lock()
	l.handlers = append(l.handlers, h)
	l.mu.Unlock()
	return nil
}

func (l *Local) Close() error { return nil }
