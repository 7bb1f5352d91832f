// Package chat delivers private messages between two identities of a tenant:
// persistence, live and offline delivery, delivery-status tracking, history
// and conversation listings.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/TernSecure/realtime-server/internal/bus"
	"github.com/TernSecure/realtime-server/internal/keys"
	"github.com/TernSecure/realtime-server/internal/models"
	"github.com/TernSecure/realtime-server/internal/protocol"
	"github.com/TernSecure/realtime-server/internal/telemetry"
)

// Router reaches sockets and hub groups on any process.
type Router interface {
	EmitToGroup(ctx context.Context, group, except, event string, data interface{}) error
	EmitToGroups(ctx context.Context, groups []string, except, event string, data interface{}) error
	EmitToSocket(ctx context.Context, socketID, event string, data interface{}) error
	DeliverWithAck(ctx context.Context, socketID, event string, data interface{}, r bus.Receipt) error
	JoinGroup(ctx context.Context, socketID, group string) error
	LeaveGroup(ctx context.Context, socketID, group string) error
}

// Sockets resolves an identity's live sockets and the identity behind a
// socket.
type Sockets interface {
	Sockets(ctx context.Context, tenantKey, clientID string) ([]string, error)
	Binding(ctx context.Context, tenantKey, socketID string) (*models.Binding, error)
}

type Engine struct {
	store   *Store
	sockets Sockets
	out     Router
	metrics *telemetry.Metrics
	now     func() time.Time
}

func NewEngine(store *Store, sockets Sockets, out Router, metrics *telemetry.Metrics) *Engine {
	return &Engine{store: store, sockets: sockets, out: out, metrics: metrics, now: time.Now}
}

type SendRequest struct {
	TargetID string                       `json:"targetId"`
	Message  string                       `json:"message"`
	FromData *models.ClientAdditionalData `json:"fromData,omitempty"`
	ToData   *models.ClientAdditionalData `json:"toData,omitempty"`
}

type HistoryRequest struct {
	RoomID   string `json:"roomId"`
	TargetID string `json:"targetId"`
	Before   string `json:"before"`
	After    string `json:"after"`
	Limit    int    `json:"limit"`

	// MessageID asks for a single message instead of a page.
	MessageID string `json:"messageId"`
}

type MessageLookup struct {
	Message   *models.ChatMessage `json:"message"`
	Delivered bool                `json:"delivered"`
}

type ConversationsRequest struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type TypingRequest struct {
	TargetID string `json:"targetId"`
	IsTyping bool   `json:"isTyping"`
}

type typingEvent struct {
	RoomID   string `json:"roomId"`
	ClientID string `json:"clientId"`
	IsTyping bool   `json:"isTyping"`
}

func (e *Engine) status(messageID, roomID, status string) models.MessageStatus {
	return models.MessageStatus{
		MessageID: messageID,
		RoomID:    roomID,
		Status:    status,
		Timestamp: models.Timestamp(e.now()),
	}
}

func validateTarget(from, target string) error {
	if !ValidIdentifier(target) {
		return fmt.Errorf("%w: invalid targetId", models.ErrInvalidInput)
	}
	if !ValidIdentifier(from) {
		return fmt.Errorf("%w: invalid clientId", models.ErrInvalidInput)
	}
	if from == target {
		return fmt.Errorf("%w: cannot message yourself", models.ErrInvalidInput)
	}
	return nil
}

// Send persists a message and fans it out: a server_received status to the
// sending socket, an echo to every device of the sender, a tracked delivery
// to every recipient socket, and a sent status once any socket was targeted.
// With no recipient socket the message waits in the offline queue.
func (e *Engine) Send(ctx context.Context, b models.Binding, req SendRequest) (*models.ChatMessage, error) {
	if err := validateTarget(b.ClientID, req.TargetID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is empty", models.ErrInvalidInput)
	}

	recipients, err := e.sockets.Sockets(ctx, b.TenantKey, req.TargetID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	msg := models.ChatMessage{
		MessageID: NewMessageID(now),
		RoomID:    RoomID(b.ClientID, req.TargetID),
		Message:   req.Message,
		FromID:    b.ClientID,
		ToID:      req.TargetID,
		Timestamp: models.Timestamp(now),
		FromData:  req.FromData,
		ToData:    req.ToData,
	}
	if err := e.store.Save(ctx, b.TenantKey, msg, now, len(recipients) == 0); err != nil {
		return nil, err
	}
	e.metrics.MessageSent(ctx)

	roomGroup := keys.RoomGroup(b.TenantKey, msg.RoomID)
	e.out.EmitToSocket(ctx, b.SocketID, protocol.EventChatStatus, e.status(msg.MessageID, msg.RoomID, models.StatusServerReceived))
	e.out.EmitToGroup(ctx, keys.ClientGroup(b.TenantKey, b.ClientID), "", protocol.EventChatMessage, msg)
	e.out.JoinGroup(ctx, b.SocketID, roomGroup)

	receipt := bus.Receipt{
		TenantKey: b.TenantKey,
		MessageID: msg.MessageID,
		RoomID:    msg.RoomID,
		FromID:    msg.FromID,
		ToID:      msg.ToID,
	}
	for _, socket := range recipients {
		if err := e.out.DeliverWithAck(ctx, socket, protocol.EventChatMessage, msg, receipt); err != nil {
			continue
		}
		e.out.JoinGroup(ctx, socket, roomGroup)
	}
	if len(recipients) > 0 {
		e.out.EmitToSocket(ctx, b.SocketID, protocol.EventChatStatus, e.status(msg.MessageID, msg.RoomID, models.StatusSent))
	}
	return &msg, nil
}

// Delivered closes the loop on a tracked delivery. A confirmed ack is
// recorded and reported to the sender's subscribed sockets; a timeout is
// only counted.
func (e *Engine) Delivered(ctx context.Context, r bus.Receipt, ackErr error) {
	if ackErr != nil {
		e.metrics.DeliveryTimedOut(ctx)
		return
	}
	st := e.status(r.MessageID, r.RoomID, models.StatusDelivered)
	if err := e.store.MarkDelivered(ctx, r.TenantKey, st, r.ToID); err != nil {
		slog.Error("failed to record delivery", "message_id", r.MessageID, "error", err)
		return
	}
	e.metrics.MessageDelivered(ctx)

	subscribers, err := e.store.Subscribers(ctx, r.TenantKey, r.FromID)
	if err != nil {
		return
	}
	for _, socket := range subscribers {
		owner, err := e.sockets.Binding(ctx, r.TenantKey, socket)
		if errors.Is(err, models.ErrSessionNotFound) {
			e.store.Unsubscribe(ctx, r.TenantKey, r.FromID, socket)
			continue
		}
		if err != nil || owner.ClientID != r.FromID {
			continue
		}
		e.out.EmitToSocket(ctx, socket, protocol.EventChatStatus, st)
	}
}

// DeliverOffline hands every queued message to a newly connected socket.
// The queue is drained atomically, so each message goes out once.
func (e *Engine) DeliverOffline(ctx context.Context, b models.Binding) (int, error) {
	messages, err := e.store.PullOffline(ctx, b.TenantKey, b.ClientID)
	if err != nil {
		return 0, err
	}
	for _, msg := range messages {
		receipt := bus.Receipt{
			TenantKey: b.TenantKey,
			MessageID: msg.MessageID,
			RoomID:    msg.RoomID,
			FromID:    msg.FromID,
			ToID:      msg.ToID,
		}
		e.out.DeliverWithAck(ctx, b.SocketID, protocol.EventChatMessage, msg, receipt)
		e.out.JoinGroup(ctx, b.SocketID, keys.RoomGroup(b.TenantKey, msg.RoomID))
	}
	if len(messages) > 0 {
		e.metrics.OfflineDelivered(ctx, len(messages))
	}
	return len(messages), nil
}

// resolveRoom finds the room a history request names, by id or by the other
// participant, and checks the requester belongs to it.
func resolveRoom(b models.Binding, req HistoryRequest) (string, error) {
	roomID := req.RoomID
	if roomID == "" {
		if err := validateTarget(b.ClientID, req.TargetID); err != nil {
			return "", err
		}
		roomID = RoomID(b.ClientID, req.TargetID)
	}
	if err := authorize(roomID, b.ClientID); err != nil {
		return "", err
	}
	return roomID, nil
}

// GetMessages pages through a room the requester participates in.
func (e *Engine) GetMessages(ctx context.Context, b models.Binding, req HistoryRequest) (models.MessagePage, error) {
	roomID, err := resolveRoom(b, req)
	if err != nil {
		return models.MessagePage{}, err
	}
	return e.store.Messages(ctx, b.TenantKey, roomID, req.Before, req.After, req.Limit)
}

// GetMessage looks up req.MessageID in the requester's room along with its
// delivery state.
func (e *Engine) GetMessage(ctx context.Context, b models.Binding, req HistoryRequest) (MessageLookup, error) {
	roomID, err := resolveRoom(b, req)
	if err != nil {
		return MessageLookup{}, err
	}
	msg, err := e.store.GetMessage(ctx, b.TenantKey, roomID, req.MessageID)
	if err != nil {
		return MessageLookup{}, err
	}
	if msg == nil {
		return MessageLookup{}, fmt.Errorf("%w: message not found", models.ErrInvalidInput)
	}
	delivered, err := e.store.IsDelivered(ctx, b.TenantKey, msg.MessageID)
	if err != nil {
		return MessageLookup{}, err
	}
	return MessageLookup{Message: msg, Delivered: delivered}, nil
}

func (e *Engine) ListConversations(ctx context.Context, b models.Binding, req ConversationsRequest) (models.ConversationPage, error) {
	return e.store.Conversations(ctx, b.TenantKey, b.ClientID, req.Limit, req.Offset)
}

// Typing reaches the room, minus the typing socket, and every device of the
// recipient even before it has joined the room.
func (e *Engine) Typing(ctx context.Context, b models.Binding, req TypingRequest) error {
	if err := validateTarget(b.ClientID, req.TargetID); err != nil {
		return err
	}
	roomID := RoomID(b.ClientID, req.TargetID)
	groups := []string{
		keys.RoomGroup(b.TenantKey, roomID),
		keys.ClientGroup(b.TenantKey, req.TargetID),
	}
	return e.out.EmitToGroups(ctx, groups, b.SocketID, protocol.EventChatTyping,
		typingEvent{RoomID: roomID, ClientID: b.ClientID, IsTyping: req.IsTyping})
}

func (e *Engine) SubscribeStatus(ctx context.Context, b models.Binding) error {
	return e.store.Subscribe(ctx, b.TenantKey, b.ClientID, b.SocketID)
}

func (e *Engine) UnsubscribeStatus(ctx context.Context, b models.Binding) error {
	return e.store.Unsubscribe(ctx, b.TenantKey, b.ClientID, b.SocketID)
}

// ReleaseRooms drops the identity from every room it belongs to. A room
// left with no members is emptied on every process.
func (e *Engine) ReleaseRooms(ctx context.Context, tenantKey, clientID string) error {
	rooms, err := e.store.ReleaseRooms(ctx, tenantKey, clientID)
	if err != nil {
		return err
	}
	for _, roomID := range rooms {
		members, err := e.store.Members(ctx, tenantKey, roomID)
		if err != nil {
			return err
		}
		if len(members) == 0 {
			e.out.LeaveGroup(ctx, "", keys.RoomGroup(tenantKey, roomID))
		}
	}
	return nil
}
