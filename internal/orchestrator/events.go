package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TernSecure/realtime-server/internal/chat"
	"github.com/TernSecure/realtime-server/internal/models"
	"github.com/TernSecure/realtime-server/internal/presence"
	"github.com/TernSecure/realtime-server/internal/protocol"
	"github.com/TernSecure/realtime-server/internal/ws"
)

const eventTimeout = 10 * time.Second

type errorEvent struct {
	Message string `json:"message"`
}

type ackError struct {
	Error string `json:"error"`
}

type readyEvent struct {
	Status string `json:"status"`
}

type publicKeyRequest struct {
	PublicKey string `json:"publicKey"`
}

func (o *Orchestrator) bind(client *ws.Client, conn *connection) {
	b := conn.binding
	on := func(event string, fn func(ctx context.Context, c *ws.Client, pkt protocol.Packet) error) {
		client.On(event, func(c *ws.Client, pkt protocol.Packet) {
			ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
			defer cancel()
			if err := fn(ctx, c, pkt); err != nil {
				slog.Debug("event failed", "event", event, "client_id", b.ClientID, "error", err)
				o.fail(c, pkt, err)
			}
		})
	}

	on(protocol.EventPresenceUpdate, func(ctx context.Context, c *ws.Client, pkt protocol.Packet) error {
		status, custom, err := presence.ParseUpdate(pkt.Data)
		if err != nil {
			return err
		}
		entry, err := o.Presence.Update(ctx, b, status, custom)
		if err != nil {
			return err
		}
		o.Metrics.PresenceUpdated(ctx)
		if pkt.Ack != 0 {
			return c.Reply(pkt, entry)
		}
		return nil
	})

	on(protocol.EventPresenceHeartbeat, func(ctx context.Context, c *ws.Client, pkt protocol.Packet) error {
		if err := o.Presence.Heartbeat(ctx, b); err != nil {
			return err
		}
		return o.Sessions.UpdateConnectionStatus(ctx, b.SessionID, b.SocketID, true)
	})

	on(protocol.EventChatPrivate, func(ctx context.Context, c *ws.Client, pkt protocol.Packet) error {
		var req chat.SendRequest
		if err := bindData(pkt, &req); err != nil {
			return err
		}
		msg, err := o.Chat.Send(ctx, b, req)
		if err != nil {
			return err
		}
		if pkt.Ack != 0 {
			return c.Reply(pkt, msg)
		}
		return nil
	})

	on(protocol.EventChatTyping, func(ctx context.Context, c *ws.Client, pkt protocol.Packet) error {
		var req chat.TypingRequest
		if err := bindData(pkt, &req); err != nil {
			return err
		}
		return o.Chat.Typing(ctx, b, req)
	})

	on(protocol.EventChatSubscribeStatus, func(ctx context.Context, c *ws.Client, pkt protocol.Packet) error {
		return o.Chat.SubscribeStatus(ctx, b)
	})

	on(protocol.EventChatUnsubscribeStatus, func(ctx context.Context, c *ws.Client, pkt protocol.Packet) error {
		return o.Chat.UnsubscribeStatus(ctx, b)
	})

	on(protocol.EventChatMessages, func(ctx context.Context, c *ws.Client, pkt protocol.Packet) error {
		var req chat.HistoryRequest
		if err := bindData(pkt, &req); err != nil {
			return err
		}
		if req.MessageID != "" {
			lookup, err := o.Chat.GetMessage(ctx, b, req)
			if err != nil {
				return err
			}
			return c.Reply(pkt, lookup)
		}
		page, err := o.Chat.GetMessages(ctx, b, req)
		if err != nil {
			return err
		}
		return c.Reply(pkt, page)
	})

	on(protocol.EventChatConversations, func(ctx context.Context, c *ws.Client, pkt protocol.Packet) error {
		var req chat.ConversationsRequest
		if err := bindData(pkt, &req); err != nil {
			return err
		}
		page, err := o.Chat.ListConversations(ctx, b, req)
		if err != nil {
			return err
		}
		return c.Reply(pkt, page)
	})

	on(protocol.EventClientPublicKey, func(ctx context.Context, c *ws.Client, pkt protocol.Packet) error {
		if o.Layer == nil {
			return fmt.Errorf("%w: encryption is disabled", models.ErrEncryption)
		}
		key, err := parsePublicKey(pkt.Data)
		if err != nil {
			return err
		}
		if err := o.Layer.SetPublicKey(conn.peer, key); err != nil {
			return err
		}
		if err := o.Sessions.SetClientPublicKey(ctx, b.SessionID, key); err != nil {
			return err
		}
		return c.EmitEvent(protocol.EventEncryptionReady, readyEvent{Status: "ready"})
	})
}

// bindData decodes a request body. An absent body leaves v at its zero
// value.
func bindData(pkt protocol.Packet, v interface{}) error {
	if len(pkt.Data) == 0 {
		return nil
	}
	if err := pkt.Bind(v); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	return nil
}

// parsePublicKey accepts a bare base64 string or {publicKey}.
func parsePublicKey(raw json.RawMessage) (string, error) {
	var bare string
	if json.Unmarshal(raw, &bare) == nil && bare != "" {
		return bare, nil
	}
	var req publicKeyRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.PublicKey == "" {
		return "", fmt.Errorf("%w: publicKey is required", models.ErrInvalidInput)
	}
	return req.PublicKey, nil
}

// fail reports err on the connection. A request that carried an ack id also
// gets {error} as its ack.
func (o *Orchestrator) fail(c *ws.Client, req protocol.Packet, err error) {
	msg := clientMessage(err)
	if req.Ack != 0 {
		c.Reply(req, ackError{Error: msg})
	}
	c.EmitEvent(protocol.EventChatError, errorEvent{Message: msg})
}

func clientMessage(err error) string {
	switch {
	case errors.Is(err, models.ErrStoreUnavailable):
		return "Service temporarily unavailable"
	case errors.Is(err, models.ErrAuthorization):
		return "Not authorized"
	default:
		return err.Error()
	}
}
