package models

import "time"

// Session is the identity-level record binding one client to its live
// sockets. Connected always mirrors len(SocketIDs) > 0.
type Session struct {
	SessionID       string    `json:"sessionId"`
	ClientID        string    `json:"clientId"`
	TenantKey       string    `json:"tenantKey,omitempty"`
	Connected       bool      `json:"connected"`
	LastActive      time.Time `json:"lastActive"`
	CreatedAt       time.Time `json:"createdAt"`
	UserAgent       string    `json:"userAgent,omitempty"`
	IP              string    `json:"ip,omitempty"`
	SocketIDs       []string  `json:"socketIds"`
	ClientPublicKey string    `json:"clientPublicKey,omitempty"`
	ServerPublicKey string    `json:"serverPublicKey,omitempty"`
	EncryptionReady bool      `json:"encryptionReady"`
}

// HasSocket reports whether socketID is one of the session's live sockets.
func (s *Session) HasSocket(socketID string) bool {
	for _, id := range s.SocketIDs {
		if id == socketID {
			return true
		}
	}
	return false
}

// Binding ties one transport connection to the identity that opened it.
type Binding struct {
	ClientID  string `json:"clientId"`
	TenantKey string `json:"tenantKey"`
	SocketID  string `json:"socketId"`
	SessionID string `json:"sessionId"`
}

type Presence struct {
	Status        string `json:"status"`
	CustomMessage string `json:"customMessage"`
	LastUpdated   string `json:"lastUpdated"`
	SocketID      string `json:"socketId"`
	LastHeartbeat int64  `json:"lastHeartbeat,omitempty"`
}

// PresenceEntry is one member of a presence:sync snapshot and the payload
// of presence:enter and presence:update broadcasts.
type PresenceEntry struct {
	ClientID string   `json:"clientId"`
	Presence Presence `json:"presence"`
}

type ClientAdditionalData struct {
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Email  string `json:"email,omitempty"`
}

type ChatMessage struct {
	MessageID string                `json:"messageId"`
	RoomID    string                `json:"roomId"`
	Message   string                `json:"message"`
	FromID    string                `json:"fromId"`
	ToID      string                `json:"toId,omitempty"`
	Timestamp string                `json:"timestamp"`
	FromData  *ClientAdditionalData `json:"fromData,omitempty"`
	ToData    *ClientAdditionalData `json:"toData,omitempty"`
}

// Delivery statuses, in the order a message progresses through them.
const (
	StatusServerReceived = "server_received"
	StatusSent           = "sent"
	StatusDelivered      = "delivered"
)

type MessageStatus struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type Conversation struct {
	RoomID      string       `json:"roomId"`
	PeerID      string       `json:"peerId"`
	LastMessage *ChatMessage `json:"lastMessage,omitempty"`
	UpdatedAt   string       `json:"updatedAt"`
}

type MessagePage struct {
	RoomID   string        `json:"roomId"`
	Messages []ChatMessage `json:"messages"`
	HasMore  bool          `json:"hasMore"`
}

type ConversationPage struct {
	Conversations []Conversation `json:"conversations"`
	HasMore       bool           `json:"hasMore"`
}

type Tenant struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// TimestampLayout is RFC 3339 with millisecond precision, always UTC.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
