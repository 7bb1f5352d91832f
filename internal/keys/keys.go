// Package keys is the shared-store key layout. Everything identity-, room-
// or message-scoped is prefixed with the tenant key so tenants never share
// a key.
package keys

const (
	sessionPrefix       = "session:"
	clientSessionPrefix = "client:session:"
	clientSocketsPrefix = "client:sockets:"
	clientRoomsPrefix   = "client:rooms:"
	socketMapPrefix     = "socket:map:"
	tenantClients       = "tenant:clients"
	presencePrefix      = "presence:"
	chatRoomsPrefix     = "chat:rooms:"
	roomPrefix          = "room:"
	conversationsPrefix = "conversations:"
	offlinePrefix       = "offline:messages:"
	deliveryPrefix      = "delivery:"
	statusSubsPrefix    = "status:subscribers:"

	// ServerKeyPair holds the process-shared encryption keypair.
	ServerKeyPair = "server:keypair"
)

// Session keys are global: a session id is unguessable and is looked up
// before the tenant is known (HTTP key exchange carries only the id).
func Session(sessionID string) string { return sessionPrefix + sessionID }

func SessionSockets(sessionID string) string { return sessionPrefix + sessionID + ":sockets" }

func ClientSession(tenant, clientID string) string {
	return tenant + ":" + clientSessionPrefix + clientID
}

func ClientSockets(tenant, clientID string) string {
	return tenant + ":" + clientSocketsPrefix + clientID
}

// ClientRooms is the reverse index of the chat rooms an identity belongs to.
func ClientRooms(tenant, clientID string) string {
	return tenant + ":" + clientRoomsPrefix + clientID
}

func SocketMap(tenant, socketID string) string { return tenant + ":" + socketMapPrefix + socketID }

func TenantClients(tenant string) string { return tenant + ":" + tenantClients }

func Presence(tenant, clientID string) string { return tenant + ":" + presencePrefix + clientID }

func ChatRoom(tenant, roomID string) string { return tenant + ":" + chatRoomsPrefix + roomID }

func RoomMessages(tenant, roomID string) string {
	return tenant + ":" + roomPrefix + roomID + ":messages"
}

func RoomIndex(tenant, roomID string) string { return tenant + ":" + roomPrefix + roomID + ":index" }

func RoomMeta(tenant, roomID string) string { return tenant + ":" + roomPrefix + roomID + ":meta" }

func Conversations(tenant, clientID string) string {
	return tenant + ":" + conversationsPrefix + clientID
}

func Offline(tenant, clientID string) string { return tenant + ":" + offlinePrefix + clientID }

func Delivery(tenant, messageID string) string { return tenant + ":" + deliveryPrefix + messageID }

func StatusSubscribers(tenant, clientID string) string {
	return tenant + ":" + statusSubsPrefix + clientID
}

// Hub group names. A group is the local fan-out scope a socket joins.
func TenantGroup(tenant string) string { return "tenant:" + tenant }

func ClientGroup(tenant, clientID string) string { return "client:" + tenant + ":" + clientID }

func RoomGroup(tenant, roomID string) string { return "room:" + tenant + ":" + roomID }
