package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/TernSecure/realtime-server/internal/bus"
	"github.com/TernSecure/realtime-server/internal/protocol"
)

// DeliveryFunc is told how an acknowledged delivery ended: nil error once
// the client acked, models.ErrDeliveryTimeout otherwise.
type DeliveryFunc func(r bus.Receipt, err error)

type membership struct {
	socket string
	group  string
	join   bool
}

// Hub owns the sockets connected to this process and their group
// memberships. All of its maps are touched only by Run. Everything that
// crosses processes goes out on the bus and comes back through Deliver, so a
// group emit reaches local and remote members alike.
type Hub struct {
	// Registered clients by socket id.
	clients map[string]*Client

	// Group name to member socket ids, and the reverse.
	groups  map[string]map[string]bool
	joined  map[string]map[string]bool
	inbound chan bus.Message

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	membership chan membership
	count      chan chan int
	quit       chan struct{}
	done       chan struct{}

	// One count per registered client, released after its close callback.
	active sync.WaitGroup

	bus             bus.Bus
	deliveryTimeout time.Duration
	onDelivery      DeliveryFunc
}

func NewHub(b bus.Bus, deliveryTimeout time.Duration) *Hub {
	return &Hub{
		inbound:         make(chan bus.Message),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		membership:      make(chan membership),
		count:           make(chan chan int),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
		clients:         make(map[string]*Client),
		groups:          make(map[string]map[string]bool),
		joined:          make(map[string]map[string]bool),
		bus:             b,
		deliveryTimeout: deliveryTimeout,
	}
}

// OnDelivery must be set before Run.
func (h *Hub) OnDelivery(fn DeliveryFunc) { h.onDelivery = fn }

// Attach subscribes the hub to its bus.
func (h *Hub) Attach() error {
	return h.bus.Subscribe(h.Deliver)
}

func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.active.Add(1)
			h.clients[client.ID] = client
		case client := <-h.unregister:
			if current, ok := h.clients[client.ID]; ok && current == client {
				delete(h.clients, client.ID)
				for group := range h.joined[client.ID] {
					h.removeFromGroup(client.ID, group)
				}
				delete(h.joined, client.ID)
			}
		case m := <-h.membership:
			if _, ok := h.clients[m.socket]; !ok {
				continue
			}
			if m.join {
				h.addToGroup(m.socket, m.group)
			} else {
				h.removeFromGroup(m.socket, m.group)
			}
		case msg := <-h.inbound:
			h.dispatch(msg)
		case reply := <-h.count:
			reply <- len(h.clients)
		case <-h.quit:
			for _, client := range h.clients {
				client.closeForRestart()
			}
			return
		}
	}
}

// Stop closes every local socket with a restart code, ends Run and waits
// for the close callbacks to finish. The disconnects are transient.
func (h *Hub) Stop() {
	select {
	case <-h.quit:
	default:
		close(h.quit)
	}
	<-h.done
	h.active.Wait()
}

func (h *Hub) addToGroup(socket, group string) {
	if h.groups[group] == nil {
		h.groups[group] = make(map[string]bool)
	}
	h.groups[group][socket] = true
	if h.joined[socket] == nil {
		h.joined[socket] = make(map[string]bool)
	}
	h.joined[socket][group] = true
}

func (h *Hub) removeFromGroup(socket, group string) {
	if members, ok := h.groups[group]; ok {
		delete(members, socket)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	if groups, ok := h.joined[socket]; ok {
		delete(groups, group)
	}
}

func (h *Hub) dispatch(msg bus.Message) {
	switch msg.Kind {
	case bus.KindJoin:
		if _, ok := h.clients[msg.Socket]; ok {
			h.addToGroup(msg.Socket, msg.Group)
		}
	case bus.KindLeave:
		if msg.Socket != "" {
			h.removeFromGroup(msg.Socket, msg.Group)
			return
		}
		for socket := range h.groups[msg.Group] {
			h.removeFromGroup(socket, msg.Group)
		}
	case bus.KindEmit:
		pkt := protocol.Packet{Event: msg.Event, Data: msg.Data}
		if msg.Socket != "" {
			client, ok := h.clients[msg.Socket]
			if !ok {
				return
			}
			if msg.Receipt != nil {
				h.emitWithReceipt(client, pkt, *msg.Receipt)
				return
			}
			client.Emit(pkt)
			return
		}
		seen := make(map[string]bool)
		for _, group := range msg.Groups {
			for socket := range h.groups[group] {
				if socket == msg.Except || seen[socket] {
					continue
				}
				seen[socket] = true
				h.clients[socket].Emit(pkt)
			}
		}
	}
}

func (h *Hub) emitWithReceipt(client *Client, pkt protocol.Packet, r bus.Receipt) {
	client.EmitWithAck(pkt, h.deliveryTimeout, func(_ json.RawMessage, err error) {
		if h.onDelivery != nil {
			h.onDelivery(r, err)
		}
	})
}

// Deliver hands a bus message to Run. It is the bus subscription handler.
func (h *Hub) Deliver(msg bus.Message) {
	select {
	case h.inbound <- msg:
	case <-h.done:
	}
}

// Register reports false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Join adds a local socket to a group on this process only.
func (h *Hub) Join(socketID, group string) {
	select {
	case h.membership <- membership{socket: socketID, group: group, join: true}:
	case <-h.done:
	}
}

func (h *Hub) Leave(socketID, group string) {
	select {
	case h.membership <- membership{socket: socketID, group: group}:
	case <-h.done:
	}
}

// Count returns the number of sockets connected to this process.
func (h *Hub) Count() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

func (h *Hub) publish(ctx context.Context, msg bus.Message, data interface{}) error {
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		msg.Data = raw
	}
	if err := h.bus.Publish(ctx, msg); err != nil {
		slog.Error("bus publish failed", "kind", msg.Kind, "event", msg.Event, "error", err)
		return err
	}
	return nil
}

// EmitToGroup reaches every member of group on every process except the
// socket named by except.
func (h *Hub) EmitToGroup(ctx context.Context, group, except, event string, data interface{}) error {
	return h.EmitToGroups(ctx, []string{group}, except, event, data)
}

// EmitToGroups reaches each socket in the union of groups once.
func (h *Hub) EmitToGroups(ctx context.Context, groups []string, except, event string, data interface{}) error {
	return h.publish(ctx, bus.Message{Kind: bus.KindEmit, Groups: groups, Except: except, Event: event}, data)
}

func (h *Hub) EmitToSocket(ctx context.Context, socketID, event string, data interface{}) error {
	return h.publish(ctx, bus.Message{Kind: bus.KindEmit, Socket: socketID, Event: event}, data)
}

// DeliverWithAck emits to one socket and asks its owning process to wait
// for the client's ack.
func (h *Hub) DeliverWithAck(ctx context.Context, socketID, event string, data interface{}, r bus.Receipt) error {
	return h.publish(ctx, bus.Message{Kind: bus.KindEmit, Socket: socketID, Event: event, Receipt: &r}, data)
}

// JoinGroup adds a socket, wherever it is connected, to group.
func (h *Hub) JoinGroup(ctx context.Context, socketID, group string) error {
	return h.publish(ctx, bus.Message{Kind: bus.KindJoin, Socket: socketID, Group: group}, nil)
}

// LeaveGroup removes a socket from group, or every socket when socketID is
// empty.
func (h *Hub) LeaveGroup(ctx context.Context, socketID, group string) error {
	return h.publish(ctx, bus.Message{Kind: bus.KindLeave, Socket: socketID, Group: group}, nil)
}
