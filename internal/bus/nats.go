package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
)

const NATSSubject = "realtime.broadcast"

type NATS struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

func NewNATS(url string) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("realtime-server"))
	if err != nil {
		return nil, err
	}
	return &NATS{nc: nc}, nil
}

func (n *NATS) Publish(_ context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return n.nc.Publish(NATSSubject, payload)
}

func (n *NATS) Subscribe(h Handler) error {
	sub, err := n.nc.Subscribe(NATSSubject, func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Warn("dropping malformed bus message", "error", err)
			return
		}
		h(msg)
	})
	if err != nil {
		return err
	}
	n.sub = sub
	// Make sure the server has registered the interest before returning.
	return n.nc.Flush()
}

func (n *NATS) Close() error {
	if n.sub != nil {
		n.sub.Unsubscribe()
	}
	err := n.nc.Drain()
	return err
}
