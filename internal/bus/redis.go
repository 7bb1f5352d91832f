package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/TernSecure/realtime-server/internal/models"
)

const RedisChannel = "realtime:bus"

type Redis struct {
	rdb    redis.UniversalClient
	pubsub *redis.PubSub
	wg     sync.WaitGroup
	once   sync.Once
}

func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, RedisChannel, payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	return nil
}

// Subscribe blocks until the subscription is confirmed so that nothing
// published afterwards is missed.
func (r *Redis) Subscribe(h Handler) error {
	ctx := context.Background()
	ps := r.rdb.Subscribe(ctx, RedisChannel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	r.pubsub = ps

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for m := range ps.Channel() {
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				slog.Warn("dropping malformed bus message", "error", err)
				continue
			}
			h(msg)
		}
	}()
	return nil
}

func (r *Redis) Close() error {
	var err error
	r.once.Do(func() {
		if r.pubsub != nil {
			err = r.pubsub.Close()
		}
		r.wg.Wait()
	})
	return err
}
