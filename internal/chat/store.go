package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TernSecure/realtime-server/internal/keys"
	"github.com/TernSecure/realtime-server/internal/models"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Store persists rooms, messages and per-identity chat state in the shared
// store. Every key it writes expires after the message TTL.
type Store struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewStore(rdb redis.Cmdable, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
}

// Save writes a message with all of its indexes in one transaction. When
// queueOffline is set the message is also appended to the recipient's
// offline queue.
func (s *Store) Save(ctx context.Context, tenant string, msg models.ChatMessage, createdAt time.Time, queueOffline bool) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	score := float64(createdAt.UnixMilli())

	roomKey := keys.ChatRoom(tenant, msg.RoomID)
	messagesKey := keys.RoomMessages(tenant, msg.RoomID)
	indexKey := keys.RoomIndex(tenant, msg.RoomID)
	metaKey := keys.RoomMeta(tenant, msg.RoomID)
	fromRooms := keys.ClientRooms(tenant, msg.FromID)
	toRooms := keys.ClientRooms(tenant, msg.ToID)
	fromConv := keys.Conversations(tenant, msg.FromID)
	toConv := keys.Conversations(tenant, msg.ToID)

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, roomKey, msg.FromID, msg.ToID)
		p.SAdd(ctx, fromRooms, msg.RoomID)
		p.SAdd(ctx, toRooms, msg.RoomID)
		p.HSet(ctx, messagesKey, msg.MessageID, raw)
		p.ZAdd(ctx, indexKey, redis.Z{Score: score, Member: msg.MessageID})
		p.HSet(ctx, metaKey, "lastMessageId", msg.MessageID, "lastMessageAt", msg.Timestamp)
		p.HIncrBy(ctx, metaKey, "messageCount", 1)
		p.ZAdd(ctx, fromConv, redis.Z{Score: score, Member: msg.RoomID})
		p.ZAdd(ctx, toConv, redis.Z{Score: score, Member: msg.RoomID})
		for _, k := range []string{roomKey, fromRooms, toRooms, messagesKey, indexKey, metaKey, fromConv, toConv} {
			p.Expire(ctx, k, s.ttl)
		}
		if queueOffline {
			offlineKey := keys.Offline(tenant, msg.ToID)
			p.RPush(ctx, offlineKey, raw)
			p.Expire(ctx, offlineKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// GetMessage returns nil without error when the message is unknown or has
// expired.
func (s *Store) GetMessage(ctx context.Context, tenant, roomID, messageID string) (*models.ChatMessage, error) {
	raw, err := s.rdb.HGet(ctx, keys.RoomMessages(tenant, roomID), messageID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	var msg models.ChatMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, nil
	}
	return &msg, nil
}

// PullOffline reads and clears the queue in one transaction, so concurrent
// sweeps never hand out the same message twice.
func (s *Store) PullOffline(ctx context.Context, tenant, clientID string) ([]models.ChatMessage, error) {
	key := keys.Offline(tenant, clientID)
	var items *redis.StringSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		items = p.LRange(ctx, key, 0, -1)
		p.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	messages := make([]models.ChatMessage, 0, len(items.Val()))
	for _, item := range items.Val() {
		var msg models.ChatMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Messages pages through a room in creation order. before and after are
// message ids; at most one should be set.
func (s *Store) Messages(ctx context.Context, tenant, roomID, before, after string, limit int) (models.MessagePage, error) {
	limit = clampLimit(limit)
	indexKey := keys.RoomIndex(tenant, roomID)
	page := models.MessagePage{RoomID: roomID, Messages: []models.ChatMessage{}}

	var ids []string
	var err error
	switch {
	case before != "":
		ids, page.HasMore, err = s.pageFrom(ctx, indexKey, before, limit, true)
	case after != "":
		ids, page.HasMore, err = s.pageFrom(ctx, indexKey, after, limit, false)
	default:
		ids, err = s.rdb.ZRevRange(ctx, indexKey, 0, int64(limit)).Result()
		if err != nil {
			err = unavailable(err)
			break
		}
		if len(ids) > limit {
			ids = ids[:limit]
			page.HasMore = true
		}
		reverse(ids)
	}
	if err != nil {
		return page, err
	}
	if len(ids) == 0 {
		return page, nil
	}

	values, err := s.rdb.HMGet(ctx, keys.RoomMessages(tenant, roomID), ids...).Result()
	if err != nil {
		return page, unavailable(err)
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var msg models.ChatMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		page.Messages = append(page.Messages, msg)
	}
	return page, nil
}

// pageFrom returns up to limit ids strictly before (or after) cursor in
// ascending order. Messages sharing the cursor's millisecond are ordered by
// id, so the fetch is widened by the number of ties.
func (s *Store) pageFrom(ctx context.Context, indexKey, cursor string, limit int, backwards bool) ([]string, bool, error) {
	score, err := s.rdb.ZScore(ctx, indexKey, cursor).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, fmt.Errorf("%w: unknown cursor %s", models.ErrInvalidInput, cursor)
	}
	if err != nil {
		return nil, false, unavailable(err)
	}
	bound := strconv.FormatFloat(score, 'f', -1, 64)
	ties, err := s.rdb.ZCount(ctx, indexKey, bound, bound).Result()
	if err != nil {
		return nil, false, unavailable(err)
	}

	window := &redis.ZRangeBy{Count: int64(limit) + 1 + ties}
	var found []redis.Z
	if backwards {
		window.Max, window.Min = bound, "-inf"
		found, err = s.rdb.ZRevRangeByScoreWithScores(ctx, indexKey, window).Result()
	} else {
		window.Min, window.Max = bound, "+inf"
		found, err = s.rdb.ZRangeByScoreWithScores(ctx, indexKey, window).Result()
	}
	if err != nil {
		return nil, false, unavailable(err)
	}

	ids := make([]string, 0, limit+1)
	for _, z := range found {
		id, _ := z.Member.(string)
		if z.Score == score {
			if backwards && id >= cursor || !backwards && id <= cursor {
				continue
			}
		}
		ids = append(ids, id)
	}
	hasMore := len(ids) > limit
	if hasMore {
		ids = ids[:limit]
	}
	if backwards {
		reverse(ids)
	}
	return ids, hasMore, nil
}

// Conversations lists clientID's rooms, most recently active first.
func (s *Store) Conversations(ctx context.Context, tenant, clientID string, limit, offset int) (models.ConversationPage, error) {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}
	page := models.ConversationPage{Conversations: []models.Conversation{}}

	rooms, err := s.rdb.ZRevRangeWithScores(ctx, keys.Conversations(tenant, clientID),
		int64(offset), int64(offset+limit)).Result()
	if err != nil {
		return page, unavailable(err)
	}
	if len(rooms) > limit {
		rooms = rooms[:limit]
		page.HasMore = true
	}
	if len(rooms) == 0 {
		return page, nil
	}

	lastIDs := make([]*redis.StringCmd, len(rooms))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, z := range rooms {
			lastIDs[i] = p.HGet(ctx, keys.RoomMeta(tenant, z.Member.(string)), "lastMessageId")
		}
		return nil
	})
	if err := firstErr(err, lastIDs); err != nil {
		return page, err
	}

	lastMessages := make([]*redis.StringCmd, len(rooms))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, z := range rooms {
			if id := lastIDs[i].Val(); id != "" {
				lastMessages[i] = p.HGet(ctx, keys.RoomMessages(tenant, z.Member.(string)), id)
			}
		}
		return nil
	})
	if err := firstErr(err, lastMessages); err != nil {
		return page, err
	}

	for i, z := range rooms {
		roomID := z.Member.(string)
		peer, _ := Peer(roomID, clientID)
		conv := models.Conversation{
			RoomID:    roomID,
			PeerID:    peer,
			UpdatedAt: models.Timestamp(time.UnixMilli(int64(z.Score))),
		}
		if lastMessages[i] != nil {
			var msg models.ChatMessage
			if json.Unmarshal([]byte(lastMessages[i].Val()), &msg) == nil {
				conv.LastMessage = &msg
			}
		}
		page.Conversations = append(page.Conversations, conv)
	}
	return page, nil
}

func (s *Store) MarkDelivered(ctx context.Context, tenant string, r models.MessageStatus, toID string) error {
	key := keys.Delivery(tenant, r.MessageID)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"status", models.StatusDelivered,
			"roomId", r.RoomID,
			"toId", toID,
			"deliveredAt", r.Timestamp,
		)
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) IsDelivered(ctx context.Context, tenant, messageID string) (bool, error) {
	status, err := s.rdb.HGet(ctx, keys.Delivery(tenant, messageID), "status").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, unavailable(err)
	}
	return status == models.StatusDelivered, nil
}

func (s *Store) Subscribe(ctx context.Context, tenant, clientID, socketID string) error {
	key := keys.StatusSubscribers(tenant, clientID)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, key, socketID)
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Unsubscribe(ctx context.Context, tenant, clientID, socketID string) error {
	if err := s.rdb.SRem(ctx, keys.StatusSubscribers(tenant, clientID), socketID).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Subscribers(ctx context.Context, tenant, clientID string) ([]string, error) {
	sockets, err := s.rdb.SMembers(ctx, keys.StatusSubscribers(tenant, clientID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return sockets, nil
}

// ReleaseRooms removes clientID from every room it is recorded in and
// clears its reverse index.
func (s *Store) ReleaseRooms(ctx context.Context, tenant, clientID string) ([]string, error) {
	roomsKey := keys.ClientRooms(tenant, clientID)
	rooms, err := s.rdb.SMembers(ctx, roomsKey).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, room := range rooms {
			p.SRem(ctx, keys.ChatRoom(tenant, room), clientID)
		}
		p.Del(ctx, roomsKey)
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return rooms, nil
}

// Members returns the identities recorded in a room.
func (s *Store) Members(ctx context.Context, tenant, roomID string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, keys.ChatRoom(tenant, roomID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return members, nil
}

// firstErr reports the first real failure among a pipeline's commands.
// redis.Nil is not one, and nil entries were never queued.
func firstErr(err error, cmds []*redis.StringCmd) error {
	if err != nil && !errors.Is(err, redis.Nil) {
		return unavailable(err)
	}
	for _, cmd := range cmds {
		if cmd == nil {
			continue
		}
		if err := cmd.Err(); err != nil && !errors.Is(err, redis.Nil) {
			return unavailable(err)
		}
	}
	return nil
}

func reverse(ids []string) {
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
}
