package redis

import (
	"context"
	"log/slog"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

const roomChannelPrefix = "room:"

func roomChannel(roomID string) string {
	return roomChannelPrefix + roomID
}

// RoomPubSub relays room broadcasts across instances via Redis Pub/Sub.
// Each instance publishes to the room's channel and runs one pattern
// subscription covering all rooms; delivery is best-effort FIFO per
// publisher, with no global ordering across publishers.
type RoomPubSub struct {
	rdb *goredis.Client
}

func NewRoomPubSub(rdb *goredis.Client) *RoomPubSub {
	return &RoomPubSub{rdb: rdb}
}

// PublishRoom publishes a payload to a room's broadcast channel.
func (ps *RoomPubSub) PublishRoom(ctx context.Context, roomID string, payload []byte) error {
	return ps.rdb.Publish(ctx, roomChannel(roomID), payload).Err()
}

// Run subscribes to every room channel and invokes handler for each
// message until ctx is cancelled. Malformed channel names are skipped.
func (ps *RoomPubSub) Run(ctx context.Context, handler func(roomID string, payload []byte)) {
	sub := ps.rdb.PSubscribe(ctx, roomChannelPrefix+"*")
	defer func() {
		if err := sub.Close(); err != nil {
			slog.Warn("Failed to close room subscription", "error", err)
		}
	}()

	msgCh := sub.Channel()
	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			roomID := strings.TrimPrefix(msg.Channel, roomChannelPrefix)
			if roomID == "" || roomID == msg.Channel {
				continue
			}
			handler(roomID, []byte(msg.Payload))
		case <-ctx.Done():
			return
		}
	}
}
