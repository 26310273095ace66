package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBus carries insert events over redis pub/sub, one channel per
// conversation, so every connected client instance sees inserts regardless
// of which instance wrote the row.
type RedisBus struct {
	client *redis.Client
	log    zerolog.Logger
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus connects to redis at url and verifies the connection.
func NewRedisBus(url string, log zerolog.Logger) (*RedisBus, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse redis url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("realtime: ping: %w", err)
	}
	return &RedisBus{client: c, log: log}, nil
}

func channelFor(conversationID uuid.UUID) string {
	return "messages:insert:" + conversationID.String()
}

func (b *RedisBus) PublishInsert(ctx context.Context, ev InsertEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("realtime: marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channelFor(ev.ConversationID), payload).Err(); err != nil {
		return fmt.Errorf("realtime: publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, conversationID uuid.UUID) (<-chan InsertEvent, func(), error) {
	sub := b.client.Subscribe(ctx, channelFor(conversationID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("realtime: subscribe: %w", err)
	}

	out := make(chan InsertEvent, 16)
	var once sync.Once
	stop := func() { once.Do(func() { _ = sub.Close() }) }

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev InsertEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed insert event")
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				stop()
				return
			}
		}
	}()

	return out, stop, nil
}

func (b *RedisBus) Close() error { return b.client.Close() }
