package pubsub

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("pubsub",
	fx.Provide(NewRedisBus),
)

// RedisBus fans events out over redis channels so every node serving a
// websocket for the same order sees the same stream.
type RedisBus struct {
	rdb *redis.Client
}

type Params struct {
	fx.In

	Redis *redis.Client
}

func NewRedisBus(p Params) Bus {
	return &RedisBus{rdb: p.Redis}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, event Event) error {
	event.Topic = topic

	jsonstr, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return b.rdb.Publish(ctx, topic, jsonstr).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error) {
	sub := b.rdb.Subscribe(ctx, topic)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan Event, 16)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				zap.L().Warn("[PubSub] dropping undecodable event",
					zap.String("topic", topic),
					zap.Error(err),
				)
				continue
			}

			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		_ = sub.Close()
	}

	return out, cancel, nil
}
