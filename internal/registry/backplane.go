package registry

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

const pushChannel = "chat:pushes"

// RedisBackplane relays push envelopes through a redis pub/sub channel.
type RedisBackplane struct {
	client  *redis.Client
	channel string
}

var _ Backplane = (*RedisBackplane)(nil)

func NewRedisBackplane(client *redis.Client) *RedisBackplane {
	return &RedisBackplane{
		client:  client,
		channel: pushChannel,
	}
}

func (b *RedisBackplane) Publish(ctx context.Context, payload []byte) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(50*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (b *RedisBackplane) Subscribe(ctx context.Context) (<-chan []byte, error) {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				out <- []byte(msg.Payload)
			}
		}
	}()
	return out, nil
}
