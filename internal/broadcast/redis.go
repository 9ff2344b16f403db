// Package broadcast publishes advisory session notifications to sibling
// agent processes. Delivery is lossy and purely informational; the pipeline
// never depends on a message arriving.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/perceptr/perceptr-go/internal/domain"
)

// Redis is a Broadcaster backed by Redis pub/sub on the well-known
// perceptr_session channel.
type Redis struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("broadcast.NewRedis: ping: %w", err)
	}

	return &Redis{client: client}, nil
}

func (r *Redis) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("broadcast.Redis.Close: %w", err)
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, msg domain.SessionMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("broadcast.Redis.Publish: marshal: %w", err)
	}
	if err := r.client.Publish(ctx, domain.BroadcastChannel, payload).Err(); err != nil {
		return fmt.Errorf("broadcast.Redis.Publish: %w", err)
	}
	return nil
}

// Subscribe delivers session messages published by sibling agents. The
// returned channel closes when ctx is cancelled or the subscription drops.
func (r *Redis) Subscribe(ctx context.Context) (<-chan domain.SessionMessage, func(), error) {
	sub := r.client.Subscribe(ctx, domain.BroadcastChannel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("broadcast.Redis.Subscribe: receive confirmation: %w", err)
	}

	out := make(chan domain.SessionMessage, 64)
	redisCh := sub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-redisCh:
				if !ok {
					return
				}
				var msg domain.SessionMessage
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	cleanup := func() {
		_ = sub.Close()
	}

	return out, cleanup, nil
}
