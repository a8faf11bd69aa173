package alert

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
)

// Publisher is the part of *redis.Client used for alerts.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes each alert as JSON on a pub/sub channel so other
// services (pagers, dashboards) can pick it up.
type RedisPublisher struct {
	client  Publisher
	channel string
}

func NewRedisPublisher(client Publisher, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// NewRedisClient connects to addr. The connection is lazy; a bad address
// surfaces on the first publish.
func NewRedisClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
}

func (p *RedisPublisher) Dispatch(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return transportError("redis", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return transportError("redis", err)
	}
	return nil
}
