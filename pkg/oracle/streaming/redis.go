package streaming

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel events are published on.
const DefaultRedisChannel = "prophetia:events"

// RedisSink publishes events to a Redis pub/sub channel so that other
// processes (payout workers, indexers) can follow the oracle.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink wraps an existing client.
func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSink{client: client, channel: channel}
}

// DialRedisSink connects to the Redis server at url (redis://...) and
// verifies it with a PING.
func DialRedisSink(ctx context.Context, url, channel string) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisSink(client, channel), nil
}

// Channel returns the channel name.
func (s *RedisSink) Channel() string {
	return s.channel
}

// Publish encodes e as JSON and publishes it.
func (s *RedisSink) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe returns a pub/sub subscription to the sink's channel.
func (s *RedisSink) Subscribe(ctx context.Context) *redis.PubSub {
	return s.client.Subscribe(ctx, s.channel)
}

// Ping checks the Redis connection.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
