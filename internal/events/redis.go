package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "gateway:events:"

// RedisMirror republishes every bus event onto Redis pub/sub channels
// (one per event type) so sibling gateway instances and external
// consumers can observe the stream.
type RedisMirror struct {
	client *redis.Client
	logger *log.Logger
}

// NewRedisMirror connects to Redis and verifies the connection with a
// short ping.
func NewRedisMirror(addr string) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	m := &RedisMirror{
		client: client,
		logger: log.New(log.Writer(), "[REDIS] ", log.LstdFlags),
	}
	m.logger.Printf("✅ Connected to %s", addr)
	return m, nil
}

// Publish sends the event to its per-type channel. Called from the bus
// on the publisher's goroutine, so the timeout stays short.
func (m *RedisMirror) Publish(event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return m.client.Publish(ctx, redisChannelPrefix+event.Type, payload).Err()
}

// Close releases the Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
