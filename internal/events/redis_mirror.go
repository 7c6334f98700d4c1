package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror replicates bus events to Redis Pub/Sub so diagnostics tooling
// outside the enclave can tail plan execution without holding an RPC stream
// open. One channel per event type, under a common prefix.
type RedisMirror struct {
	client *redis.Client
	prefix string
}

// NewRedisMirror connects to Redis and verifies the connection with a ping.
func NewRedisMirror(url, prefix string) (*RedisMirror, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "brain:events:"
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisMirror{client: client, prefix: prefix}, nil
}

// Forward publishes the event. Failures are logged and dropped; the mirror
// must never stall plan execution.
func (m *RedisMirror) Forward(event *Event) {
	payload, err := event.JSON()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.client.Publish(ctx, m.prefix+string(event.Type), payload).Err(); err != nil {
		slog.Warn("redis mirror publish failed", "type", event.Type, "error", err)
	}
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}
