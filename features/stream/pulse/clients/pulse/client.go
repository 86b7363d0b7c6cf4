// Package pulse provides a thin relay specific wrapper around Pulse streams.
// It mirrors the layering used across existing deployments: callers build a
// Redis client, pass it to New, and receive a typed interface that exposes
// only the operations needed by the stream mirror.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis is the Redis connection used to back Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the number of entries kept per stream. Zero uses
		// Pulse defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual Add operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Client exposes the subset of Pulse APIs required by the relay stream
	// mirror.
	Client interface {
		// Stream returns a handle to the named Pulse stream, creating it if
		// needed.
		Stream(name string) (Stream, error)
		// Close releases resources owned by the client. Callers typically own
		// the Redis connection and may provide a no-op implementation.
		Close(ctx context.Context) error
	}

	// Stream exposes the operations needed to publish session events.
	Stream interface {
		// Add publishes an event with the given name and payload to the
		// stream, returning the event ID assigned by Redis.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// Destroy deletes the entire stream and all its messages from Redis.
		Destroy(ctx context.Context) error
	}
)

type client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// New constructs a Pulse client backed by the provided Redis connection. The
// Redis field in opts is required, other fields are optional.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

// Stream returns a handle to the named Pulse stream, creating it if it does
// not exist.
func (c *client) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Close is a no-op because the caller owns the Redis connection lifecycle.
func (c *client) Close(ctx context.Context) error {
	return nil
}

// handle wraps a Pulse stream and applies optional timeouts to operations.
type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	return h.stream.Destroy(ctx)
}
