// Package telemetry defines the logging and metrics interfaces used across the
// relay pipeline. Components accept these interfaces rather than concrete
// implementations so tests can run silent and services can plug in
// clue-backed logging and OTEL metrics.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log messages with variadic key-value pairs
	// (k1, v1, k2, v2, ...).
	Logger interface {
		// Debug emits a debug-level log message.
		Debug(ctx context.Context, msg string, keyvals ...any)
		// Info emits an info-level log message.
		Info(ctx context.Context, msg string, keyvals ...any)
		// Warn emits a warning-level log message.
		Warn(ctx context.Context, msg string, keyvals ...any)
		// Error emits an error-level log message.
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records operational counters and timers for the pipeline
	// (events published, events dropped, sessions evicted, reconnects).
	// Tags are flat key-value string pairs (k1, v1, k2, v2, ...).
	Metrics interface {
		// IncCounter increments a counter metric by the given value.
		IncCounter(name string, value float64, tags ...string)
		// RecordTimer records a duration histogram/timer metric.
		RecordTimer(name string, duration time.Duration, tags ...string)
	}
)

// Metric names recorded by the pipeline.
const (
	// MetricEventsPublished counts envelopes accepted by Hub.Publish.
	MetricEventsPublished = "relay_events_published"
	// MetricEventsDropped counts events dropped from full subscriber queues.
	MetricEventsDropped = "relay_events_dropped"
	// MetricSessionsEvicted counts idle sessions removed by TTL eviction.
	MetricSessionsEvicted = "relay_sessions_evicted"
	// MetricReconnects counts client transport reconnect attempts.
	MetricReconnects = "relay_transport_reconnects"
)
