package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"
)

type (
	// ClueLogger wraps goa.design/clue/log for pipeline logging.
	ClueLogger struct{}

	// OTELMetrics wraps OTEL metrics for pipeline instrumentation.
	OTELMetrics struct {
		meter metric.Meter
	}
)

// NewClueLogger constructs a Logger that delegates to goa.design/clue/log.
// The logger reads formatting and debug settings from the context (set via
// log.Context and log.WithFormat/log.WithDebug).
func NewClueLogger() Logger {
	return ClueLogger{}
}

// NewOTELMetrics constructs a Metrics recorder that delegates to OTEL metrics.
// Uses the global MeterProvider; configure it via otel.SetMeterProvider before
// serving traffic.
func NewOTELMetrics() Metrics {
	return &OTELMetrics{meter: otel.Meter("goa.design/relay")}
}

// Debug emits a debug-level log message with structured key-value pairs.
func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

// Info emits an info-level log message with structured key-value pairs.
func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

// Warn emits a warning-level log message with structured key-value pairs.
func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fielders(msg, keyvals)...)
}

// Error emits an error-level log message with structured key-value pairs.
func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, fielders(msg, keyvals)...)
}

// IncCounter increments a counter metric by the given value.
func (m *OTELMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordTimer records a duration histogram/timer metric.
func (m *OTELMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

// fielders converts a message and variadic key-value pairs into Clue's
// log.Fielder slice. Non-string keys are skipped; a trailing key with no
// value is paired with nil.
func fielders(msg string, keyvals []any) []log.Fielder {
	out := []log.Fielder{log.KV{K: "msg", V: msg}}
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		out = append(out, log.KV{K: k, V: v})
	}
	return out
}

// tagsToAttrs converts tag strings (k1, v1, k2, v2, ...) into OTEL attributes
// for metrics dimensions. A trailing key with no value is paired with the
// empty string.
func tagsToAttrs(tags []string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}
