// Cache events: refill, expiration, and eviction decisions, surfaced for
// observability. Not part of the data contract.

package cache

import "log/slog"

// EventType identifies a cache event.
type EventType string

const (
	// EventColdFill fires when a key is filled synchronously on miss.
	EventColdFill EventType = "cold_fill"
	// EventRefillStart fires when a background refill is scheduled.
	EventRefillStart EventType = "refill_start"
	// EventRefillEnd fires when a background refill finishes.
	EventRefillEnd EventType = "refill_end"
	// EventRefillFailed fires when a background refill errored; variants
	// generated before the error are still stored.
	EventRefillFailed EventType = "refill_failed"
	// EventExpired fires when an entry passes a deadline and is removed.
	EventExpired EventType = "expired"
	// EventEvicted fires when an entry is removed under memory pressure.
	EventEvicted EventType = "evicted"
)

// Event is one cache event.
type Event struct {
	Type     EventType
	Key      Key
	Variants int
	Err      error
}

// EventSink receives cache events. Sinks are called outside the store's
// locks and must not call back into the store synchronously from Emit.
type EventSink interface {
	Emit(event Event)
}

// NopSink discards all events.
type NopSink struct{}

// Emit discards the event.
func (NopSink) Emit(Event) {}

// SlogSink logs events through a structured logger.
type SlogSink struct {
	Logger *slog.Logger
}

// NewSlogSink creates a sink over the given logger (slog.Default() if nil).
func NewSlogSink(logger *slog.Logger) SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return SlogSink{Logger: logger}
}

// Emit logs the event at info level (warn for failed refills).
func (s SlogSink) Emit(event Event) {
	attrs := []any{
		"type", string(event.Type),
		"key", string(event.Key),
		"variants", event.Variants,
	}
	if event.Err != nil {
		attrs = append(attrs, "error", event.Err)
	}
	if event.Type == EventRefillFailed {
		s.Logger.Warn("cache", attrs...)
		return
	}
	s.Logger.Info("cache", attrs...)
}
