// Progress events emitted during planning and chunked execution. Consumed by
// observability integration; not part of the data contract.

package chunk

import "log/slog"

// EventType identifies a progress event.
type EventType string

const (
	// EventPlanned fires once the chunking decision is made.
	EventPlanned EventType = "planned"
	// EventChunkStart fires before a chunk's generator call.
	EventChunkStart EventType = "chunk_start"
	// EventChunkEnd fires after a chunk parses successfully.
	EventChunkEnd EventType = "chunk_end"
	// EventCompleted fires when the combined result is assembled.
	EventCompleted EventType = "completed"
	// EventFailed fires when a chunk exhausts its parse retries.
	EventFailed EventType = "failed"
)

// Event is one progress event. Fields are populated per type; zero values
// mean "not applicable".
type Event struct {
	Type          EventType
	ChunkIndex    int // 1-based
	ChunkCount    int
	Items         int
	Attempts      int
	TokensPerItem int
	ItemsPerChunk int
	TotalItems    int
	Capped        bool
	Err           error
}

// EventSink receives progress events. Implementations must be safe for the
// orchestrator to call from the request goroutine; they should not block.
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

// Emit logs the event at info level (warn for failures).
func (s SlogSink) Emit(event Event) {
	attrs := []any{
		"type", string(event.Type),
	}
	switch event.Type {
	case EventPlanned:
		attrs = append(attrs,
			"chunks", event.ChunkCount,
			"items_per_chunk", event.ItemsPerChunk,
			"tokens_per_item", event.TokensPerItem,
			"total_items", event.TotalItems,
			"capped", event.Capped,
		)
	case EventChunkStart, EventChunkEnd:
		attrs = append(attrs,
			"chunk", event.ChunkIndex,
			"of", event.ChunkCount,
			"items", event.Items,
			"attempts", event.Attempts,
		)
	case EventCompleted:
		attrs = append(attrs,
			"chunks", event.ChunkCount,
			"total_items", event.TotalItems,
			"capped", event.Capped,
		)
	case EventFailed:
		attrs = append(attrs,
			"chunk", event.ChunkIndex,
			"of", event.ChunkCount,
			"attempts", event.Attempts,
			"error", event.Err,
		)
	}

	if event.Type == EventFailed {
		s.Logger.Warn("chunk", attrs...)
		return
	}
	s.Logger.Info("chunk", attrs...)
}
