// Chunk orchestrator: drives a multi-chunk plan to completion.
//
// Chunks run strictly sequentially - each chunk's prompt carries the
// boundary of the previous chunk so IDs and sequences stay consistent, which
// rules out intra-request parallelism. Orchestrator instances share no state;
// use one per request flow.

package chunk

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mirage-ai/mirage/generate"
	jsonutil "github.com/mirage-ai/mirage/internal/json"
	"github.com/mirage-ai/mirage/shape"
)

// DefaultParseRetries is how many times a chunk is retried after its first
// failed parse before the whole request fails.
const DefaultParseRetries = 2

// Metadata describes how a combined result was produced.
type Metadata struct {
	ChunkCount    int  `json:"chunk_count"`
	ItemsPerChunk int  `json:"items_per_chunk"`
	TotalItems    int  `json:"total_items"`
	Capped        bool `json:"capped"`
}

// Result is the combined outcome of an orchestrated request.
type Result struct {
	// Items are the generated items in order, length EffectiveTotal.
	Items []json.RawMessage
	// JSON is the combined array serialized as one document.
	JSON string
	// Meta describes the execution.
	Meta Metadata
}

// ChunkError reports the chunk that could not be generated. The whole
// request fails with it - a partial array is never returned, since a caller
// cannot tell a legitimately short answer from a truncated one.
type ChunkError struct {
	// Index is the failed chunk (1-based) out of Count.
	Index int
	Count int
	// From and To are the 1-based inclusive item range the chunk covered.
	From int
	To   int
	// Attempts is how many generation attempts were made.
	Attempts int
	// Err is the last underlying failure.
	Err error
}

// Error implements the error interface.
func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d/%d (items %d-%d) failed after %d attempts: %v",
		e.Index, e.Count, e.From, e.To, e.Attempts, e.Err)
}

// Unwrap returns the underlying failure.
func (e *ChunkError) Unwrap() error {
	return e.Err
}

// Orchestrator executes multi-chunk plans against a Generator.
type Orchestrator struct {
	gen          generate.Generator
	parseRetries int
	events       EventSink
}

// NewOrchestrator creates an orchestrator with default retry policy and no
// event sink.
func NewOrchestrator(gen generate.Generator) *Orchestrator {
	return &Orchestrator{
		gen:          gen,
		parseRetries: DefaultParseRetries,
		events:       NopSink{},
	}
}

// WithEvents sets the progress event sink.
func (o *Orchestrator) WithEvents(sink EventSink) *Orchestrator {
	o.events = sink
	return o
}

// WithParseRetries sets how many retries a chunk gets after its first failed
// parse.
func (o *Orchestrator) WithParseRetries(n int) *Orchestrator {
	if n >= 0 {
		o.parseRetries = n
	}
	return o
}

// Execute runs every chunk of the plan in order, threads continuation
// context between chunks, and combines the chunk arrays into one result of
// length plan.EffectiveTotal.
func (o *Orchestrator) Execute(ctx context.Context, plan Plan, shp shape.Descriptor) (Result, error) {
	if plan.EffectiveTotal == 0 {
		return Result{JSON: "[]", Meta: Metadata{Capped: plan.Capped}}, nil
	}

	allItems := make([]json.RawMessage, 0, plan.EffectiveTotal)
	var firstItem, lastItem string

	for i, size := range plan.ChunkSizes {
		o.events.Emit(Event{
			Type:       EventChunkStart,
			ChunkIndex: i + 1,
			ChunkCount: plan.ChunkCount(),
			Items:      size,
		})

		chunkShape := shp.WithItemCount(size)

		var continuation *generate.Continuation
		if i > 0 {
			continuation = &generate.Continuation{
				FirstItem: firstItem,
				LastItem:  lastItem,
				Produced:  len(allItems),
			}
		}

		items, attempts, err := o.executeChunk(ctx, chunkShape, continuation, size)
		if err != nil {
			from, to := plan.ItemRange(i)
			chunkErr := &ChunkError{
				Index:    i + 1,
				Count:    plan.ChunkCount(),
				From:     from,
				To:       to,
				Attempts: attempts,
				Err:      err,
			}
			o.events.Emit(Event{
				Type:       EventFailed,
				ChunkIndex: i + 1,
				ChunkCount: plan.ChunkCount(),
				Attempts:   attempts,
				Err:        chunkErr,
			})
			return Result{}, chunkErr
		}

		if i == 0 {
			firstItem = string(items[0])
		}
		lastItem = string(items[len(items)-1])
		allItems = append(allItems, items...)

		o.events.Emit(Event{
			Type:       EventChunkEnd,
			ChunkIndex: i + 1,
			ChunkCount: plan.ChunkCount(),
			Items:      len(items),
			Attempts:   attempts,
		})
	}

	combined, err := json.Marshal(allItems)
	if err != nil {
		return Result{}, fmt.Errorf("combine chunks: %w", err)
	}

	meta := Metadata{
		ChunkCount:    plan.ChunkCount(),
		ItemsPerChunk: plan.ItemsPerChunk,
		TotalItems:    len(allItems),
		Capped:        plan.Capped,
	}
	o.events.Emit(Event{
		Type:       EventCompleted,
		ChunkCount: plan.ChunkCount(),
		TotalItems: len(allItems),
		Capped:     plan.Capped,
	})

	return Result{Items: allItems, JSON: string(combined), Meta: meta}, nil
}

// executeChunk generates one chunk, retrying parse failures with a stricter
// instruction. A generator transport failure is not retried here - that
// policy lives with the backend - and fails the chunk immediately.
func (o *Orchestrator) executeChunk(ctx context.Context, chunkShape shape.Descriptor, continuation *generate.Continuation, want int) ([]json.RawMessage, int, error) {
	var lastErr error

	for attempt := 0; attempt <= o.parseRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempt, err
		}

		out, err := o.gen.Generate(ctx, generate.Request{
			Shape:        chunkShape,
			Continuation: continuation,
			Strict:       attempt > 0,
		})
		if err != nil {
			return nil, attempt + 1, err
		}

		items, err := jsonutil.ExtractArray(out)
		if err != nil {
			lastErr = err
			continue
		}
		if len(items) != want {
			lastErr = fmt.Errorf("generator returned %d items, wanted %d", len(items), want)
			continue
		}
		return items, attempt + 1, nil
	}

	return nil, o.parseRetries + 1, lastErr
}
