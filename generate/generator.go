// Package generate defines the one Generator abstraction the whole engine
// consumes. The chunk orchestrator and the variant cache both speak to the
// same interface; concrete LLM backends live behind it.
package generate

import (
	"context"

	"github.com/mirage-ai/mirage/shape"
)

// Continuation summarizes the boundary of previously generated chunks so the
// backend keeps IDs and sequences consistent across a chunked request. It is
// rebuilt by the orchestrator after every chunk.
type Continuation struct {
	// FirstItem is the JSON of the very first generated item.
	FirstItem string
	// LastItem is the JSON of the last item of the most recent chunk.
	LastItem string
	// Produced is the number of items generated so far.
	Produced int
}

// Request describes one generation call.
type Request struct {
	// Shape is the template the payload must match.
	Shape shape.Descriptor
	// Continuation is non-nil for every chunk after the first.
	Continuation *Continuation
	// Strict is set on retries after a parse failure: the backend is told to
	// return only valid JSON and to prefer fewer items over truncation.
	Strict bool
}

// Generator produces one JSON payload fragment for a request. The returned
// string is expected to be extractable JSON text; it may fail and may be
// slow. Retry and circuit-breaking policy belongs to implementations, not
// callers.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
