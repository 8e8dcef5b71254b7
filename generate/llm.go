// LLM-backed Generator: prompt assembly, continuation rendering, and JSON
// extraction around a provider-agnostic llm.Client.

package generate

import (
	"context"
	"fmt"
	"strings"

	jsonutil "github.com/mirage-ai/mirage/internal/json"
	"github.com/mirage-ai/mirage/llm"
)

const systemPrompt = `You generate realistic mock JSON data for API development and testing.
You receive a JSON shape template; field values in the template are examples
or type hints, not literal values to echo back. Respond with JSON only - no
commentary, no markdown fences. Keep identifiers, sequence numbers, and
timestamps internally consistent.`

// LLMGenerator implements Generator on top of an llm.Client.
type LLMGenerator struct {
	client *llm.Client
}

// NewLLMGenerator creates a generator backed by the given client.
func NewLLMGenerator(client *llm.Client) *LLMGenerator {
	return &LLMGenerator{client: client}
}

// Generate builds the prompt for one chunk (or whole payload), calls the
// backend, and extracts the JSON portion of its reply.
func (g *LLMGenerator) Generate(ctx context.Context, req Request) (string, error) {
	response, err := g.client.Complete(ctx, llm.Request{
		System:    systemPrompt,
		Prompt:    buildPrompt(req),
		ForceJSON: true,
	})
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}

	extracted, err := jsonutil.ExtractJSON(response.Text)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return extracted, nil
}

func buildPrompt(req Request) string {
	var b strings.Builder

	b.WriteString("Generate a JSON payload matching this shape:\n")
	b.WriteString(req.Shape.String())
	b.WriteString("\n")

	if c := req.Continuation; c != nil {
		b.WriteString("\nThis is a continuation of an earlier response. ")
		fmt.Fprintf(&b, "%d items have been generated so far.\n", c.Produced)
		if c.FirstItem != "" {
			b.WriteString("The first item overall was:\n")
			b.WriteString(c.FirstItem)
			b.WriteString("\n")
		}
		if c.LastItem != "" {
			b.WriteString("The last item generated was:\n")
			b.WriteString(c.LastItem)
			b.WriteString("\n")
		}
		b.WriteString("Continue IDs and sequences from where the last item left off. Do not repeat items.\n")
	}

	if req.Strict {
		b.WriteString("\nIMPORTANT: Return ONLY valid, complete JSON. If you cannot fit every item, return fewer items rather than truncating mid-structure.\n")
	}

	return b.String()
}
