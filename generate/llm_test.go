package generate

import (
	"context"
	"strings"
	"testing"

	"github.com/mirage-ai/mirage/llm"
	"github.com/mirage-ai/mirage/shape"
)

// capturingProvider records the request and replies with a canned response.
type capturingProvider struct {
	req   llm.Request
	reply string
}

func (p *capturingProvider) Name() string  { return "fake" }
func (p *capturingProvider) Model() string { return "fake-model" }

func (p *capturingProvider) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	p.req = req
	return llm.Response{Text: p.reply}, nil
}

func testShape(t *testing.T) shape.Descriptor {
	t.Helper()
	d, err := shape.Parse([]byte(`{"count":3,"items":[{"id":1}]}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return d
}

func TestGenerateForcesJSONAndExtracts(t *testing.T) {
	provider := &capturingProvider{reply: "Sure! Here you go:\n```json\n[{\"id\":1}]\n```"}
	gen := NewLLMGenerator(llm.NewClient(provider))

	out, err := gen.Generate(context.Background(), Request{Shape: testShape(t)})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if out != `[{"id":1}]` {
		t.Errorf("expected extracted JSON, got %q", out)
	}
	if !provider.req.ForceJSON {
		t.Error("expected ForceJSON set")
	}
	if provider.req.System == "" {
		t.Error("expected a system instruction")
	}
	if !strings.Contains(provider.req.Prompt, `"count":3`) {
		t.Errorf("prompt must carry the shape, got %q", provider.req.Prompt)
	}
}

func TestGeneratePromptCarriesContinuation(t *testing.T) {
	provider := &capturingProvider{reply: `[{"id":11}]`}
	gen := NewLLMGenerator(llm.NewClient(provider))

	_, err := gen.Generate(context.Background(), Request{
		Shape: testShape(t),
		Continuation: &Continuation{
			FirstItem: `{"id":1}`,
			LastItem:  `{"id":10}`,
			Produced:  10,
		},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	prompt := provider.req.Prompt
	for _, want := range []string{"10 items", `{"id":1}`, `{"id":10}`, "Do not repeat"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestGenerateStrictInstruction(t *testing.T) {
	provider := &capturingProvider{reply: `[]`}
	gen := NewLLMGenerator(llm.NewClient(provider))

	if _, err := gen.Generate(context.Background(), Request{Shape: testShape(t), Strict: true}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !strings.Contains(provider.req.Prompt, "ONLY valid, complete JSON") {
		t.Error("strict retries must carry the stricter instruction")
	}
}

func TestGenerateRejectsNonJSONReply(t *testing.T) {
	provider := &capturingProvider{reply: "I'm sorry, I can't help with that."}
	gen := NewLLMGenerator(llm.NewClient(provider))

	if _, err := gen.Generate(context.Background(), Request{Shape: testShape(t)}); err == nil {
		t.Fatal("expected an extraction error")
	}
}
