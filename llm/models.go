// Package llm provides shared data models for LLM providers.
package llm

// Request is a single completion request. Payload generation never needs
// multi-turn conversations: every call is one system instruction plus one
// prompt, optionally constrained to JSON output.
type Request struct {
	// System is the system instruction (may be empty).
	System string
	// Prompt is the user-visible request text.
	Prompt string
	// ForceJSON asks the provider for a JSON-only response where the API
	// supports it (OpenAI/DeepSeek response_format, Gemini response MIME
	// type). Providers without a JSON mode rely on the prompt alone.
	ForceJSON bool
}

// Response is a completion from an LLM provider.
type Response struct {
	Text  string
	Usage *TokenUsage
}

// TokenUsage contains token usage statistics.
type TokenUsage struct {
	PromptTokens     uint32
	CompletionTokens uint32
	TotalTokens      uint32
}

// Add accumulates usage from another call. Nil usage is ignored.
func (u *TokenUsage) Add(other *TokenUsage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}
