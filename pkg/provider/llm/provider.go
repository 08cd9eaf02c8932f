// Package llm defines the Provider interface for the language-understanding
// endpoint that turns transcripts into structured commands.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI GPT-4o,
// Anthropic Claude, or a local Ollama instance) and exposes a uniform
// completion interface so that the command parser does not couple to any
// specific SDK.
//
// Implementors must be safe for concurrent use. Providers classify upstream
// failures by wrapping [ErrRateLimited] and [ErrTimeout] so that callers can
// decide whether a retry is worthwhile.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrRateLimited is wrapped by providers when the endpoint rejected the
	// request because of rate limiting (HTTP 429 or equivalent).
	ErrRateLimited = errors.New("llm: rate limited")

	// ErrTimeout is wrapped by providers when the request exceeded its
	// deadline.
	ErrTimeout = errors.New("llm: timeout")
)

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is typically
	// from the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction injected before
	// the messages.
	SystemPrompt string

	// Temperature controls output randomness in the range [0.0, 2.0].
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider
	// default.
	MaxTokens int

	// JSONMode asks the provider to constrain output to a single JSON object.
	// Providers without native support rely on the prompt instead.
	JSONMode bool
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	//
	// Returns an error if the request fails or if ctx is cancelled before the
	// completion arrives. Rate-limit and timeout failures wrap
	// [ErrRateLimited] and [ErrTimeout] respectively.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata describing the underlying model.
	Capabilities() ModelCapabilities
}
