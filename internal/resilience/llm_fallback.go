package resilience

import (
	"context"

	"github.com/MrWong99/voicecmd/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] that fails over between model endpoints,
// each behind its own circuit breaker.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns a chain that prefers primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a provider to the chain.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete returns the first successful completion. When every endpoint
// fails, their errors stay reachable through errors.Is, so a rate-limited
// chain is still retried by the parser.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Capabilities reports the primary's capabilities. The parser shapes its
// requests for the primary; fallbacks are expected to accept them.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.Primary().Capabilities()
}

// States reports the circuit state of every endpoint.
func (f *LLMFallback) States() map[string]State {
	return f.group.States()
}
