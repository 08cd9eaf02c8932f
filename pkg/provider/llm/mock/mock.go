// Package mock scripts language-model replies for parser and fallback tests.
//
// Configure a [Provider] before its first call. The outcome of a call comes
// from CompleteFunc when set, else from the next entry of Responses, else
// from CompleteResponse and CompleteErr:
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: `{"intent":"create_task"}`},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicecmd/pkg/provider/llm"
)

// CompleteCall is the recorded argument pair of one Complete call.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Result is one scripted outcome of Complete.
type Result struct {
	Response *llm.CompletionResponse
	Err      error
}

// Provider is a call-recording [llm.Provider].
type Provider struct {
	mu sync.Mutex

	// CompleteFunc computes the outcome of every call when set.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// Responses script consecutive calls. The last entry repeats.
	Responses []Result

	// CompleteResponse and CompleteErr are the fixed outcome.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	ModelCapabilities llm.ModelCapabilities

	// CompleteCalls lists the calls seen so far, oldest first.
	CompleteCalls []CompleteCall
}

// Complete records the call. A done ctx wins over any scripted outcome.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	n := len(p.CompleteCalls)
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	fn := p.CompleteFunc
	var scripted *Result
	if len(p.Responses) > 0 {
		scripted = &p.Responses[min(n, len(p.Responses)-1)]
	}
	resp, err := p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case fn != nil:
		return fn(ctx, req)
	case scripted != nil:
		return scripted.Response, scripted.Err
	}
	return resp, err
}

func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns a copy of CompleteCalls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}

// Reset forgets the recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
}

var _ llm.Provider = (*Provider)(nil)
