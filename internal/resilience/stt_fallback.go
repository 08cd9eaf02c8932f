package resilience

import (
	"context"

	"github.com/MrWong99/voicecmd/pkg/provider/stt"
)

// STTFallback is an [stt.Transcriber] that fails over between transcription
// endpoints, each behind its own circuit breaker. The pool builds one per
// pooled handle.
type STTFallback struct {
	group *FallbackGroup[stt.Transcriber]
}

var _ stt.Transcriber = (*STTFallback)(nil)

// NewSTTFallback returns a chain that prefers primary.
func NewSTTFallback(primary stt.Transcriber, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a transcriber to the chain.
func (f *STTFallback) AddFallback(name string, t stt.Transcriber) {
	f.group.AddFallback(name, t)
}

// Transcribe returns the first successful transcript.
func (f *STTFallback) Transcribe(ctx context.Context, audio []byte, opts stt.Options) (*stt.Response, error) {
	return ExecuteWithResult(f.group, func(t stt.Transcriber) (*stt.Response, error) {
		return t.Transcribe(ctx, audio, opts)
	})
}

// Ping succeeds while any endpoint answers, so the pool keeps a handle whose
// primary is down but whose fallback still works.
func (f *STTFallback) Ping(ctx context.Context) error {
	return f.group.Execute(func(t stt.Transcriber) error {
		return t.Ping(ctx)
	})
}

// States reports the circuit state of every endpoint.
func (f *STTFallback) States() map[string]State {
	return f.group.States()
}
