// Package mock provides a test double for the stt.Transcriber interface.
//
// Use Transcriber to feed controlled responses to the transcription service
// and to inspect which audio and options were delivered.
//
// Example:
//
//	m := &mock.Transcriber{Response: &stt.Response{Text: "create a task"}}
//	resp, err := m.Transcribe(ctx, audio, stt.Options{})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicecmd/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	Ctx   context.Context
	Audio []byte
	Opts  stt.Options
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// TranscribeFunc, if set, computes the outcome of every call.
	TranscribeFunc func(ctx context.Context, audio []byte, opts stt.Options) (*stt.Response, error)

	// Response and Err are returned when TranscribeFunc is nil.
	Response *stt.Response
	Err      error

	// PingErr is returned by Ping.
	PingErr error

	// Calls records every Transcribe invocation in order.
	Calls []TranscribeCall

	// PingCount is the number of Ping invocations.
	PingCount int
}

// Transcribe records the call and returns the configured outcome.
func (m *Transcriber) Transcribe(ctx context.Context, audio []byte, opts stt.Options) (*stt.Response, error) {
	m.mu.Lock()
	buf := make([]byte, len(audio))
	copy(buf, audio)
	m.Calls = append(m.Calls, TranscribeCall{Ctx: ctx, Audio: buf, Opts: opts})
	fn, resp, err := m.TranscribeFunc, m.Response, m.Err
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, audio, opts)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return &stt.Response{}, nil
	}
	cp := *resp
	return &cp, nil
}

// Ping records the call and returns PingErr.
func (m *Transcriber) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PingCount++
	return m.PingErr
}

// SetPingErr replaces PingErr under the lock.
func (m *Transcriber) SetPingErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PingErr = err
}

// CallCount returns the number of Transcribe invocations.
func (m *Transcriber) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

var _ stt.Transcriber = (*Transcriber)(nil)
