// Package apperr defines the error taxonomy of the voice-command pipeline.
//
// Every failure surfaced by a pipeline stage is classified into one of five
// kinds. Callers match on kinds with [errors.Is] against the exported kind
// sentinels:
//
//	if errors.Is(err, apperr.Validation) { ... }
//
// An [*Error] additionally carries structured diagnostics: the operation, the
// request ID, the (truncated) offending input, and the time spent so far.
package apperr

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Kind classifies a failure.
type Kind int

const (
	// KindValidation marks rejected input. Never retried.
	KindValidation Kind = iota + 1

	// KindTransient marks rate-limit or timeout failures of an upstream
	// endpoint. Retried locally before being surfaced.
	KindTransient

	// KindMalformedResponse marks unparseable or schema-incomplete upstream
	// output. Never retried.
	KindMalformedResponse

	// KindResourceExhausted marks a connection pool with no healthy handle
	// within the bounded wait.
	KindResourceExhausted

	// KindBackingStore marks cache or data-store failures. Callers of caches
	// treat these as misses.
	KindBackingStore

	// KindUpstream marks non-transient upstream failures.
	KindUpstream
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient-upstream"
	case KindMalformedResponse:
		return "malformed-response"
	case KindResourceExhausted:
		return "resource-exhaustion"
	case KindBackingStore:
		return "backing-store"
	case KindUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// Kind sentinels for use with [errors.Is].
var (
	Validation        = &Error{Kind: KindValidation}
	Transient         = &Error{Kind: KindTransient}
	MalformedResponse = &Error{Kind: KindMalformedResponse}
	ResourceExhausted = &Error{Kind: KindResourceExhausted}
	BackingStore      = &Error{Kind: KindBackingStore}
	Upstream          = &Error{Kind: KindUpstream}
)

// maxInputLen bounds the diagnostic copy of the offending input.
const maxInputLen = 500

// Error is a classified pipeline failure.
type Error struct {
	Kind Kind

	// Op names the failing operation (e.g., "parser.parse").
	Op string

	// RequestID identifies the pipeline run, if known.
	RequestID string

	// Input is a truncated copy of the offending input, for diagnostics.
	Input string

	// Elapsed is the time spent in the operation before it failed.
	Elapsed time.Duration

	// Msg is a human-readable description.
	Msg string

	// Err is the underlying cause. May be nil.
	Err error
}

// New returns a classified error with the given message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err. It returns nil when err is nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithInput attaches a truncated copy of input.
func (e *Error) WithInput(input string) *Error {
	e.Input = Truncate(input, maxInputLen)
	return e
}

// WithRequest attaches the request ID.
func (e *Error) WithRequest(id string) *Error {
	e.RequestID = id
	return e
}

// WithElapsed attaches the time spent so far.
func (e *Error) WithElapsed(d time.Duration) *Error {
	e.Elapsed = d
	return e
}

// Error implements error.
func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Kind.String())
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	if e.RequestID != "" {
		fmt.Fprintf(&sb, " (request %s)", e.RequestID)
	}
	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the kind sentinels work with
// [errors.Is].
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Truncate shortens s to at most n bytes, appending "…" when cut. The cut
// never splits a multi-byte rune.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n < 0 {
		n = 0
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
