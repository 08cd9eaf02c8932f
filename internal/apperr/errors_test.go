package apperr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestIs_MatchesKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(KindValidation, "parser.parse", "transcript is empty"))

	if !errors.Is(err, Validation) {
		t.Error("errors.Is(err, Validation) = false, want true")
	}
	if errors.Is(err, Transient) {
		t.Error("errors.Is(err, Transient) = true, want false")
	}
	if KindOf(err) != KindValidation {
		t.Errorf("KindOf = %v, want validation", KindOf(err))
	}
}

func TestWrap_Unwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindBackingStore, "kv.get", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped error does not unwrap to cause")
	}
	if Wrap(KindUpstream, "op", nil) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestError_Message(t *testing.T) {
	err := New(KindMalformedResponse, "parser.parse", "missing intent").
		WithRequest("req-1").
		WithElapsed(2 * time.Second).
		WithInput(strings.Repeat("x", 800))

	msg := err.Error()
	for _, want := range []string{"parser.parse", "malformed-response", "missing intent", "req-1"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
	if len(err.Input) > maxInputLen+len("…") {
		t.Errorf("Input not truncated: len=%d", len(err.Input))
	}
}

func TestKindOf_Plain(t *testing.T) {
	if KindOf(errors.New("plain")) != 0 {
		t.Error("KindOf(plain error) should be 0")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "create task", 20, "create task"},
		{"exact", "abc", 3, "abc"},
		{"ascii cut", "abcdef", 4, "abcd…"},
		{"inside two-byte rune", "café au lait", 4, "caf…"},
		{"after two-byte rune", "café au lait", 5, "café…"},
		{"inside four-byte rune", "ok 🎉 done", 5, "ok …"},
		{"zero", "abc", 0, "…"},
	}
	for _, tt := range tests {
		got := Truncate(tt.in, tt.n)
		if got != tt.want {
			t.Errorf("%s: Truncate(%q, %d) = %q, want %q", tt.name, tt.in, tt.n, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("%s: result %q is not valid UTF-8", tt.name, got)
		}
	}
}
