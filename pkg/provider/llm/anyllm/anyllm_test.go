package anyllm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voicecmd/pkg/provider/llm"
)

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := &Provider{name: "anthropic", model: "claude-3-5-haiku-latest"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Extract voice commands as JSON.",
		Messages: []llm.Message{
			{Role: "user", Content: "create a task called launch plan"},
			{Role: "assistant", Content: "{}"},
		},
		Temperature: 0.1,
		MaxTokens:   2000,
		JSONMode:    true,
	})

	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("model = %q", params.Model)
	}
	var roles []string
	for _, m := range params.Messages {
		roles = append(roles, m.Role)
	}
	if !slices.Equal(roles, []string{anyllmlib.RoleSystem, "user", "assistant"}) {
		t.Errorf("roles = %v", roles)
	}
	if got := params.Messages[1].ContentString(); got != "create a task called launch plan" {
		t.Errorf("user content = %q", got)
	}
	if params.Temperature == nil || *params.Temperature != 0.1 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 2000 {
		t.Errorf("max tokens = %v", params.MaxTokens)
	}
}

func TestBuildParams_Defaults(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "llama3.1"}
	params := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "hi"}}})
	if len(params.Messages) != 1 || params.Temperature != nil || params.MaxTokens != nil {
		t.Errorf("params = %+v, want one message and backend defaults", params)
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err         error
		rateLimited bool
		timeout     bool
	}{
		{errors.New("POST /v1/messages: 429 Too Many Requests"), true, false},
		{errors.New("Rate limit reached for requests"), true, false},
		{fmt.Errorf("post: %w", context.DeadlineExceeded), false, true},
		{errors.New("invalid api key"), false, false},
	}
	for _, tt := range tests {
		got := classifyError("groq", tt.err)
		if errors.Is(got, llm.ErrRateLimited) != tt.rateLimited || errors.Is(got, llm.ErrTimeout) != tt.timeout {
			t.Errorf("classifyError(%v) = %v", tt.err, got)
		}
		if !errors.Is(got, tt.err) {
			t.Errorf("classifyError(%v) lost the cause", tt.err)
		}
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model   string
		context int
		output  int
	}{
		{"gpt-4o-mini", 128_000, 16_384},
		{"GPT-4O", 128_000, 16_384},
		{"gpt-4", 8_192, 4_096},
		{"o1-mini", 128_000, 65_536},
		{"claude-3-5-haiku-latest", 200_000, 8_192},
		{"claude-3-opus-20240229", 200_000, 4_096},
		{"gemini-1.5-pro", 2_097_152, 8_192},
		{"deepseek-chat", 64_000, 8_192},
		{"my-finetune", 128_000, 4_096},
	}
	for _, tt := range tests {
		caps := modelCapabilities(tt.model)
		if caps.ContextWindow != tt.context || caps.MaxOutputTokens != tt.output {
			t.Errorf("%s: caps = %+v, want %d/%d", tt.model, caps, tt.context, tt.output)
		}
		if caps.SupportsJSONMode {
			t.Errorf("%s: JSON mode must be prompt-driven", tt.model)
		}
	}
}

func TestBackends(t *testing.T) {
	t.Parallel()

	want := []string{"anthropic", "deepseek", "gemini", "groq", "llamacpp", "llamafile", "mistral", "ollama", "openai"}
	if got := Backends(); !slices.Equal(got, want) {
		t.Errorf("Backends() = %v", got)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New("openai", ""); err == nil {
		t.Error("empty model accepted")
	}
	if _, err := New("fakecloud", "m", anyllmlib.WithAPIKey("k")); err == nil {
		t.Error("unknown backend accepted")
	}

	for _, tt := range []struct {
		backend string
		model   string
		opts    []anyllmlib.Option
	}{
		{"Anthropic", "claude-3-5-haiku-latest", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
		{"openai", "gpt-4o-mini", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}},
		{"ollama", "llama3.1", []anyllmlib.Option{anyllmlib.WithBaseURL("http://localhost:11434")}},
	} {
		p, err := New(tt.backend, tt.model, tt.opts...)
		if err != nil {
			t.Fatalf("New(%s): %v", tt.backend, err)
		}
		if p.model != tt.model || p.Capabilities().ContextWindow == 0 {
			t.Errorf("New(%s) = %+v", tt.backend, p)
		}
	}
}
