// Package whisper provides a Transcriber backed by a local whisper.cpp server.
//
// It talks to a running whisper-server binary, which exposes a REST API at
// POST /inference. Raw PCM is normalised to 16 kHz mono and wrapped in a WAV
// container before upload; container formats are forwarded unchanged.
//
// Usage:
//
//	t, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	resp, err := t.Transcribe(ctx, pcm, stt.Options{SampleRate: 16000, Channels: 1})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/voicecmd/pkg/audio"
	"github.com/MrWong99/voicecmd/pkg/provider/stt"
)

const defaultLanguage = "en"

// Compile-time assertion that Transcriber implements stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// Option is a functional option for configuring a Transcriber.
type Option func(*Transcriber)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with.
func WithModel(model string) Option {
	return func(t *Transcriber) {
		t.model = model
	}
}

// WithLanguage sets the default language sent when the request options do
// not carry one. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(t *Transcriber) {
		t.language = lang
	}
}

// WithHTTPClient replaces the HTTP client. Defaults to a client with a 30s
// timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transcriber) {
		t.httpClient = c
	}
}

// Transcriber implements stt.Transcriber against a whisper.cpp HTTP server.
type Transcriber struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Transcriber for the whisper.cpp HTTP server at serverURL
// (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Transcriber, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	t := &Transcriber{
		serverURL:  serverURL,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Transcribe implements stt.Transcriber.
func (t *Transcriber) Transcribe(ctx context.Context, data []byte, opts stt.Options) (*stt.Response, error) {
	if len(data) == 0 {
		return nil, errors.New("whisper: empty audio")
	}

	var up audio.Upload
	if audio.IsPCM(opts.Encoding) {
		pcm := audio.ToMono16k(data, opts.SampleRate, opts.Channels)
		up = audio.PrepareUpload(pcm, audio.EncodingPCM, 16000, 1)
	} else {
		up = audio.PrepareUpload(data, opts.Encoding, opts.SampleRate, opts.Channels)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", up.FileName)
	if err != nil {
		return nil, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(up.Data); err != nil {
		return nil, fmt.Errorf("whisper: write audio data: %w", err)
	}

	lang := opts.Language
	if lang == "" {
		lang = t.language
	}
	format := opts.ResponseFormat
	if format == "" {
		format = "verbose_json"
	}
	fields := map[string]string{
		"language":        lang,
		"model":           t.model,
		"prompt":          opts.Prompt,
		"response_format": format,
	}
	if opts.Temperature > 0 {
		fields["temperature"] = strconv.FormatFloat(opts.Temperature, 'f', -1, 64)
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.serverURL+"/inference", &body)
	if err != nil {
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("whisper: http request: %w: %w", stt.ErrTimeout, err)
		}
		return nil, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("whisper: %w", stt.ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("whisper: read response body: %w", err)
	}

	var result stt.VerboseJSON
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	out := result.Response()
	if out.Duration == 0 && audio.IsPCM(opts.Encoding) {
		out.Duration = audio.Duration(len(data), opts.SampleRate, opts.Channels)
	}
	return out, nil
}

// Ping implements stt.Transcriber. Any response below 500 counts as
// reachable; whisper-server has no dedicated health route.
func (t *Transcriber) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.serverURL+"/", nil)
	if err != nil {
		return fmt.Errorf("whisper: ping: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whisper: ping: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("whisper: ping: server returned HTTP %d", resp.StatusCode)
	}
	return nil
}
