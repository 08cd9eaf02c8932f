// Package openai provides a Transcriber backed by the OpenAI audio API.
//
// Requests ask for the verbose_json response format so that per-segment
// log probabilities are available for confidence scoring.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/voicecmd/pkg/audio"
	"github.com/MrWong99/voicecmd/pkg/provider/stt"
)

var _ stt.Transcriber = (*Transcriber)(nil)

// Transcriber implements stt.Transcriber using the OpenAI API.
type Transcriber struct {
	client oai.Client
	model  string
}

// Option adds a request option to the SDK client. Later options win.
type Option func(*[]option.RequestOption)

func with(o option.RequestOption) Option {
	return func(opts *[]option.RequestOption) { *opts = append(*opts, o) }
}

// WithBaseURL points the client at another OpenAI-compatible endpoint.
func WithBaseURL(url string) Option { return with(option.WithBaseURL(url)) }

// WithOrganization sends the organization ID with every request.
func WithOrganization(org string) Option { return with(option.WithOrganization(org)) }

// WithTimeout bounds each HTTP attempt.
func WithTimeout(d time.Duration) Option { return with(option.WithRequestTimeout(d)) }

// New returns a Transcriber using model, whisper-1 when empty. The SDK does
// not retry; the transcription service owns retries.
func New(apiKey, model string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: api key must not be empty")
	}
	if model == "" {
		model = string(oai.AudioModelWhisper1)
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &Transcriber{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Transcribe uploads one recording. Raw PCM is wrapped in a WAV container
// first.
func (t *Transcriber) Transcribe(ctx context.Context, data []byte, opts stt.Options) (*stt.Response, error) {
	if len(data) == 0 {
		return nil, errors.New("openai stt: empty audio")
	}
	up := audio.PrepareUpload(data, opts.Encoding, opts.SampleRate, opts.Channels)

	format := oai.AudioResponseFormatVerboseJSON
	if opts.ResponseFormat != "" {
		format = oai.AudioResponseFormat(opts.ResponseFormat)
	}
	params := oai.AudioTranscriptionNewParams{
		File:           oai.File(bytes.NewReader(up.Data), up.FileName, up.ContentType),
		Model:          oai.AudioModel(t.model),
		ResponseFormat: format,
	}
	if opts.Language != "" {
		params.Language = param.NewOpt(opts.Language)
	}
	if opts.Prompt != "" {
		params.Prompt = param.NewOpt(opts.Prompt)
	}
	if opts.Temperature > 0 {
		params.Temperature = param.NewOpt(opts.Temperature)
	}

	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, classifyError(err)
	}

	if format != oai.AudioResponseFormatVerboseJSON {
		return &stt.Response{Text: resp.Text}, nil
	}
	var v stt.VerboseJSON
	if err := json.Unmarshal([]byte(resp.RawJSON()), &v); err != nil {
		return nil, fmt.Errorf("openai stt: decode verbose response: %w", err)
	}
	return v.Response(), nil
}

// Ping fetches the configured model, which checks both reachability and
// credentials.
func (t *Transcriber) Ping(ctx context.Context) error {
	if _, err := t.client.Models.Get(ctx, t.model); err != nil {
		return fmt.Errorf("openai stt: ping: %w", err)
	}
	return nil
}

func classifyError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return fmt.Errorf("openai stt: transcription: %w: %w", stt.ErrRateLimited, err)
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return fmt.Errorf("openai stt: transcription: %w: %w", stt.ErrTimeout, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("openai stt: transcription: %w: %w", stt.ErrTimeout, err)
	}
	return fmt.Errorf("openai stt: transcription: %w", err)
}
