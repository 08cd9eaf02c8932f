// Package stt defines the Transcriber interface for speech-to-text backends.
//
// A Transcriber wraps a batch transcription endpoint (the OpenAI audio API,
// a local whisper.cpp server, ...) and exposes a uniform request/response
// call so that the transcription service does not couple to any SDK. Each
// Transcriber value is one pre-configured client handle; the connection pool
// in internal/transcription owns several of them.
//
// Implementations must be safe for concurrent use. Rate-limit and timeout
// failures wrap [ErrRateLimited] and [ErrTimeout] so that callers can decide
// whether a retry is worthwhile.
package stt

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/MrWong99/voicecmd/pkg/types"
)

var (
	// ErrRateLimited is wrapped when the endpoint rejected the request
	// because of rate limiting (HTTP 429).
	ErrRateLimited = errors.New("stt: rate limited")

	// ErrTimeout is wrapped when the request exceeded its deadline.
	ErrTimeout = errors.New("stt: timeout")
)

// Options are the recognition hints forwarded with each request.
type Options struct {
	// Language is an ISO-639-1 / BCP-47 code. Empty lets the endpoint detect.
	Language string

	// Prompt primes the recogniser with vocabulary.
	Prompt string

	// Temperature is the sampling temperature. Zero is deterministic.
	Temperature float64

	// ResponseFormat selects the endpoint's response shape. Implementations
	// default to a format that carries per-segment detail.
	ResponseFormat string

	// Encoding, SampleRate and Channels describe the audio bytes. Raw PCM is
	// wrapped in a WAV container before upload.
	Encoding   string
	SampleRate int
	Channels   int
}

// Response is the endpoint's answer to one transcription request.
type Response struct {
	Text     string
	Language string
	Duration time.Duration

	// Segments carry per-segment confidence and timing when the endpoint
	// reports them. May be nil.
	Segments []types.TranscriptSegment
}

// Transcriber is the abstraction over any transcription endpoint.
type Transcriber interface {
	// Transcribe sends audio to the endpoint and waits for the transcript.
	Transcribe(ctx context.Context, audio []byte, opts Options) (*Response, error)

	// Ping performs a cheap reachability check used by pool health checks.
	Ping(ctx context.Context) error
}

// LogprobConfidence converts a Whisper segment's average log probability
// into a confidence in [0, 1], discounted by the probability that the
// segment holds no speech.
func LogprobConfidence(avgLogprob, noSpeechProb float64) float64 {
	c := math.Exp(avgLogprob) * (1 - noSpeechProb)
	return types.ClampConfidence(c)
}

// verboseSegment is the segment shape of Whisper's verbose_json format,
// shared by the OpenAI API and whisper.cpp.
type verboseSegment struct {
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	Text         string  `json:"text"`
	AvgLogprob   float64 `json:"avg_logprob"`
	NoSpeechProb float64 `json:"no_speech_prob"`
	Words        []struct {
		Word        string  `json:"word"`
		Start       float64 `json:"start"`
		End         float64 `json:"end"`
		Probability float64 `json:"probability"`
	} `json:"words"`
}

// VerboseJSON is the Whisper verbose_json response body.
type VerboseJSON struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []verboseSegment `json:"segments"`
}

// Response converts the decoded body into a Response.
func (v *VerboseJSON) Response() *Response {
	out := &Response{
		Text:     v.Text,
		Language: v.Language,
		Duration: seconds(v.Duration),
	}
	for _, s := range v.Segments {
		seg := types.TranscriptSegment{
			Start:      seconds(s.Start),
			End:        seconds(s.End),
			Text:       s.Text,
			Confidence: LogprobConfidence(s.AvgLogprob, s.NoSpeechProb),
		}
		for _, w := range s.Words {
			seg.Words = append(seg.Words, types.WordTiming{
				Word:       w.Word,
				Start:      seconds(w.Start),
				End:        seconds(w.End),
				Confidence: w.Probability,
			})
		}
		out.Segments = append(out.Segments, seg)
	}
	return out
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
