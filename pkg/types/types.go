// Package types holds the data model passed between the voicecmd stages:
// captured audio, transcripts, the organisation context snapshot, resolved
// entities and the parsed command with its actions.
//
// Constructors and validators here keep the model's invariants. Action types
// form a closed set and confidences stay within [0, 1].
package types

import "time"

// AudioSegment is a captured piece of speech handed to the pipeline. It is
// immutable once captured; the caller owns it until it is passed in.
type AudioSegment struct {
	// Data is the raw audio buffer. For PCM encodings it holds 16-bit signed
	// little-endian samples; for container formats (wav, mp3, webm) it holds
	// the encoded file bytes.
	Data []byte

	// SampleRate in Hz (e.g., 16000).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Encoding names the audio format (e.g., "pcm_s16le", "wav", "webm").
	Encoding string

	// Duration is the length of the captured audio. Zero when unknown.
	Duration time.Duration

	// CapturedAt is the wall-clock time the audio was recorded.
	CapturedAt time.Time

	// UserID and SessionID identify the owner of the audio.
	UserID    string
	SessionID string

	// LanguageHint is an optional BCP-47 hint forwarded to the transcriber.
	LanguageHint string

	// ContextHint is optional free text that primes the transcriber with
	// vocabulary (team member names, project names).
	ContextHint string
}

// WordTiming holds per-word timing from transcribers that support it.
type WordTiming struct {
	Word       string        `json:"word"`
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Confidence float64       `json:"confidence,omitempty"`
}

// TranscriptSegment is one time-bounded piece of a transcript.
type TranscriptSegment struct {
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	Words      []WordTiming  `json:"words,omitempty"`
}

// TranscriptResult is the output of a single transcription call.
type TranscriptResult struct {
	// Text is the transcribed speech content.
	Text string `json:"text"`

	// Confidence is the overall confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// Language is the language detected by the transcriber.
	Language string `json:"language,omitempty"`

	// ProcessingTime is the latency of the call that produced this result.
	// It is ephemeral and never cached.
	ProcessingTime time.Duration `json:"-"`

	// Segments is the optional ordered list of sub-segments.
	Segments []TranscriptSegment `json:"segments,omitempty"`

	// Cached reports whether the result was served from the transcription cache.
	Cached bool `json:"-"`

	// Err is set on batch and stream results whose call failed. Such results
	// carry a zero confidence.
	Err error `json:"-"`
}

// UserContext identifies who issued a voice command.
type UserContext struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	SessionID      string `json:"session_id,omitempty"`

	// Timezone is an optional IANA zone name used for temporal resolution.
	Timezone string `json:"timezone,omitempty"`
}
