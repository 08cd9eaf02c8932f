package transcription

import (
	"context"
	"iter"
	"time"

	"github.com/MrWong99/voicecmd/pkg/audio"
	"github.com/MrWong99/voicecmd/pkg/provider/stt"
	"github.com/MrWong99/voicecmd/pkg/types"
)

// StreamResult is one flush of [Service.TranscribeStream].
type StreamResult struct {
	// Index is the 0-based flush number.
	Index int

	// Offset is the position of the flushed audio within the stream.
	Offset time.Duration

	// Final is set on the flush of the remaining audio at stream end.
	Final bool

	// Result is never nil. On failure Result.Err is set and the stream
	// continues.
	Result *types.TranscriptResult
}

// TranscribeStream accumulates chunks until the configured flush duration
// of audio is buffered, transcribes the buffer through [Service.Transcribe]
// and starts over. Audio left at the end of chunks is flushed last. seg
// describes the stream's format and owner; its Data is ignored.
//
// The returned sequence is single-use. It stops early when the consumer
// stops iterating or ctx is done.
func (s *Service) TranscribeStream(ctx context.Context, seg types.AudioSegment, chunks iter.Seq[[]byte], opts stt.Options) iter.Seq[StreamResult] {
	sampleRate, channels := seg.SampleRate, seg.Channels
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	threshold := int(float64(audio.BytesPerSecond(sampleRate, channels)) * s.cfg.StreamFlush.Seconds())

	return func(yield func(StreamResult) bool) {
		var (
			buf    []byte
			index  int
			offset int
		)
		flush := func(final bool) bool {
			part := seg
			part.Data = buf
			part.Duration = audio.Duration(len(buf), sampleRate, channels)

			res, err := s.Transcribe(ctx, &part, opts)
			if err != nil {
				res = &types.TranscriptResult{Err: err}
			}
			out := StreamResult{
				Index:  index,
				Offset: audio.Duration(offset, sampleRate, channels),
				Final:  final,
				Result: res,
			}
			index++
			offset += len(buf)
			buf = nil
			return yield(out)
		}

		for chunk := range chunks {
			if ctx.Err() != nil {
				return
			}
			buf = append(buf, chunk...)
			if len(buf) >= threshold {
				if !flush(false) {
					return
				}
			}
		}
		if len(buf) > 0 && ctx.Err() == nil {
			flush(true)
		}
	}
}
