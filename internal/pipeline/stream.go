package pipeline

import (
	"context"
	"iter"
	"strings"

	"github.com/MrWong99/voicecmd/internal/apperr"
	"github.com/MrWong99/voicecmd/internal/events"
	"github.com/MrWong99/voicecmd/internal/observe"
	"github.com/MrWong99/voicecmd/pkg/types"
)

// StreamUpdate is one step of [Orchestrator.ProcessStreamingAudio].
type StreamUpdate struct {
	CommandID uint64

	// Index is the 0-based transcription flush this update belongs to.
	Index int

	// Final is set on the update for the audio remaining at stream end.
	Final bool

	// Fragment is the text of this flush; Transcript is everything heard
	// so far.
	Fragment   string
	Transcript string

	// Command is the command parsed from Transcript. Nil when Err is set.
	Command *types.ParsedCommand

	Err error
}

// ProcessStreamingAudio transcribes chunks as they arrive and re-parses the
// accumulated transcript after every flush, yielding a partial command each
// time. A failed flush or parse is yielded with Err set and the stream goes
// on. seg describes the format and owner of the stream; its Data is ignored.
//
// One metrics record is kept per stream, reflecting its last update. A
// stream that carries no audio at all is recorded and reported as a
// validation failure. Accuracy is bounded by the least confident flush that
// contributed to the transcript.
func (o *Orchestrator) ProcessStreamingAudio(ctx context.Context, seg types.AudioSegment, chunks iter.Seq[[]byte], uc types.UserContext) iter.Seq[StreamUpdate] {
	return func(yield func(StreamUpdate) bool) {
		id := o.nextID.Add(1)
		start := o.now()
		m := Metrics{CommandID: id, UserID: uc.UserID, Start: start}
		base := events.Event{CommandID: id, UserID: uc.UserID, SessionID: uc.SessionID}

		ctx, span := observe.StartSpan(ctx, "pipeline.stream", observe.CommandAttrs(id, uc.UserID, uc.SessionID))
		defer span.End()

		if uc.UserID == "" || uc.SessionID == "" {
			err := apperr.New(apperr.KindValidation, "pipeline.stream", "user and session IDs are required")
			m.FailedStage, m.Error = StageValidation, err.Error()
			m.Total = o.now().Sub(start)
			o.record(m)
			yield(StreamUpdate{CommandID: id, Err: err})
			return
		}

		var (
			heard     []string
			heardConf = 1.0
			lastErr   error
			seen      bool
		)
		defer func() {
			m.Total = o.now().Sub(start)
			m.Success = lastErr == nil
			status := "success"
			if lastErr != nil {
				m.Error = lastErr.Error()
				status = "failure"
			}
			o.record(m)
			o.metrics.RecordCommand(ctx, status, m.Total)

			ev := base
			ev.Type = events.TypeCompleted
			if lastErr != nil {
				ev.Type = events.TypeFailed
				ev.Error = lastErr.Error()
			}
			ev.Duration = m.Total
			ev.Confidence = m.Accuracy
			ev.Transcript = strings.Join(heard, " ")
			o.publish(ctx, ev)
		}()

		for part := range o.transcriber.TranscribeStream(ctx, seg, chunks, o.cfg.Transcription) {
			seen = true
			up := StreamUpdate{CommandID: id, Index: part.Index, Final: part.Final}
			m.Transcription += part.Result.ProcessingTime

			if part.Result.Err != nil {
				lastErr = part.Result.Err
				m.FailedStage = StageTranscription
				up.Err = lastErr
				up.Transcript = strings.Join(heard, " ")
				if !yield(up) {
					return
				}
				continue
			}

			up.Fragment = part.Result.Text
			if up.Fragment != "" {
				heard = append(heard, up.Fragment)
				heardConf = min(heardConf, part.Result.Confidence)
				m.TranscriptionConfidence = heardConf
			}
			up.Transcript = strings.Join(heard, " ")

			ev := base
			ev.Type = events.TypeTranscribed
			ev.Duration = part.Result.ProcessingTime
			ev.Confidence = part.Result.Confidence
			ev.Transcript = up.Fragment
			o.publish(ctx, ev)

			if up.Transcript == "" {
				if !yield(up) {
					return
				}
				continue
			}

			t0 := o.now()
			cmd, err := o.parser.Parse(ctx, up.Transcript, uc)
			m.Parsing += o.stage(ctx, StageParsing, t0)
			if err != nil {
				lastErr = err
				m.FailedStage = StageParsing
				up.Err = err
			} else {
				lastErr = nil
				m.FailedStage = ""
				m.ParsingConfidence = cmd.Confidence
				m.Actions = len(cmd.Actions)
				m.Accuracy = min(heardConf, cmd.Confidence)
				cmd.Confidence = types.ClampConfidence(m.Accuracy)
				up.Command = cmd

				ev := base
				ev.Type = events.TypeParsed
				ev.Confidence = cmd.Confidence
				ev.Transcript = up.Transcript
				ev.Command = cmd
				o.publish(ctx, ev)
			}
			if !yield(up) {
				return
			}
		}

		if !seen {
			lastErr = apperr.New(apperr.KindValidation, "pipeline.stream", "stream carried no audio")
			m.FailedStage = StageValidation
			yield(StreamUpdate{CommandID: id, Final: true, Err: lastErr})
		}
	}
}
