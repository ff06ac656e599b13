package events

import (
	"context"

	"github.com/rs/zerolog/log"

	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/service/session"
)

// SessionSink publishes realtime session outputs. Publish failures are
// logged and never surface to the client.
type SessionSink struct {
	publisher *Publisher
}

// NewSessionSink wraps p as a session.Sink.
func NewSessionSink(p *Publisher) *SessionSink {
	return &SessionSink{publisher: p}
}

func (s *SessionSink) Emit(ctx context.Context, out session.Output) {
	var err error
	switch out.Kind {
	case session.OutputPartial:
		err = s.publisher.PublishPartial(ctx, out.ConnectionID, models.TranscriptPartial{
			EventType:    models.EventTypePartial,
			ConnectionID: out.ConnectionID,
			Timestamp:    out.At.UnixMilli(),
			ChunkCount:   out.ChunkCount,
			Text:         out.Text,
		})
	case session.OutputFinal:
		err = s.publisher.PublishFinal(ctx, out.ConnectionID, models.TranscriptFinal{
			EventType:    models.EventTypeFinal,
			ConnectionID: out.ConnectionID,
			Timestamp:    out.At.UnixMilli(),
			ChunkCount:   out.ChunkCount,
			Text:         out.Text,
		})
	default:
		return
	}
	if err != nil {
		log.Warn().Err(err).
			Str("connectionId", out.ConnectionID).
			Str("output", out.Kind.String()).
			Msg("Dropped transcript event")
	}
}

// PublishTranscription publishes a stored batch transcription.
func (p *Publisher) PublishTranscription(ctx context.Context, rec models.TranscriptionRecord) error {
	return p.PublishBatch(ctx, rec.ID, models.TranscriptionCreated{
		EventType:      models.EventTypeBatch,
		TranscriptID:   rec.ID,
		AudioReference: rec.AudioReference,
		Source:         rec.Source,
		Timestamp:      rec.CreatedAt.UnixMilli(),
		Text:           rec.Text,
	})
}
