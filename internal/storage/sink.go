// Package storage hands finalized transcripts to durable storage.
package storage

import (
	"context"

	"github.com/rs/zerolog"

	"live-transcription-service/internal/models"
	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/observability/metrics"
)

// Sink persists a finalized transcript. Sinks do not retry; failures are
// returned to the caller.
type Sink interface {
	Name() string
	Store(ctx context.Context, payload models.TranscriptPayload) error
}

// LogSink writes a transcript summary to the log. Used when no durable
// storage is configured.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: logging.WithComponent("storage.log")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Store(_ context.Context, payload models.TranscriptPayload) error {
	s.logger.Info().
		Str("sessionId", payload.SessionID).
		Str("language", payload.Language).
		Int("segments", len(payload.Segments)).
		Int("speakers", len(payload.Speakers)).
		Dur("duration", payload.EndedAt.Sub(payload.StartedAt)).
		Msg("Transcript finalized")
	s.logger.Debug().Str("sessionId", payload.SessionID).Str("fullText", payload.FullText).Msg("Transcript text")
	metrics.DefaultMetrics.RecordStorageWrite(s.Name(), nil)
	return nil
}
