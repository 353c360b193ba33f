// Package sinks provides progress.Sink implementations: structured logging
// and Prometheus export.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/openharvest/harvester/internal/progress"
)

// LogSink emits structured logs for progress streams. Useful during
// development and operational audits.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.logger.Info("progress event",
			zap.String("run_id", evt.RunID.String()),
			zap.String("job", evt.Job),
			zap.String("stage", string(evt.Stage)),
			zap.String("key", evt.Key),
			zap.String("outcome", evt.Outcome),
			zap.Int64("bytes", evt.Bytes),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
