package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/activity-scout/internal/events"
)

// LogSink writes each event as a structured debug log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("kind", string(evt.Kind)),
			zap.String("url", evt.URL),
		}
		switch evt.Kind {
		case events.KindFetch:
			fields = append(fields,
				zap.String("method", evt.Method),
				zap.Int("attempt", evt.Attempt),
				zap.Int("status_code", evt.StatusCode),
				zap.Bool("success", evt.Success),
				zap.Duration("dur", evt.Dur),
			)
		case events.KindClassification:
			fields = append(fields, zap.Float64("score", evt.Score), zap.Bool("success", evt.Success))
		case events.KindExtraction:
			fields = append(fields, zap.Int("count", evt.Count))
		case events.KindDedup, events.KindTerminal, events.KindRunSummary:
			fields = append(fields, zap.String("outcome", evt.Outcome), zap.Int("count", evt.Count))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Debug("pipeline event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
