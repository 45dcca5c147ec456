package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/ingestd/internal/progress"
)

// LogSink emits structured logs for progress streams. Item-level stages are
// logged at debug so production logs stay readable.
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
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("run_id", evt.RunUUID()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Source != "" {
			fields = append(fields, zap.String("source", evt.Source))
		}
		if evt.ItemID != "" {
			fields = append(fields, zap.String("item_id", evt.ItemID))
		}
		if evt.Items != 0 {
			fields = append(fields, zap.Int64("items", evt.Items))
		}
		if evt.Bytes != 0 {
			fields = append(fields, zap.Int64("bytes", evt.Bytes))
		}
		if evt.Kind != "" {
			fields = append(fields, zap.String("kind", string(evt.Kind)))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Log(levelFor(evt.Stage), "progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func levelFor(stage progress.Stage) zapcore.Level {
	switch stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageItemDropped:
		return zapcore.InfoLevel
	case progress.StageRunError, progress.StageItemError:
		return zapcore.WarnLevel
	default:
		return zapcore.DebugLevel
	}
}
