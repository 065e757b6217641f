package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/column-mirror/internal/mirror"
	"github.com/JakeFAU/column-mirror/internal/progress"
)

// LogSink renders progress as one human-readable log line per event.
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

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.logEvent(evt)
	}
	return nil
}

func (s *LogSink) logEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.logger.Info("mirror run started",
			zap.Stringer("run_id", evt.RunUUID()),
			zap.Int("collections", evt.Total),
		)
	case progress.StageCollectionStart:
		s.logger.Info(fmt.Sprintf("[%s] %d pages", evt.Collection, evt.Total),
			zap.String("url", evt.URL),
		)
	case progress.StageCollectionSkipped:
		s.logger.Warn(fmt.Sprintf("[%s] skipped", evt.Collection),
			zap.String("reason", evt.Note),
		)
	case progress.StageCollectionDone:
		s.logger.Info(fmt.Sprintf("[%s] done: %s", evt.Collection, evt.Note),
			zap.Duration("dur", evt.Dur),
		)
	case progress.StagePageDone:
		s.logPage(evt)
	case progress.StageStaticDone:
		s.logger.Info(fmt.Sprintf("static %s %s", evt.Page, evt.Outcome),
			zap.String("url", evt.URL),
			zap.String("note", evt.Note),
		)
	case progress.StageRunDone:
		s.logger.Info("mirror run finished: "+evt.Note,
			zap.Stringer("run_id", evt.RunUUID()),
			zap.Duration("dur", evt.Dur),
		)
	}
}

func (s *LogSink) logPage(evt progress.Event) {
	msg := fmt.Sprintf("[%s] %s %s", evt.Collection, evt.Page, evt.Outcome)
	switch evt.Outcome {
	case string(mirror.OutcomeFailed):
		s.logger.Warn(msg, zap.String("url", evt.URL), zap.String("reason", evt.Note))
	case string(mirror.OutcomeMirrored):
		s.logger.Info(msg,
			zap.Int64("bytes", evt.Bytes),
			zap.Int("assets", evt.Assets),
			zap.Int("asset_failures", evt.AssetFailures),
			zap.Duration("dur", evt.Dur),
		)
	default:
		s.logger.Info(msg)
	}
}

// Close implements the Sink interface; it flushes the logger.
func (s *LogSink) Close(context.Context) error {
	_ = s.logger.Sync()
	return nil
}
