package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/rom8726/apflow"
)

var (
	_ Writer = (*SlogWriter)(nil)
	_ Writer = (*JSONLinesWriter)(nil)
)

// SlogWriter emits audit entries as structured log records.
type SlogWriter struct {
	logger *slog.Logger
}

func NewSlogWriter(logger *slog.Logger) *SlogWriter {
	if logger == nil {
		logger = slog.Default()
	}

	return &SlogWriter{logger: logger.With("component", "audit")}
}

func (w *SlogWriter) Write(ctx context.Context, entry *AuditLogEntry) error {
	attrs := []slog.Attr{
		slog.String("event_type", entry.EventType),
		slog.String("workflow_id", entry.WorkflowID),
		slog.String("status", entry.Status),
		slog.Int64("checkpoint_id", entry.CheckpointID),
	}
	if entry.Stage != "" {
		attrs = append(attrs, slog.String("stage", string(entry.Stage)))
	}
	if entry.Decision != "" {
		attrs = append(attrs,
			slog.String("decision", string(entry.Decision)),
			slog.String("reviewer_id", entry.ReviewerID),
		)
	}
	if entry.ReviewCycle > 0 {
		attrs = append(attrs, slog.Int("review_cycle", entry.ReviewCycle))
	}

	level := slog.LevelInfo
	if entry.EventType == apflow.EventStageStarted {
		level = slog.LevelDebug
	}
	if entry.Error != "" {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("error", entry.Error))
	}

	w.logger.LogAttrs(ctx, level, "audit", attrs...)

	return nil
}

// JSONLinesWriter appends one JSON document per entry to an io.Writer.
type JSONLinesWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONLinesWriter(w io.Writer) *JSONLinesWriter {
	return &JSONLinesWriter{enc: json.NewEncoder(w)}
}

func (w *JSONLinesWriter) Write(_ context.Context, entry *AuditLogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.enc.Encode(entry)
}
