package events

import (
	"log/slog"
	"sort"

	"recurswap/observability"
)

// LogEmitter writes every event as a structured log line and counts it by
// type.
type LogEmitter struct {
	Logger *slog.Logger
}

// Emit implements the Emitter interface.
func (l LogEmitter) Emit(evt Event) {
	if evt == nil {
		return
	}
	observability.Events().RecordEvent(evt.EventType())
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	args := []any{slog.String("event", evt.EventType())}
	if p, ok := evt.(Payload); ok && p.Event() != nil {
		attrs := p.Event().Attributes
		keys := make([]string, 0, len(attrs))
		for key := range attrs {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		group := make([]any, 0, len(keys))
		for _, key := range keys {
			group = append(group, slog.String(key, attrs[key]))
		}
		args = append(args, slog.Group("attributes", group...))
	}
	logger.Info("event emitted", args...)
}
