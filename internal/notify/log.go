package notify

import (
	"context"
	"log/slog"
	"maps"
	"slices"
)

// LogSender writes notifications to a logger instead of delivering them.
// It stands in for ntfy when no server is configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender returns a LogSender writing to logger.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger.With("component", "notify")}
}

// Notify logs the template id, the recipient and the variable names. Values
// are not logged.
func (s *LogSender) Notify(ctx context.Context, templateID, recipient string, vars map[string]string) error {
	s.logger.InfoContext(ctx, "notification not delivered, no sender configured",
		"template", templateID,
		"recipient", recipient,
		"vars", slices.Sorted(maps.Keys(vars)),
	)
	return nil
}
