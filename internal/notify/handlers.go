package notify

import (
	"context"
	"log/slog"
)

// LogHandler returns a Handler that writes each firing to logger at Info.
func LogHandler(logger *slog.Logger) Handler {
	return func(_ context.Context, f Firing) error {
		logger.Info("rule matched",
			slog.String("rule_id", f.Rule.ID),
			slog.String("rule_name", f.Rule.Name),
			slog.String("event", string(f.Observation.Event)),
			slog.String("path", f.Observation.Path),
			slog.Float64("confidence", f.Match.Confidence),
		)
		return nil
	}
}
