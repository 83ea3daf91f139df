package publish

import (
	"context"
	"log/slog"
)

// LogPublisher is the default no-backend publisher: it records the
// aggregate in the server log. Useful in dev and as a stand-in when
// no result UI is configured.
type LogPublisher struct {
	l *slog.Logger
}

func NewLogPublisher(l *slog.Logger) *LogPublisher {
	return &LogPublisher{l: l.With("component", "publisher")}
}

func (p *LogPublisher) Publish(ctx context.Context, agg Aggregate) error {
	p.l.Info("publishing run results",
		"run", agg.RunId,
		"workflow", agg.Workflow,
		"jobs", len(agg.Jobs),
		"artifacts", len(agg.Items),
	)
	for _, item := range agg.Items {
		p.l.Info("artifact", "run", agg.RunId, "name", item.Name, "instance", item.Instance, "handle", item.Handle)
	}
	return nil
}
