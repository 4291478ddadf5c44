// Package notify publishes a best-effort run-completion event to an
// optional webhook and/or Redis channel. Publishing never affects the
// run outcome: failures are logged, never returned as a taxonomy error.
package notify

import (
	"context"

	"github.com/justapithecus/safe-run/log"
	"github.com/justapithecus/safe-run/types"
)

// RunCompletedEvent is the payload published when a run finishes.
type RunCompletedEvent struct {
	RunID      string `json:"runId"`
	State      string `json:"state"`
	ExitCode   int    `json:"exitCode"`
	StartedAt  string `json:"startedAt"`
	FinishedAt string `json:"finishedAt"`
	BundleID   string `json:"bundleId,omitempty"`
}

// Sink publishes a run completion event to a downstream system.
type Sink interface {
	Publish(ctx context.Context, event *RunCompletedEvent) error
	Close() error
}

// MetricsRecorder receives per-publish outcome counts. Satisfied by
// *metrics.Collector. A nil MetricsRecorder is valid; Notifier skips
// recording when none is configured.
type MetricsRecorder interface {
	IncNotifyPublishSuccess()
	IncNotifyPublishFailure()
}

// Notifier fans a run completion event out to every configured sink,
// best-effort: a sink failure is logged and does not stop the others.
type Notifier struct {
	sinks   []Sink
	logger  *log.SugaredLogger
	metrics MetricsRecorder
}

// New builds a Notifier from the sinks successfully constructed from
// cfg. A nil cfg or a cfg with neither URL set yields a Notifier with
// zero sinks, whose Publish is then a safe no-op. metrics may be nil.
func New(cfg *types.NotifyConfig, logger *log.SugaredLogger, metrics MetricsRecorder, webhookFactory func(url string) (Sink, error), redisFactory func(url string) (Sink, error)) *Notifier {
	n := &Notifier{logger: logger, metrics: metrics}
	if cfg == nil {
		return n
	}
	if cfg.WebhookURL != "" {
		if sink, err := webhookFactory(cfg.WebhookURL); err != nil {
			logger.Warnf("notify: webhook sink init failed: %v", err)
		} else {
			n.sinks = append(n.sinks, sink)
		}
	}
	if cfg.RedisURL != "" {
		if sink, err := redisFactory(cfg.RedisURL); err != nil {
			logger.Warnf("notify: redis sink init failed: %v", err)
		} else {
			n.sinks = append(n.sinks, sink)
		}
	}
	return n
}

// Publish fans event out to every configured sink. Every failure is
// logged and swallowed; Publish never returns an error.
func (n *Notifier) Publish(ctx context.Context, event *RunCompletedEvent) {
	for _, sink := range n.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			n.logger.Warnf("notify: publish to sink failed: %v", err)
			if n.metrics != nil {
				n.metrics.IncNotifyPublishFailure()
			}
			continue
		}
		if n.metrics != nil {
			n.metrics.IncNotifyPublishSuccess()
		}
	}
}

// Close releases every sink's resources, logging (not returning) any
// close error.
func (n *Notifier) Close() {
	for _, sink := range n.sinks {
		if err := sink.Close(); err != nil {
			n.logger.Warnf("notify: sink close failed: %v", err)
		}
	}
}
