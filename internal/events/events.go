// Package events carries one audit event per risk evaluation to the
// configured sinks: structured logs, NATS and the live websocket feed.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/abuseguard/internal/metrics"
)

// Assessment is the audit event emitted after every evaluation.
type Assessment struct {
	ID             string    `json:"id"`
	Identifier     string    `json:"identifier"`
	IsBot          bool      `json:"isBot"`
	Confidence     int       `json:"confidence"`
	SuspicionScore int       `json:"suspicionScore"`
	ReasonCode     string    `json:"reasonCode"`
	RiskLevel      string    `json:"riskLevel"`
	Recommendation string    `json:"recommendation"`
	Flags          []string  `json:"flags"`
	EvaluatedAt    time.Time `json:"evaluatedAt"`
}

// Publisher delivers assessment events. Implementations must be safe for
// concurrent use and should not block the caller for long.
type Publisher interface {
	Publish(ctx context.Context, ev Assessment) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Assessment) error

func (f PublisherFunc) Publish(ctx context.Context, ev Assessment) error { return f(ctx, ev) }

// LogPublisher writes each event as one structured log line.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a log sink.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, ev Assessment) error {
	p.logger.InfoContext(ctx, "abuse assessment",
		"assessment_id", ev.ID,
		"identifier", ev.Identifier,
		"is_bot", ev.IsBot,
		"confidence", ev.Confidence,
		"suspicion_score", ev.SuspicionScore,
		"reason_code", ev.ReasonCode,
		"flags", ev.Flags,
	)
	metrics.EventsPublishedTotal.WithLabelValues("log", "ok").Inc()
	return nil
}

// Multi fans out to every publisher, returning the joined errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Assessment) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
