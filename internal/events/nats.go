package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mbd888/abuseguard/internal/metrics"
	"github.com/mbd888/abuseguard/internal/retry"
)

// DefaultSubject is the NATS subject assessments are published on.
const DefaultSubject = "abuse.assessments"

// ConnectNATS dials url, retrying transient failures. The connection
// reconnects on its own afterwards.
func ConnectNATS(ctx context.Context, url string, logger *slog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("abuseguard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	var nc *nats.Conn
	err := retry.Do(ctx, 5, 250*time.Millisecond, func() error {
		var err error
		nc, err = nats.Connect(url, opts...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	logger.Info("nats connected", "url", nc.ConnectedUrl())
	return nc, nil
}

// NATSPublisher publishes assessments as JSON on a subject. The identifier
// is carried in the Abuse-Identifier header for consumers that route on it.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

// NewNATSPublisher creates a NATS sink. An empty subject uses DefaultSubject.
func NewNATSPublisher(nc *nats.Conn, subject string) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{nc: nc, subject: subject}
}

func (p *NATSPublisher) Publish(_ context.Context, ev Assessment) error {
	data, err := json.Marshal(ev)
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("nats", "error").Inc()
		return fmt.Errorf("marshal assessment event: %w", err)
	}

	msg := nats.NewMsg(p.subject)
	msg.Data = data
	msg.Header.Set("Abuse-Identifier", ev.Identifier)
	msg.Header.Set("Abuse-Reason", ev.ReasonCode)

	if err := p.nc.PublishMsg(msg); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("nats", "error").Inc()
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	metrics.EventsPublishedTotal.WithLabelValues("nats", "ok").Inc()
	return nil
}

// Ping reports whether the connection is usable; used by health checks.
func (p *NATSPublisher) Ping(ctx context.Context) error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats: %s", p.nc.Status())
	}
	deadline, ok := ctx.Deadline()
	timeout := 2 * time.Second
	if ok {
		timeout = time.Until(deadline)
	}
	return p.nc.FlushTimeout(timeout)
}
