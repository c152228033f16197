package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/deskpool/orchestrator/internal/logger"
)

// Config holds NATS connection configuration.
type Config struct {
	URL      string
	User     string
	Password string
}

// Publisher publishes session lifecycle events to NATS. If NATS is
// unavailable or unconfigured, it degrades to a no-op so the orchestrator's
// primary request path never blocks on the broker (notifications are
// best-effort, never propagated).
type Publisher struct {
	conn    *nats.Conn
	enabled bool
}

// NewPublisher creates a new NATS event publisher. If cfg.URL is empty or
// the connection fails, it returns a disabled publisher rather than an
// error.
func NewPublisher(cfg Config) (*Publisher, error) {
	log := logger.GetLogger()

	if cfg.URL == "" {
		log.Warn().Msg("NATS_URL not configured, event publishing disabled")
		return &Publisher{enabled: false}, nil
	}

	opts := []nats.Option{
		nats.Name("session-orchestrator-publisher"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS publisher disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS publisher reconnected")
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		log.Warn().Err(err).Str("url", cfg.URL).Msg("failed to connect publisher to NATS, event publishing disabled")
		return &Publisher{enabled: false}, nil
	}

	log.Info().Str("url", conn.ConnectedUrl()).Msg("event publisher connected to NATS")
	return &Publisher{conn: conn, enabled: true}, nil
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() error {
	if p.conn != nil {
		p.conn.Drain()
		p.conn.Close()
	}
	return nil
}

// IsEnabled reports whether publishing is active.
func (p *Publisher) IsEnabled() bool {
	return p.enabled
}

func (p *Publisher) publish(ctx context.Context, subject string, event interface{}) error {
	if !p.enabled {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event for %s: %w", subject, err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// PublishSessionReady publishes a session-ready transition.
func (p *Publisher) PublishSessionReady(ctx context.Context, event SessionReadyEvent) error {
	event.EventID = uuid.New().String()
	event.Timestamp = time.Now().UTC()
	return p.publish(ctx, SubjectSessionReady, event)
}

// PublishSessionTerminated publishes a terminal transition.
func (p *Publisher) PublishSessionTerminated(ctx context.Context, event SessionTerminatedEvent) error {
	event.EventID = uuid.New().String()
	event.Timestamp = time.Now().UTC()
	return p.publish(ctx, SubjectSessionTerminated, event)
}

// PublishSessionIdleWarning publishes an idle-warning transition.
func (p *Publisher) PublishSessionIdleWarning(ctx context.Context, event SessionIdleWarningEvent) error {
	event.EventID = uuid.New().String()
	event.Timestamp = time.Now().UTC()
	return p.publish(ctx, SubjectSessionIdleWarning, event)
}

// PublishReconcilerCycle publishes a cycle summary.
func (p *Publisher) PublishReconcilerCycle(ctx context.Context, event ReconcilerCycleEvent) error {
	event.EventID = uuid.New().String()
	event.Timestamp = time.Now().UTC()
	return p.publish(ctx, SubjectReconcilerCycleComplete, event)
}
