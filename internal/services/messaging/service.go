package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"godown-edge-go/internal/config"
	"godown-edge-go/internal/metrics"
)

// ErrNotConnected is returned when the broker connection is down
var ErrNotConnected = errors.New("broker not connected")

// Transport delivers a payload to a topic. Publish returns nil only after the broker
// acknowledged the message.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	IsConnected() bool
	Kind() string
}

// Service is the NATS connection used for live delivery and detector requests
type Service struct {
	conn *nats.Conn
	cfg  *config.Config
	log  zerolog.Logger
}

var _ Transport = (*Service)(nil)

func NewService(cfg *config.Config, logger zerolog.Logger) (*Service, error) {
	opts := []nats.Option{
		nats.Name("godown-edge-" + cfg.WorkerID),
		nats.Timeout(cfg.NatsConnectTimeout),
		nats.ReconnectWait(cfg.NatsReconnectWait),
		nats.MaxReconnects(cfg.NatsMaxReconnects),
		nats.DrainTimeout(cfg.NatsDrainTimeout),
		// Start even when the broker is down; the outbox absorbs events until it comes back
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			metrics.SetBrokerConnected(false)
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			metrics.SetBrokerConnected(true)
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ConnectHandler(func(c *nats.Conn) {
			metrics.SetBrokerConnected(true)
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS connected")
		}),
	}

	conn, err := nats.Connect(cfg.NatsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	if conn.IsConnected() {
		metrics.SetBrokerConnected(true)
		logger.Info().Str("url", cfg.NatsURL).Msg("NATS connection established")
	} else {
		logger.Warn().Str("url", cfg.NatsURL).Msg("NATS not reachable yet, retrying in background")
	}

	return &Service{
		conn: conn,
		cfg:  cfg,
		log:  logger,
	}, nil
}

// Subject maps a slash separated topic onto a NATS subject
func Subject(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

// Publish sends the payload and waits for the server round trip that acknowledges it
func (s *Service) Publish(ctx context.Context, topic string, payload []byte) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	if err := s.conn.Publish(Subject(topic), payload); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}

	timeout := s.cfg.BrokerPublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}
	if err := s.conn.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// Request performs a request/reply round trip on a raw subject
func (s *Service) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if !s.IsConnected() {
		return nil, ErrNotConnected
	}
	msg, err := s.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("nats request %s: %w", subject, err)
	}
	return msg.Data, nil
}

func (s *Service) IsConnected() bool {
	return s.conn != nil && s.conn.IsConnected()
}

func (s *Service) Kind() string { return "nats" }

func (s *Service) Shutdown(ctx context.Context) error {
	if s.conn != nil {
		// Try graceful drain with timeout, fallback to immediate close
		if err := s.conn.Drain(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to drain NATS connection gracefully, closing immediately")
			s.conn.Close()
		}
	}
	metrics.SetBrokerConnected(false)
	return nil
}
