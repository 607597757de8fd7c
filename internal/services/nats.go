package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aigoflow/grammar-tracer/internal/config"
	"github.com/aigoflow/grammar-tracer/internal/models"
)

// TracePublisher receives every finished trace record.
type TracePublisher interface {
	PublishTrace(rec *models.TraceRecord) error
}

// NATSService publishes trace records on <subject>.<upstream>. With no
// NATS URL configured it is a no-op and GetConnection returns nil.
type NATSService struct {
	conn    *nats.Conn
	subject string
}

func NewNATSService(cfg *config.Config) (*NATSService, error) {
	s := &NATSService{subject: cfg.TraceSubject}
	if cfg.NatsURL == "" {
		slog.Info("NATS disabled, trace records are not published")
		return s, nil
	}

	conn, err := nats.Connect(cfg.NatsURL,
		nats.Name("grammar-tracer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	s.conn = conn
	return s, nil
}

// Start blocks until ctx ends, then drains the connection.
func (s *NATSService) Start(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	slog.Info("NATS publisher started", "subject", s.subject+".>")
	<-ctx.Done()
	slog.Info("NATS publisher shutting down")
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

func (s *NATSService) PublishTrace(rec *models.TraceRecord) error {
	if s == nil || s.conn == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal trace record: %w", err)
	}
	subject := SubjectFor(s.subject, rec.Upstream)
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish trace %s on %s: %w", rec.TraceID, subject, err)
	}
	return nil
}

// GetConnection returns the NATS connection, or nil when disabled
func (s *NATSService) GetConnection() *nats.Conn {
	return s.conn
}

func (s *NATSService) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

// SubjectFor builds the per-upstream trace subject.
func SubjectFor(prefix, upstream string) string {
	if upstream == "" {
		upstream = "cli"
	}
	return prefix + "." + upstream
}
