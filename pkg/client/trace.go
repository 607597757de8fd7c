package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
)

// TraceClient follows trace summaries and gateway health over NATS.
type TraceClient interface {
	// Watch delivers trace summaries until ctx ends. An empty upstream
	// follows every gateway.
	Watch(ctx context.Context, upstream string, fn func(*TraceSummary)) error
	// Heartbeats delivers gateway heartbeats until ctx ends.
	Heartbeats(ctx context.Context, fn func(*HealthStatus)) error
	CheckHealth(ctx context.Context, upstream string) (*HealthStatus, error)
	Close() error
}

// NATSTraceClient implements TraceClient using NATS
type NATSTraceClient struct {
	conn     *nats.Conn
	subject  string
	clientID string
	timeout  time.Duration
}

// NewNATSClient connects to natsURL. subject is the gateways' TRACE_SUBJECT.
func NewNATSClient(natsURL, subject, clientID string) (*NATSTraceClient, error) {
	conn, err := nats.Connect(natsURL, nats.Name("grammar-tracer-watch"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if clientID == "" {
		clientID = "trace-client"
	}

	return &NATSTraceClient{
		conn:     conn,
		subject:  subject,
		clientID: clientID,
		timeout:  5 * time.Second,
	}, nil
}

// TraceSubject is the subject trace summaries of upstream are published on.
func TraceSubject(prefix, upstream string) string {
	if upstream == "" {
		return prefix + ".*"
	}
	return prefix + "." + upstream
}

func (c *NATSTraceClient) Watch(ctx context.Context, upstream string, fn func(*TraceSummary)) error {
	return c.follow(ctx, TraceSubject(c.subject, upstream), func(data []byte) error {
		summary, err := DecodeSummary(data)
		if err != nil {
			return err
		}
		fn(summary)
		return nil
	})
}

func (c *NATSTraceClient) Heartbeats(ctx context.Context, fn func(*HealthStatus)) error {
	return c.follow(ctx, c.subject+".*.heartbeat", func(data []byte) error {
		var status HealthStatus
		if err := json.Unmarshal(data, &status); err != nil {
			return fmt.Errorf("failed to parse heartbeat: %w", err)
		}
		fn(&status)
		return nil
	})
}

func (c *NATSTraceClient) follow(ctx context.Context, subject string, handle func([]byte) error) error {
	msgs := make(chan *nats.Msg, 64)
	sub, err := c.conn.ChanSubscribe(subject, msgs)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	defer sub.Unsubscribe()

	slog.Debug("Following subject", "subject", subject)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			if err := handle(msg.Data); err != nil {
				slog.Warn("Skipping message", "subject", msg.Subject, "error", err)
			}
		}
	}
}

// CheckHealth asks one gateway for its status
func (c *NATSTraceClient) CheckHealth(ctx context.Context, upstream string) (*HealthStatus, error) {
	healthTopic := fmt.Sprintf("%s.%s.health", c.subject, upstream)
	replySubject := fmt.Sprintf("health.response.%s.%s", c.clientID, ulid.Make().String())

	// Subscribe to reply subject first
	replyChan := make(chan *nats.Msg, 1)
	sub, err := c.conn.ChanSubscribe(replySubject, replyChan)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to health reply: %w", err)
	}
	defer sub.Unsubscribe()

	if err := c.conn.PublishRequest(healthTopic, replySubject, nil); err != nil {
		return nil, fmt.Errorf("failed to publish health request: %w", err)
	}

	select {
	case msg := <-replyChan:
		var health HealthStatus
		if err := json.Unmarshal(msg.Data, &health); err != nil {
			return nil, fmt.Errorf("failed to parse health response: %w", err)
		}
		return &health, nil
	case <-time.After(c.timeout):
		return nil, fmt.Errorf("health check timeout after %v", c.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the NATS connection
func (c *NATSTraceClient) Close() error {
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}

// SetTimeout configures the health check timeout
func (c *NATSTraceClient) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// DecodeSummary parses one published trace summary.
func DecodeSummary(data []byte) (*TraceSummary, error) {
	var s TraceSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse trace summary: %w", err)
	}
	if s.TraceID == "" {
		return nil, fmt.Errorf("trace summary has no trace_id")
	}
	return &s, nil
}

// Line renders a summary as one human-readable line.
func (s *TraceSummary) Line() string {
	line := fmt.Sprintf("%s %-10s %-8s steps=%d rejected=%d rate=%.1f%% warnings=%d",
		s.TraceID, s.Upstream, s.Status, s.Steps, s.RejectedSteps, s.RejectionRate*100, s.WarningCount)
	if s.ArtifactPath != "" {
		line += " artifact=" + s.ArtifactPath
	}
	if s.Error != "" {
		line += " error=" + s.Error
	}
	return line
}
