package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aigoflow/grammar-tracer/internal/config"
)

// Version is reported in health checks and heartbeats.
const Version = "1.0.0"

type HealthService struct {
	nats      *nats.Conn
	config    *config.Config
	upstream  config.Upstream
	monitor   *MonitoringService
	startedAt time.Time
}

type HealthStatus struct {
	Upstream     string             `json:"upstream"`
	UpstreamURL  string             `json:"upstream_url"`
	Status       string             `json:"status"` // online, busy
	RejectionLog string             `json:"rejection_log"`
	Endpoint     string             `json:"endpoint"`
	TraceSubject string             `json:"trace_subject"`
	Load         BackpressureReport `json:"load"`
	Uptime       string             `json:"uptime"`
	Version      string             `json:"version"`
}

func NewHealthService(natsConn *nats.Conn, cfg *config.Config, upstream config.Upstream, monitor *MonitoringService) *HealthService {
	return &HealthService{
		nats:      natsConn,
		config:    cfg,
		upstream:  upstream,
		monitor:   monitor,
		startedAt: time.Now(),
	}
}

func (h *HealthService) Start(ctx context.Context) error {
	if h.nats == nil {
		<-ctx.Done()
		return nil
	}

	// Subscribe to health check requests for this gateway
	healthTopic := fmt.Sprintf("%s.%s.health", h.config.TraceSubject, h.upstream.Name)

	sub, err := h.nats.Subscribe(healthTopic, func(msg *nats.Msg) {
		statusData, err := json.Marshal(h.Status())
		if err != nil {
			slog.Error("Failed to marshal health status", "error", err)
			return
		}

		if err := msg.Respond(statusData); err != nil {
			slog.Error("Failed to respond to health check", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to health topic: %w", err)
	}
	defer sub.Unsubscribe()

	slog.Info("Health service started", "topic", healthTopic)

	// Publish periodic heartbeats
	h.publishHeartbeats(ctx)
	return nil
}

func (h *HealthService) publishHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	heartbeatTopic := fmt.Sprintf("%s.%s.heartbeat", h.config.TraceSubject, h.upstream.Name)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			statusData, err := json.Marshal(h.Status())
			if err != nil {
				continue
			}

			if err := h.nats.Publish(heartbeatTopic, statusData); err != nil {
				slog.Warn("Failed to publish heartbeat", "error", err)
			}
		}
	}
}

// Status reports the gateway's current state.
func (h *HealthService) Status() HealthStatus {
	load := h.monitor.Snapshot()
	status := "online"
	if load.Status != "healthy" {
		status = "busy"
	}
	return HealthStatus{
		Upstream:     h.upstream.Name,
		UpstreamURL:  h.upstream.URL,
		Status:       status,
		RejectionLog: h.upstream.RejectionLog,
		Endpoint:     endpoint(h.upstream.ListenAddr),
		TraceSubject: SubjectFor(h.config.TraceSubject, h.upstream.Name),
		Load:         load,
		Uptime:       time.Since(h.startedAt).Round(time.Second).String(),
		Version:      Version,
	}
}

func endpoint(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}
