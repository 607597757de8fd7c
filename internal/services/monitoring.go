package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// MonitoringService tracks generation requests queued behind, or holding,
// the rejection log region of one upstream and reports the load.
type MonitoringService struct {
	nats         *nats.Conn
	upstream     string
	subject      string
	pendingCount int64 // atomic counter for requests waiting on the region
	activeCount  int64 // atomic counter for requests holding the region
}

type BackpressureReport struct {
	Upstream        string    `json:"upstream"`
	PendingRequests int64     `json:"pending_requests"`
	ActiveRequests  int64     `json:"active_requests"`
	Timestamp       time.Time `json:"timestamp"`
	Status          string    `json:"status"` // healthy, busy, queued
}

// NewMonitoringService creates a monitor; natsConn may be nil, in which case
// reports only reach the log and the Prometheus gauges.
func NewMonitoringService(natsConn *nats.Conn, upstream, subjectPrefix string) *MonitoringService {
	return &MonitoringService{
		nats:     natsConn,
		upstream: upstream,
		subject:  fmt.Sprintf("%s.load.%s", subjectPrefix, upstream),
	}
}

func (m *MonitoringService) Start(ctx context.Context) error {
	slog.Info("Starting monitoring service", "upstream", m.upstream, "subject", m.subject)
	m.monitorBackpressure(ctx)
	return nil
}

func (m *MonitoringService) monitorBackpressure(ctx context.Context) {
	// Different intervals based on load
	highLoadTicker := time.NewTicker(1 * time.Second) // When requests are queued
	lowLoadTicker := time.NewTicker(10 * time.Second) // When idle
	defer highLoadTicker.Stop()
	defer lowLoadTicker.Stop()

	currentTicker := lowLoadTicker
	for {
		select {
		case <-ctx.Done():
			return
		case <-highLoadTicker.C:
			if currentTicker == highLoadTicker {
				currentTicker = m.report(highLoadTicker, lowLoadTicker)
			}
		case <-lowLoadTicker.C:
			if currentTicker == lowLoadTicker {
				currentTicker = m.report(highLoadTicker, lowLoadTicker)
			}
		}
	}
}

// report publishes one report and picks the ticker for the next one.
func (m *MonitoringService) report(high, low *time.Ticker) *time.Ticker {
	if m.reportBackpressure().PendingRequests > 0 {
		return high
	}
	return low
}

func (m *MonitoringService) reportBackpressure() BackpressureReport {
	report := m.Snapshot()

	if m.nats != nil {
		reportData, err := json.Marshal(report)
		if err != nil {
			slog.Error("Failed to marshal backpressure report", "error", err)
			return report
		}
		if err := m.nats.Publish(m.subject, reportData); err != nil {
			slog.Warn("Failed to publish backpressure report", "error", err)
		}
	}

	// Log significant changes
	if report.PendingRequests > 0 {
		slog.Info("Backpressure report",
			"upstream", m.upstream,
			"pending", report.PendingRequests,
			"active", report.ActiveRequests,
			"status", report.Status)
	}
	return report
}

// Snapshot returns the current load.
func (m *MonitoringService) Snapshot() BackpressureReport {
	pending, active := m.GetPendingCount(), m.GetActiveCount()
	return BackpressureReport{
		Upstream:        m.upstream,
		PendingRequests: pending,
		ActiveRequests:  active,
		Timestamp:       time.Now(),
		Status:          calculateStatus(pending, active),
	}
}

func calculateStatus(pending, active int64) string {
	switch {
	case pending > 0:
		return "queued"
	case active > 0:
		return "busy"
	default:
		return "healthy"
	}
}

// IncrementPending atomically increments the waiting count
func (m *MonitoringService) IncrementPending() {
	gatewayLoad.WithLabelValues(m.upstream, "pending").Set(float64(atomic.AddInt64(&m.pendingCount, 1)))
}

// DecrementPending atomically decrements the waiting count
func (m *MonitoringService) DecrementPending() {
	gatewayLoad.WithLabelValues(m.upstream, "pending").Set(float64(atomic.AddInt64(&m.pendingCount, -1)))
}

// IncrementActive atomically increments the holding count
func (m *MonitoringService) IncrementActive() {
	gatewayLoad.WithLabelValues(m.upstream, "active").Set(float64(atomic.AddInt64(&m.activeCount, 1)))
}

// DecrementActive atomically decrements the holding count
func (m *MonitoringService) DecrementActive() {
	gatewayLoad.WithLabelValues(m.upstream, "active").Set(float64(atomic.AddInt64(&m.activeCount, -1)))
}

// GetPendingCount returns current pending count
func (m *MonitoringService) GetPendingCount() int64 {
	return atomic.LoadInt64(&m.pendingCount)
}

// GetActiveCount returns current active count
func (m *MonitoringService) GetActiveCount() int64 {
	return atomic.LoadInt64(&m.activeCount)
}
