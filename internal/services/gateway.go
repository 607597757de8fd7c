package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/aigoflow/grammar-tracer/internal/config"
	"github.com/aigoflow/grammar-tracer/internal/matcher"
	"github.com/aigoflow/grammar-tracer/internal/models"
)

const (
	HeaderTraceID       = "X-Trace-Id"
	HeaderTraceArtifact = "X-Trace-Artifact"
)

// ArtifactName is the file name of an artifact written at t, such as
// trace_20261015_093005.123456.json.
func ArtifactName(kind string, t time.Time) string {
	return kind + "_" + t.Format("20060102_150405.000000") + ".json"
}

// generationPaths are serialized through the log lease. Only chat
// completions carry the per-token logprobs a trace needs.
var generationPaths = map[string]bool{
	"/v1/chat/completions": true,
	"/v1/completions":      true,
	"/completion":          true,
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// GatewayService fronts one upstream inference server. Every request is
// forwarded unchanged; generation requests hold the upstream's log region
// from forward until their log bytes are read.
type GatewayService struct {
	upstream     config.Upstream
	target       *url.URL
	client       *http.Client
	passthrough  *httputil.ReverseProxy
	resource     *matcher.Resource
	traces       *TraceService
	monitor      *MonitoringService
	timeout      time.Duration
	maxBody      int64
	taskHeader   string
	saveCombined bool
	now          func() time.Time
}

func NewGatewayService(cfg *config.Config, upstream config.Upstream, registry *matcher.Registry, traces *TraceService, monitor *MonitoringService) (*GatewayService, error) {
	target, err := url.Parse(upstream.URL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream %s url: %w", upstream.Name, err)
	}
	resource, err := registry.Resource(upstream.RejectionLog)
	if err != nil {
		return nil, err
	}

	g := &GatewayService{
		upstream:     upstream,
		target:       target,
		client:       &http.Client{},
		resource:     resource,
		traces:       traces,
		monitor:      monitor,
		timeout:      cfg.UpstreamTimeout,
		maxBody:      cfg.MaxBodyBytes,
		taskHeader:   cfg.TaskIDHeader,
		saveCombined: cfg.SaveCombined,
		now:          time.Now,
	}
	g.passthrough = httputil.NewSingleHostReverseProxy(target)
	g.passthrough.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		slog.Warn("Passthrough failed", "upstream", upstream.Name, "path", r.URL.Path, "error", err)
		proxiedRequests.WithLabelValues(upstream.Name, "passthrough", "upstream_error").Inc()
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}
	return g, nil
}

func (g *GatewayService) Upstream() config.Upstream { return g.upstream }

func (g *GatewayService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !generationPaths[r.URL.Path] {
		g.passthrough.ServeHTTP(w, r)
		proxiedRequests.WithLabelValues(g.upstream.Name, "passthrough", "forwarded").Inc()
		return
	}
	g.handleGeneration(w, r)
}

func (g *GatewayService) handleGeneration(w http.ResponseWriter, r *http.Request) {
	name := g.upstream.Name
	started := g.now()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			proxiedRequests.WithLabelValues(name, "generation", "too_large").Inc()
			http.Error(w, fmt.Sprintf("request body exceeds %d bytes", g.maxBody), http.StatusRequestEntityTooLarge)
			return
		}
		proxiedRequests.WithLabelValues(name, "generation", "bad_request").Inc()
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	traced := r.URL.Path == "/v1/chat/completions" && wantsLogprobs(body)

	// The critical section runs to completion even if the client goes away,
	// so the log bytes of this request are consumed and not left for the
	// next lease.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), g.timeout)
	defer cancel()

	g.monitor.IncrementPending()
	waitStart := time.Now()
	lease, err := g.resource.Acquire(ctx)
	g.monitor.DecrementPending()
	leaseWait.WithLabelValues(name).Observe(time.Since(waitStart).Seconds())
	if err != nil {
		g.reportFailure(r, "lease.failed", err)
		if errors.Is(err, matcher.ErrUpstreamTimeout) {
			proxiedRequests.WithLabelValues(name, "generation", "timeout").Inc()
			http.Error(w, "timed out waiting for upstream", http.StatusGatewayTimeout)
			return
		}
		proxiedRequests.WithLabelValues(name, "generation", "lease_error").Inc()
		http.Error(w, "rejection log unavailable", http.StatusInternalServerError)
		return
	}
	defer lease.Release()

	g.monitor.IncrementActive()
	resp, respBody, err := g.forward(ctx, r, body)
	upstreamDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
	if err != nil {
		g.monitor.DecrementActive()
		lease.Release()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", matcher.ErrUpstreamTimeout, err)
		}
		g.reportFailure(r, "upstream.failed", err)
		if errors.Is(err, matcher.ErrUpstreamTimeout) {
			proxiedRequests.WithLabelValues(name, "generation", "timeout").Inc()
			http.Error(w, "upstream timed out", http.StatusGatewayTimeout)
			return
		}
		proxiedRequests.WithLabelValues(name, "generation", "upstream_error").Inc()
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}

	traced = traced && resp.StatusCode == http.StatusOK
	var slice *matcher.Slice
	var sliceErr error
	if traced {
		slice, sliceErr = lease.Slice(ctx, r.Header.Get(g.taskHeader))
	} else if err := lease.Settle(ctx); err != nil {
		slog.Warn("Log did not settle", "upstream", name, "error", err)
	}
	lease.Release()
	g.monitor.DecrementActive()

	if !traced {
		proxiedRequests.WithLabelValues(name, "generation", "forwarded").Inc()
		writeUpstream(w, resp, respBody, nil)
		return
	}

	req := TraceRequest{
		TraceID:     NewTraceID(),
		Upstream:    name,
		RequestPath: r.URL.Path,
		Started:     started,
		Response:    respBody,
		Source:      models.TraceSource{LogPath: g.resource.Path(), LogOffsetStart: lease.Before(), LogOffsetEnd: lease.Before()},
	}
	if slice != nil {
		req.Events = slice.Events
		req.LogWarnings = slice.Warnings
		req.Source.LogVersion = slice.Version
		req.Source.LogTimestamp = slice.Timestamp
		req.Source.LogOffsetEnd = slice.End
	}

	if r.Context().Err() != nil {
		proxiedRequests.WithLabelValues(name, "generation", "abandoned").Inc()
		g.traces.Fail(ctx, req, models.StatusAbandoned, r.Context().Err())
		return
	}
	if sliceErr != nil {
		g.reportFailure(r, "trace.match_failed", sliceErr)
		g.traces.Fail(ctx, req, models.StatusError, sliceErr)
		proxiedRequests.WithLabelValues(name, "generation", "trace_failed").Inc()
		writeUpstream(w, resp, respBody, nil)
		return
	}

	req.OutputPath, req.CombinedPath = g.artifactPaths(started)
	result, err := g.traces.Analyze(ctx, req)
	if err != nil {
		g.reportFailure(r, "trace.failed", err)
		proxiedRequests.WithLabelValues(name, "generation", "trace_failed").Inc()
		writeUpstream(w, resp, respBody, nil)
		return
	}

	proxiedRequests.WithLabelValues(name, "generation", "traced").Inc()
	writeUpstream(w, resp, respBody, map[string]string{
		HeaderTraceID:       result.Record.TraceID,
		HeaderTraceArtifact: req.OutputPath,
	})
}

func (g *GatewayService) forward(ctx context.Context, r *http.Request, body []byte) (*http.Response, []byte, error) {
	target := *g.target
	target.Path = strings.TrimRight(g.target.Path, "/") + r.URL.Path
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("build upstream request: %w", err)
	}
	copyHeaders(req.Header, r.Header)
	req.ContentLength = int64(len(body))

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("forward to %s: %w", g.upstream.Name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s response: %w", g.upstream.Name, err)
	}
	return resp, data, nil
}

// artifactPaths names the dashboard document and, when enabled, the
// combined log written next to it.
func (g *GatewayService) artifactPaths(t time.Time) (string, string) {
	out := g.upstream.OutputPath
	if out == "" {
		out = filepath.Join(g.upstream.OutputDir, ArtifactName("trace", t))
	}
	if !g.saveCombined {
		return out, ""
	}
	return out, filepath.Join(filepath.Dir(out), ArtifactName("combined", t))
}

// reportFailure logs out of band. The client still gets the upstream answer
// when there is one.
func (g *GatewayService) reportFailure(r *http.Request, code string, err error) {
	slog.Error("Gateway request failed", "upstream", g.upstream.Name, "path", r.URL.Path, "code", code, "error", err)
	repo := g.traces.GetRepository()
	if repo == nil {
		return
	}
	meta := map[string]interface{}{
		"upstream": g.upstream.Name,
		"path":     r.URL.Path,
		"error":    err.Error(),
	}
	if err := repo.Event().LogEvent(context.WithoutCancel(r.Context()), "error", code, "Gateway request failed", meta); err != nil {
		slog.Warn("Failed to store gateway event", "error", err)
	}
}

func wantsLogprobs(body []byte) bool {
	var req struct {
		Logprobs json.RawMessage `json:"logprobs"`
		Stream   bool            `json:"stream"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Stream {
		return false
	}
	switch strings.TrimSpace(string(req.Logprobs)) {
	case "", "null", "false", "0":
		return false
	}
	return true
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

func writeUpstream(w http.ResponseWriter, resp *http.Response, body []byte, extra map[string]string) {
	copyHeaders(w.Header(), resp.Header)
	for k, v := range extra {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		slog.Debug("Client went away while writing response", "error", err)
	}
}
