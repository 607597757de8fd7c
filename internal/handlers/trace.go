package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/aigoflow/grammar-tracer/internal/models"
	"github.com/aigoflow/grammar-tracer/internal/services"
)

const maxTraceLimit = 1000

type TraceHandler struct {
	traceService  *services.TraceService
	healthService *services.HealthService
}

func NewTraceHandler(traceService *services.TraceService, healthService *services.HealthService) *TraceHandler {
	return &TraceHandler{
		traceService:  traceService,
		healthService: healthService,
	}
}

func (h *TraceHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/traces", h.handleTraces)
	mux.HandleFunc("/traces/", h.handleTraceWarnings)
}

func (h *TraceHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.healthService.Status())
}

func (h *TraceHandler) handleTraces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxTraceLimit)
	}

	records, err := h.traceService.GetTraceRecords(r.Context(), limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get traces: %v", err), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*models.TraceRecord{}
	}
	writeJSON(w, records)
}

// handleTraceWarnings serves /traces/{id}/warnings.
func (h *TraceHandler) handleTraceWarnings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/traces/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "warnings" {
		http.Error(w, "Invalid path format", http.StatusNotFound)
		return
	}

	warnings, err := h.traceService.GetTraceWarnings(r.Context(), parts[0])
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get warnings: %v", err), http.StatusInternalServerError)
		return
	}
	if warnings == nil {
		warnings = []models.Warning{}
	}
	writeJSON(w, warnings)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
