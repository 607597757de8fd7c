package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aigoflow/grammar-tracer/internal/services"
)

// ProxyHandler forwards everything the tracer does not serve itself to the
// upstream.
type ProxyHandler struct {
	gateway *services.GatewayService
}

func NewProxyHandler(gateway *services.GatewayService) *ProxyHandler {
	return &ProxyHandler{gateway: gateway}
}

func (h *ProxyHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", h.gateway)
}
