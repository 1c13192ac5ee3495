// Package httpapi serves the observability sidecar: a health probe and a
// Prometheus scrape endpoint, run on their own listener independent of the
// chat server's TCP port.
package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sochet/internal/metrics"
	"sochet/internal/registry"
)

// NewRouter builds the chi router backing the sidecar HTTP server.
func NewRouter(reg *registry.Registry, col *metrics.Collectors) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","connections":` + strconv.Itoa(reg.Len()) + `}`))
	})

	r.Handle("/metrics", promhttp.HandlerFor(col.Registry, promhttp.HandlerOpts{}))

	return r
}
