package observe

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chainwatch/internal/logger"
	"chainwatch/internal/metrics"
	"chainwatch/internal/pipeline"
)

// Server exposes the observability surface: Prometheus metrics, a liveness
// endpoint and a JSON status snapshot for external dashboards.
type Server struct {
	server *http.Server
}

// NewServer builds the HTTP server around a pipeline and its metrics.
func NewServer(addr string, pipe *pipeline.Pipeline, m *metrics.Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(pipe.Snapshot()); err != nil {
			logger.Errorf("failed to encode status snapshot: %v", err)
		}
	})

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		logger.Infof("observability server listening on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("observability server error: %v", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
