package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/RaphaelDarley/messagedisk/internal/config"
	"github.com/RaphaelDarley/messagedisk/internal/metrics"
)

// MetricsServer serves Prometheus metrics via HTTP
type MetricsServer struct {
	httpServer      *http.Server
	metrics         *metrics.Metrics
	collectInterval time.Duration
	logger          *zap.Logger
	stopChan        chan struct{}
}

// NewMetricsServer creates a new metrics server exposing the metrics in gatherer.
func NewMetricsServer(cfg config.MetricsConfig, gatherer prometheus.Gatherer, m *metrics.Metrics, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	interval := cfg.CollectInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	return &MetricsServer{
		httpServer: &http.Server{
			Addr:         cfg.Address,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		metrics:         m,
		collectInterval: interval,
		logger:          logger,
		stopChan:        make(chan struct{}),
	}
}

// Serve serves metrics on l and collects system metrics until Stop.
func (s *MetricsServer) Serve(l net.Listener) error {
	s.logger.Info("Starting metrics server", zap.String("addr", l.Addr().String()))

	go s.collectSystemMetrics()

	if err := s.httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping metrics server")

	close(s.stopChan)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

// collectSystemMetrics periodically collects system-level metrics
func (s *MetricsServer) collectSystemMetrics() {
	ticker := time.NewTicker(s.collectInterval)
	defer ticker.Stop()

	s.updateSystemMetrics()
	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

func (s *MetricsServer) updateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s.metrics.UpdateSystemStats(int64(memStats.Alloc), runtime.NumGoroutine())
}
