// Package main provides the entry point for a messagedisk node.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/RaphaelDarley/messagedisk/internal/config"
	apierrors "github.com/RaphaelDarley/messagedisk/internal/errors"
	"github.com/RaphaelDarley/messagedisk/internal/handler"
	"github.com/RaphaelDarley/messagedisk/internal/health"
	"github.com/RaphaelDarley/messagedisk/internal/metrics"
	"github.com/RaphaelDarley/messagedisk/internal/server"
	"github.com/RaphaelDarley/messagedisk/internal/service"
	"github.com/RaphaelDarley/messagedisk/internal/transport"
	"github.com/RaphaelDarley/messagedisk/internal/util/fdlimit"
)

// deliverer is a transport that owns connections.
type deliverer interface {
	transport.Deliverer
	Close() error
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	defer logger.Sync()

	self, err := cfg.SelfAddress()
	if err != nil {
		logger.Fatal("Invalid self address", zap.Error(err))
	}
	nodeID := cfg.NodeID()

	logger.Info("Configuration loaded",
		zap.String("node_id", nodeID),
		zap.String("self", self.String()),
		zap.String("transport", cfg.Transport.Kind),
		zap.Int("chunk_size", cfg.Ring.ChunkSize))

	raiseFileLimit(cfg.Server.MaxOpenFiles, logger)

	system := actor.NewActorSystem(actor.WithLoggerFactory(actorLogger(cfg.Actor.LogLevel)))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg, nodeID)

	var d deliverer
	if cfg.Transport.Kind == config.TransportGRPC {
		d = transport.NewGRPCDeliverer(cfg.Transport, m, logger)
	} else {
		d = transport.NewHTTPDeliverer(cfg.Transport, m, logger)
	}
	defer d.Close()

	rings := service.NewRingService(cfg.Ring, self, system, d, m, logger)

	errorHandler := apierrors.NewHandler(logger)
	handlers := handler.NewHandlers(rings, errorHandler, cfg.Server.MaxBodyBytes, cfg.Ring.DefaultChunkNum, logger)

	var gossip *service.GossipService
	if cfg.Gossip.Enabled {
		gossip, err = service.NewGossipService(cfg.Gossip, nodeID, self, rings, m, logger)
		if err != nil {
			logger.Fatal("Failed to initialize gossip service", zap.Error(err))
		}
		rings.SetPeerFinder(gossip)
		handlers.SetClusterView(gossip)
		logger.Info("Gossip service initialized", zap.Int("members", gossip.NumMembers()))
	}

	healthCheck := health.NewHealthChecker(&health.HealthCheckConfig{NodeID: nodeID}, rings, logger)

	httpServer := server.NewServer(cfg, handlers, healthCheck, errorHandler, m, logger)
	httpServer.SetupRoutes()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	handlers.OnShutdown(stop)

	// Bind every listener before anything can send us a token.
	httpListener, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		logger.Fatal("Failed to listen", zap.String("address", cfg.Server.Address), zap.Error(err))
	}

	var (
		grpcServer   *server.GRPCServer
		grpcListener net.Listener
	)
	if cfg.Transport.Kind == config.TransportGRPC {
		grpcListener, err = net.Listen("tcp", cfg.Transport.GRPCAddress)
		if err != nil {
			logger.Fatal("Failed to listen", zap.String("address", cfg.Transport.GRPCAddress), zap.Error(err))
		}
		grpcServer = server.NewGRPCServer(cfg.Transport, handler.NewRelayHandler(rings, logger), logger)
	}

	var (
		metricsServer   *server.MetricsServer
		metricsListener net.Listener
	)
	if cfg.Metrics.Enabled {
		metricsListener, err = net.Listen("tcp", cfg.Metrics.Address)
		if err != nil {
			logger.Fatal("Failed to listen", zap.String("address", cfg.Metrics.Address), zap.Error(err))
		}
		metricsServer = server.NewMetricsServer(cfg.Metrics, reg, m, logger)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return httpServer.Serve(httpListener) })
	if grpcServer != nil {
		g.Go(func() error { return grpcServer.Serve(grpcListener) })
	}
	if metricsServer != nil {
		g.Go(func() error { return metricsServer.Serve(metricsListener) })
	}
	g.Go(func() error {
		healthCheck.Start(gctx)
		return nil
	})

	if cfg.Bootstrap.ManifestPath != "" {
		g.Go(func() error {
			bootstrap(gctx, rings, cfg.Bootstrap, logger)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Initiating graceful shutdown")
		healthCheck.SetReadiness(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := rings.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to stop rings", zap.Error(err))
		}
		if gossip != nil {
			if err := gossip.Shutdown(); err != nil {
				logger.Error("Failed to shutdown gossip", zap.Error(err))
			}
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown HTTP server", zap.Error(err))
		}
		if grpcServer != nil {
			if err := grpcServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("Failed to shutdown gRPC server", zap.Error(err))
			}
		}
		if metricsServer != nil {
			if err := metricsServer.Stop(shutdownCtx); err != nil {
				logger.Error("Failed to shutdown metrics server", zap.Error(err))
			}
		}
		return nil
	})

	logger.Info("Node started", zap.String("address", cfg.Server.Address))

	if err := g.Wait(); err != nil {
		logger.Error("Node stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Node shutdown complete")
}

func bootstrap(ctx context.Context, rings *service.RingService, cfg config.BootstrapConfig, logger *zap.Logger) {
	manifest, err := config.LoadManifest(cfg.ManifestPath)
	if err != nil {
		logger.Error("Failed to load bootstrap manifest", zap.String("path", cfg.ManifestPath), zap.Error(err))
		return
	}
	if err := rings.ApplyManifest(ctx, manifest, cfg); err != nil {
		logger.Error("Bootstrap incomplete", zap.Error(err))
	}
}

func raiseFileLimit(want uint64, logger *zap.Logger) {
	before, hard, err := fdlimit.Get()
	if err != nil {
		logger.Warn("Cannot read file descriptor limit", zap.Error(err))
		return
	}
	after, err := fdlimit.Raise(want)
	if err != nil {
		logger.Warn("Failed to raise file descriptor limit", zap.Uint64("current", before), zap.Error(err))
		return
	}
	logger.Info("File descriptor limit",
		zap.Uint64("before", before),
		zap.Uint64("after", after),
		zap.Uint64("hard", hard))
}

// actorLogger routes the actor runtime's logs to stderr at the given level.
func actorLogger(level string) func(*actor.ActorSystem) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	return func(system *actor.ActorSystem) *slog.Logger {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
		})).With("lib", "Proto.Actor").
			With("system", system.ID)
	}
}

// initLogger initializes the zap logger.
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
