package server

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/RaphaelDarley/messagedisk/internal/config"
	"github.com/RaphaelDarley/messagedisk/internal/transport"
)

// GRPCServer receives envelopes from peers when the grpc transport is selected.
type GRPCServer struct {
	server *grpc.Server
	logger *zap.Logger
}

// NewGRPCServer creates a gRPC server exposing relay.
func NewGRPCServer(cfg config.TransportConfig, relay transport.RelayServer, logger *zap.Logger) *GRPCServer {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             cfg.KeepaliveTime / 2,
			PermitWithoutStream: true,
		}),
	)
	transport.RegisterRelayServer(server, relay)

	return &GRPCServer{
		server: server,
		logger: logger,
	}
}

// Serve serves gRPC on l until Shutdown.
func (s *GRPCServer) Serve(l net.Listener) error {
	s.logger.Info("Starting gRPC server", zap.String("address", l.Addr().String()))

	if err := s.server.Serve(l); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully, falling back to a hard stop when ctx ends.
func (s *GRPCServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down gRPC server")

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.server.Stop()
		return ctx.Err()
	}
}
