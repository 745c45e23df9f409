package handler

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	apierrors "github.com/RaphaelDarley/messagedisk/internal/errors"
	"github.com/RaphaelDarley/messagedisk/internal/service"
	"github.com/RaphaelDarley/messagedisk/internal/transport"
)

// RelayHandler receives envelopes over gRPC.
type RelayHandler struct {
	rings  *service.RingService
	logger *zap.Logger
}

// NewRelayHandler creates a new gRPC relay handler.
func NewRelayHandler(rings *service.RingService, logger *zap.Logger) *RelayHandler {
	return &RelayHandler{rings: rings, logger: logger}
}

var _ transport.RelayServer = (*RelayHandler)(nil)

// Deliver implements transport.RelayServer.
func (h *RelayHandler) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	env, err := transport.DecodeEnvelope(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if err := h.rings.Deliver(ctx, env); err != nil {
		h.logger.Debug("Rejected inbound envelope",
			zap.Uint64("ring_id", uint64(env.RingID)),
			zap.Error(err))
		return nil, apierrors.Classify(err).ToGRPCStatus().Err()
	}
	return &emptypb.Empty{}, nil
}
