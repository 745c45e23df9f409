package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/RaphaelDarley/messagedisk/internal/config"
	"github.com/RaphaelDarley/messagedisk/internal/errors"
	"github.com/RaphaelDarley/messagedisk/internal/metrics"
	"github.com/RaphaelDarley/messagedisk/internal/model"
)

const (
	RelayServiceName   = "messagedisk.v1.Relay"
	relayDeliverMethod = "/messagedisk.v1.Relay/Deliver"
)

// RelayServer is the server side of the relay service. The request carries one
// JSON-encoded envelope.
type RelayServer interface {
	Deliver(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

// RelayServiceDesc describes the relay service for grpc.Server registration.
var RelayServiceDesc = grpc.ServiceDesc{
	ServiceName: RelayServiceName,
	HandlerType: (*RelayServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    relayDeliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "messagedisk/v1/relay.proto",
}

func relayDeliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: relayDeliverMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RelayServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterRelayServer registers srv on s.
func RegisterRelayServer(s grpc.ServiceRegistrar, srv RelayServer) {
	s.RegisterService(&RelayServiceDesc, srv)
}

// GRPCDeliverer sends envelopes over the relay gRPC service, keeping one client
// connection per peer.
type GRPCDeliverer struct {
	cfg     config.TransportConfig
	retry   retryPolicy
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu    sync.Mutex
	conns map[model.NodeAddress]*grpc.ClientConn
}

// NewGRPCDeliverer creates a gRPC deliverer.
func NewGRPCDeliverer(cfg config.TransportConfig, m *metrics.Metrics, logger *zap.Logger) *GRPCDeliverer {
	return &GRPCDeliverer{
		cfg: cfg,
		retry: retryPolicy{
			maxRetries: cfg.MaxRetries,
			backoff:    cfg.RetryBackoff,
			retryable:  isRetryableGRPC,
			logger:     logger,
		},
		metrics: m,
		logger:  logger,
		conns:   make(map[model.NodeAddress]*grpc.ClientConn),
	}
}

func (d *GRPCDeliverer) conn(to model.NodeAddress) (*grpc.ClientConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.conns[to]; ok {
		return c, nil
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                d.cfg.KeepaliveTime,
			Timeout:             d.cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	}

	c, err := grpc.NewClient(to.String(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", to, err)
	}
	d.conns[to] = c
	return c, nil
}

// Deliver implements Deliverer.
func (d *GRPCDeliverer) Deliver(ctx context.Context, to model.NodeAddress, env *model.Envelope) error {
	raw, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}

	c, err := d.conn(to)
	if err != nil {
		return errors.DeliveryFailed(to.String(), err)
	}

	start := time.Now()
	err = d.retry.do(ctx, to, func() error {
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
		defer cancel()
		return c.Invoke(callCtx, relayDeliverMethod, wrapperspb.Bytes(raw), new(emptypb.Empty))
	})
	d.metrics.RecordDelivery(config.TransportGRPC, time.Since(start).Seconds(), err)
	if err != nil {
		return errors.DeliveryFailed(to.String(), err)
	}
	return nil
}

// Close closes every cached connection.
func (d *GRPCDeliverer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for addr, c := range d.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.conns, addr)
	}
	return firstErr
}

func isRetryableGRPC(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}

	switch st.Code() {
	case codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	case codes.Unavailable:
		// A peer that is shutting down will not come back.
		return st.Message() != errors.ShuttingDown().Error()
	default:
		return false
	}
}
