package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/RaphaelDarley/messagedisk/internal/config"
	"github.com/RaphaelDarley/messagedisk/internal/errors"
	"github.com/RaphaelDarley/messagedisk/internal/metrics"
	"github.com/RaphaelDarley/messagedisk/internal/model"
)

func testTransportConfig(retries int) config.TransportConfig {
	return config.TransportConfig{
		DeliveryTimeout:  time.Second,
		MaxRetries:       retries,
		RetryBackoff:     time.Millisecond,
		MaxIdleConns:     4,
		KeepaliveTime:    30 * time.Second,
		KeepaliveTimeout: 10 * time.Second,
	}
}

func serverAddress(t *testing.T, rawURL string) model.NodeAddress {
	t.Helper()
	u, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	return model.MustParseNodeAddress(u.URL.Host)
}

func TestHTTPDeliverer_Deliver(t *testing.T) {
	var got *model.Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		env, err := DecodeEnvelope(raw)
		assert.NoError(t, err)
		got = env
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewHTTPDeliverer(testTransportConfig(0), metrics.NewMetrics(prometheus.NewRegistry(), "t"), zap.NewNop())
	defer d.Close()

	env := model.NewChunkEnvelope(7, 3, []byte{1, 2, 3})
	require.NoError(t, d.Deliver(context.Background(), serverAddress(t, srv.URL), env))
	assert.Equal(t, env, got)
}

func TestHTTPDeliverer_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewHTTPDeliverer(testTransportConfig(3), metrics.NewMetrics(prometheus.NewRegistry(), "t"), zap.NewNop())
	env := model.NewChunkEnvelope(1, 0, []byte{0})
	require.NoError(t, d.Deliver(context.Background(), serverAddress(t, srv.URL), env))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPDeliverer_ClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"status":"error","error_code":"UNKNOWN_RING","message":"ring 1 is not hosted on this node"}`))
	}))
	defer srv.Close()

	d := NewHTTPDeliverer(testTransportConfig(3), metrics.NewMetrics(prometheus.NewRegistry(), "t"), zap.NewNop())
	err := d.Deliver(context.Background(), serverAddress(t, srv.URL), model.NewChunkEnvelope(1, 0, []byte{0}))

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeDeliveryFailed))
	assert.Contains(t, err.Error(), "UNKNOWN_RING")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPDeliverer_Unreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := model.MustParseNodeAddress(l.Addr().String())
	l.Close()

	d := NewHTTPDeliverer(testTransportConfig(0), metrics.NewMetrics(prometheus.NewRegistry(), "t"), zap.NewNop())
	err = d.Deliver(context.Background(), addr, model.NewChunkEnvelope(1, 0, []byte{0}))
	assert.True(t, errors.Is(err, errors.ErrCodeDeliveryFailed))
}

type recordingRelayServer struct {
	mu   sync.Mutex
	envs []*model.Envelope
	err  error
}

func (s *recordingRelayServer) Deliver(_ context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	if s.err != nil {
		return nil, s.err
	}
	env, err := DecodeEnvelope(in.GetValue())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.envs = append(s.envs, env)
	s.mu.Unlock()
	return &emptypb.Empty{}, nil
}

func startGRPC(t *testing.T, srv RelayServer) model.NodeAddress {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := grpc.NewServer()
	RegisterRelayServer(s, srv)
	go s.Serve(l)
	t.Cleanup(s.Stop)

	return model.MustParseNodeAddress(l.Addr().String())
}

func TestGRPCDeliverer_Deliver(t *testing.T) {
	rec := &recordingRelayServer{}
	addr := startGRPC(t, rec)

	d := NewGRPCDeliverer(testTransportConfig(0), metrics.NewMetrics(prometheus.NewRegistry(), "t"), zap.NewNop())
	defer d.Close()

	a := model.MustParseNodeAddress("127.0.0.1:1")
	b := model.MustParseNodeAddress("127.0.0.1:2")
	require.NoError(t, d.Deliver(context.Background(), addr, model.NewSpliceEnvelope(5, a, b)))
	require.NoError(t, d.Deliver(context.Background(), addr, model.NewChunkEnvelope(5, 1, []byte{9})))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.envs, 2)
	assert.Equal(t, model.PayloadKindSplice, rec.envs[0].Payload.Kind)
	assert.Equal(t, b, rec.envs[0].Payload.Splice.New)
	assert.Equal(t, []byte{9}, rec.envs[1].Payload.Chunk.Data)

	// one cached connection per peer
	assert.Len(t, d.conns, 1)
}

func TestGRPCDeliverer_RemoteError(t *testing.T) {
	addr := startGRPC(t, &recordingRelayServer{err: errors.UnknownRing(5).ToGRPCStatus().Err()})

	d := NewGRPCDeliverer(testTransportConfig(2), metrics.NewMetrics(prometheus.NewRegistry(), "t"), zap.NewNop())
	defer d.Close()

	err := d.Deliver(context.Background(), addr, model.NewChunkEnvelope(5, 0, []byte{0}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeDeliveryFailed))
}
