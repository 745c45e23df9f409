package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/RaphaelDarley/messagedisk/internal/config"
	apierrors "github.com/RaphaelDarley/messagedisk/internal/errors"
	"github.com/RaphaelDarley/messagedisk/internal/metrics"
	"github.com/RaphaelDarley/messagedisk/internal/model"
	"github.com/RaphaelDarley/messagedisk/internal/service"
	"github.com/RaphaelDarley/messagedisk/internal/transport"
)

const testChunkSize = 8

var selfAddr = model.MustParseNodeAddress("127.0.0.1:6767")

// selfRoute delivers every envelope back into the node that sent it, so a single
// node forms a working ring.
type selfRoute struct {
	svc atomic.Pointer[service.RingService]
}

func (s *selfRoute) Deliver(ctx context.Context, to model.NodeAddress, env *model.Envelope) error {
	if to != selfAddr {
		return apierrors.DeliveryFailed(to.String(), context.DeadlineExceeded)
	}
	raw, err := transport.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	decoded, err := transport.DecodeEnvelope(raw)
	if err != nil {
		return err
	}
	return s.svc.Load().Deliver(ctx, decoded)
}

type staticCluster []model.PeerState

func (c staticCluster) Peers() []model.PeerState { return c }

func setupHandlers(t *testing.T) (*Handlers, *service.RingService) {
	t.Helper()
	logger := zap.NewNop()
	route := &selfRoute{}
	svc := service.NewRingService(config.RingConfig{
		ChunkSize:         testChunkSize,
		DefaultChunkNum:   4,
		MaxSpliceHops:     64,
		InjectConcurrency: 2,
	}, selfAddr, actor.NewActorSystem(), route,
		metrics.NewMetrics(prometheus.NewRegistry(), "test"), logger)
	route.svc.Store(svc)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})

	return NewHandlers(svc, apierrors.NewHandler(logger), 1<<20, 4, logger), svc
}

func doJSON(t *testing.T, fn http.HandlerFunc, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	fn(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) apierrors.ErrorResponse {
	t.Helper()
	var resp apierrors.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

// createStartedRing creates a self-loop ring and puts its tokens in circulation.
func createStartedRing(t *testing.T, h *Handlers) model.RingID {
	t.Helper()
	w := doJSON(t, h.Create, http.MethodPost, "/create", model.CreateRequest{ChunkNum: 4})
	require.Equal(t, http.StatusCreated, w.Code)

	var created model.CreateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(t, h.Inject, http.MethodPost, "/inject", model.JoinRequest{
		RingID: created.RingID, Target: selfAddr.String(), ChunkNum: 4,
	})
	require.Equal(t, http.StatusOK, w.Code)
	return created.RingID
}

func TestHandlers_CreateAndDiscover(t *testing.T) {
	h, _ := setupHandlers(t)

	t.Run("create with explicit id", func(t *testing.T) {
		w := doJSON(t, h.Create, http.MethodPost, "/create", model.CreateRequest{RingID: 42})
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.JSONEq(t, `{"ring_id":42}`, w.Body.String())
	})

	t.Run("create without body picks an id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/create", nil)
		w := httptest.NewRecorder()
		h.Create(w, req)
		assert.Equal(t, http.StatusCreated, w.Code)
	})

	t.Run("duplicate id conflicts", func(t *testing.T) {
		w := doJSON(t, h.Create, http.MethodPost, "/create", model.CreateRequest{RingID: 42})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, apierrors.ErrCodeRingExists, decodeError(t, w).ErrorCode)
	})

	t.Run("discover lists both rings", func(t *testing.T) {
		w := doJSON(t, h.Discover, http.MethodGet, "/discover", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var rings []model.RingInfo
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rings))
		assert.Len(t, rings, 2)
		assert.Contains(t, rings, model.RingInfo{RingID: 42, ChunkNum: 4})
	})
}

func TestHandlers_ReadWrite(t *testing.T) {
	h, _ := setupHandlers(t)
	id := createStartedRing(t, h)

	t.Run("fresh chunk reads as zeros", func(t *testing.T) {
		w := doJSON(t, h.Read, http.MethodPost, "/read", model.ReadRequest{RingID: id, ChunkID: 1})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
		assert.Equal(t, make([]byte, testChunkSize), w.Body.Bytes())
	})

	t.Run("write then read", func(t *testing.T) {
		data := []byte("abcdefgh")
		w := doJSON(t, h.Write, http.MethodPost, "/write", model.WriteRequest{RingID: id, ChunkID: 2, Data: data})
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

		w = doJSON(t, h.Read, http.MethodPost, "/read", model.ReadRequest{RingID: id, ChunkID: 2})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, data, w.Body.Bytes())
	})

	t.Run("write rejects wrong size", func(t *testing.T) {
		w := doJSON(t, h.Write, http.MethodPost, "/write", model.WriteRequest{RingID: id, ChunkID: 0, Data: []byte("short")})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, apierrors.ErrCodeInvalidChunkSize, decodeError(t, w).ErrorCode)
	})

	t.Run("write rejects index out of range", func(t *testing.T) {
		w := doJSON(t, h.Write, http.MethodPost, "/write", model.WriteRequest{RingID: id, ChunkID: 4, Data: make([]byte, testChunkSize)})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, apierrors.ErrCodeChunkOutOfRange, decodeError(t, w).ErrorCode)
	})

	t.Run("unknown ring", func(t *testing.T) {
		w := doJSON(t, h.Read, http.MethodPost, "/read", model.ReadRequest{RingID: id + 1, ChunkID: 0})
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, apierrors.ErrCodeUnknownRing, decodeError(t, w).ErrorCode)
	})

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/read", bytes.NewBufferString("{not json"))
		w := httptest.NewRecorder()
		h.Read(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, apierrors.ErrCodeInvalidArgument, decodeError(t, w).ErrorCode)
	})
}

func TestHandlers_Catch(t *testing.T) {
	h, svc := setupHandlers(t)
	_, err := svc.Create(context.Background(), 7, 4)
	require.NoError(t, err)

	t.Run("accepts a valid envelope", func(t *testing.T) {
		raw, err := transport.EncodeEnvelope(model.NewChunkEnvelope(7, 0, make([]byte, testChunkSize)))
		require.NoError(t, err)

		w := httptest.NewRecorder()
		h.Catch(w, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw)))
		assert.Equal(t, http.StatusAccepted, w.Code)
	})

	t.Run("rejects a corrupted chunk", func(t *testing.T) {
		env := model.NewChunkEnvelope(7, 0, make([]byte, testChunkSize))
		env.Payload.Chunk.Checksum++
		raw, err := transport.EncodeEnvelope(env)
		require.NoError(t, err)

		w := httptest.NewRecorder()
		h.Catch(w, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw)))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, apierrors.ErrCodeChecksumFailed, decodeError(t, w).ErrorCode)
	})

	t.Run("unknown ring", func(t *testing.T) {
		raw, err := transport.EncodeEnvelope(model.NewChunkEnvelope(8, 0, make([]byte, testChunkSize)))
		require.NoError(t, err)

		w := httptest.NewRecorder()
		h.Catch(w, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw)))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("malformed envelope", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Catch(w, httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"ring_id":7}`)))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandlers_Join(t *testing.T) {
	h, _ := setupHandlers(t)

	t.Run("without target or cluster view", func(t *testing.T) {
		w := doJSON(t, h.Join, http.MethodPost, "/join", model.JoinRequest{RingID: 5})
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, apierrors.ErrCodeNoPeer, decodeError(t, w).ErrorCode)
	})

	t.Run("invalid target", func(t *testing.T) {
		w := doJSON(t, h.Join, http.MethodPost, "/join", model.JoinRequest{RingID: 5, Target: "localhost"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, apierrors.ErrCodeInvalidAddress, decodeError(t, w).ErrorCode)
	})

	t.Run("unreachable target rolls back", func(t *testing.T) {
		w := doJSON(t, h.Join, http.MethodPost, "/join", model.JoinRequest{RingID: 5, Target: "127.0.0.1:6999"})
		assert.Equal(t, http.StatusBadGateway, w.Code)

		w = doJSON(t, h.Discover, http.MethodGet, "/discover", nil)
		assert.JSONEq(t, `[]`, w.Body.String())
	})

	t.Run("self target", func(t *testing.T) {
		w := doJSON(t, h.Join, http.MethodPost, "/join", model.JoinRequest{RingID: 5, Target: selfAddr.String()})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"joined"}`, w.Body.String())
	})
}

func TestHandlers_Start(t *testing.T) {
	h, _ := setupHandlers(t)

	w := doJSON(t, h.Start, http.MethodPost, "/start", model.JoinRequest{RingID: 9, Target: selfAddr.String(), ChunkNum: 2})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"started"}`, w.Body.String())

	w = doJSON(t, h.Read, http.MethodPost, "/read", model.ReadRequest{RingID: 9, ChunkID: 1})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Body.Bytes(), testChunkSize)
}

func TestHandlers_RingStatus(t *testing.T) {
	h, svc := setupHandlers(t)
	_, err := svc.Create(context.Background(), 11, 4)
	require.NoError(t, err)

	t.Run("known ring", func(t *testing.T) {
		req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/rings/11", nil), map[string]string{"ring_id": "11"})
		w := httptest.NewRecorder()
		h.RingStatus(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var st model.RingStatus
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
		assert.Equal(t, model.RingID(11), st.RingID)
		assert.Equal(t, selfAddr, st.Downstream)
		assert.Equal(t, uint64(4), st.ChunkNum)
	})

	t.Run("bad id", func(t *testing.T) {
		req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/rings/abc", nil), map[string]string{"ring_id": "abc"})
		w := httptest.NewRecorder()
		h.RingStatus(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandlers_Cluster(t *testing.T) {
	h, _ := setupHandlers(t)

	w := doJSON(t, h.Cluster, http.MethodGet, "/cluster", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"self":"127.0.0.1:6767","rings":[],"peers":[]}`, w.Body.String())

	peer := model.PeerState{NodeID: "b", Address: model.MustParseNodeAddress("127.0.0.1:6768")}
	h.SetClusterView(staticCluster{peer})

	w = doJSON(t, h.Cluster, http.MethodGet, "/cluster", nil)
	var resp model.ClusterResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []model.PeerState{peer}, resp.Peers)
}

func TestHandlers_Shutdown(t *testing.T) {
	h, svc := setupHandlers(t)
	_, err := svc.Create(context.Background(), 3, 4)
	require.NoError(t, err)

	called := false
	h.OnShutdown(func() { called = true })

	w := doJSON(t, h.Shutdown, http.MethodPost, "/shutdown", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, called)
	assert.True(t, svc.ShuttingDown())

	w = doJSON(t, h.Create, http.MethodPost, "/create", model.CreateRequest{})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRelayHandler_Deliver(t *testing.T) {
	_, svc := setupHandlers(t)
	rh := NewRelayHandler(svc, zap.NewNop())
	_, err := svc.Create(context.Background(), 21, 4)
	require.NoError(t, err)

	t.Run("accepts envelope", func(t *testing.T) {
		raw, err := transport.EncodeEnvelope(model.NewChunkEnvelope(21, 3, make([]byte, testChunkSize)))
		require.NoError(t, err)

		_, err = rh.Deliver(context.Background(), wrapperspb.Bytes(raw))
		assert.NoError(t, err)
	})

	t.Run("malformed envelope", func(t *testing.T) {
		_, err := rh.Deliver(context.Background(), wrapperspb.Bytes([]byte("nope")))
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("unknown ring", func(t *testing.T) {
		raw, err := transport.EncodeEnvelope(model.NewChunkEnvelope(22, 0, make([]byte, testChunkSize)))
		require.NoError(t, err)

		_, err = rh.Deliver(context.Background(), wrapperspb.Bytes(raw))
		assert.Equal(t, codes.NotFound, status.Code(err))
	})
}
