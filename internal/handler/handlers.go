// Package handler exposes the ring service over HTTP and gRPC.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	apierrors "github.com/RaphaelDarley/messagedisk/internal/errors"
	"github.com/RaphaelDarley/messagedisk/internal/model"
	"github.com/RaphaelDarley/messagedisk/internal/service"
	"github.com/RaphaelDarley/messagedisk/internal/transport"
)

// ClusterView lists the peers known through gossip.
type ClusterView interface {
	Peers() []model.PeerState
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	rings        *service.RingService
	cluster      ClusterView
	errorHandler *apierrors.Handler
	maxBodyBytes int64
	defaultChunk uint64
	onShutdown   func()
	logger       *zap.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	rings *service.RingService,
	errorHandler *apierrors.Handler,
	maxBodyBytes int64,
	defaultChunkNum uint64,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		rings:        rings,
		errorHandler: errorHandler,
		maxBodyBytes: maxBodyBytes,
		defaultChunk: defaultChunkNum,
		logger:       logger,
	}
}

// SetClusterView enables GET /cluster.
func (h *Handlers) SetClusterView(c ClusterView) {
	h.cluster = c
}

// OnShutdown registers a callback run after POST /shutdown stops the rings.
func (h *Handlers) OnShutdown(fn func()) {
	h.onShutdown = fn
}

// Catch handles POST / : an envelope from the upstream neighbour. It answers as soon
// as the envelope is queued on the relay.
func (h *Handlers) Catch(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), r.Header.Get("X-Request-ID"))
		return
	}

	env, err := transport.DecodeEnvelope(raw)
	if err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), r.Header.Get("X-Request-ID"))
		return
	}

	if err := h.rings.Deliver(r.Context(), env); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Read handles POST /read. The response body is the raw chunk data.
func (h *Handlers) Read(w http.ResponseWriter, r *http.Request) {
	var req model.ReadRequest
	if !h.decode(w, r, &req) {
		return
	}

	data, err := h.rings.Read(r.Context(), req.RingID, req.ChunkID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Write handles POST /write.
func (h *Handlers) Write(w http.ResponseWriter, r *http.Request) {
	var req model.WriteRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.rings.Write(r.Context(), req.RingID, req.ChunkID, req.Data); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, model.StatusResponse{Status: "ok"})
}

// Discover handles GET /discover.
func (h *Handlers) Discover(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, h.rings.Discover())
}

// Create handles POST /create.
func (h *Handlers) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	id, err := h.rings.Create(r.Context(), req.RingID, h.chunkNum(req.ChunkNum))
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusCreated, model.CreateResponse{RingID: id})
}

// Join handles POST /join. Without a target the entry node is looked up in the
// cluster view.
func (h *Handlers) Join(w http.ResponseWriter, r *http.Request) {
	var req model.JoinRequest
	if !h.decode(w, r, &req) {
		return
	}

	var (
		target   model.NodeAddress
		chunkNum = req.ChunkNum
		err      error
	)
	if req.Target == "" {
		var peerChunkNum uint64
		target, peerChunkNum, err = h.rings.ResolveEntry(req.RingID)
		if err != nil {
			h.errorHandler.HandleError(w, r, err)
			return
		}
		if chunkNum == 0 {
			chunkNum = peerChunkNum
		}
	} else if target, err = h.rings.Validator().ParseAddress(req.Target); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	if err := h.rings.Join(r.Context(), req.RingID, target, h.chunkNum(chunkNum)); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, model.StatusResponse{Status: "joined"})
}

// Start handles POST /start: join through target, then populate the ring at target.
func (h *Handlers) Start(w http.ResponseWriter, r *http.Request) {
	h.withTarget(w, r, func(ctx context.Context, req model.JoinRequest, target model.NodeAddress) (string, error) {
		return "started", h.rings.Start(ctx, req.RingID, target, h.chunkNum(req.ChunkNum))
	})
}

// Inject handles POST /inject: populate the ring at target without joining.
func (h *Handlers) Inject(w http.ResponseWriter, r *http.Request) {
	h.withTarget(w, r, func(ctx context.Context, req model.JoinRequest, target model.NodeAddress) (string, error) {
		return "injected", h.rings.Inject(ctx, req.RingID, target, h.chunkNum(req.ChunkNum))
	})
}

func (h *Handlers) withTarget(w http.ResponseWriter, r *http.Request, fn func(context.Context, model.JoinRequest, model.NodeAddress) (string, error)) {
	var req model.JoinRequest
	if !h.decode(w, r, &req) {
		return
	}

	target, err := h.rings.Validator().ParseAddress(req.Target)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	status, err := fn(r.Context(), req, target)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, model.StatusResponse{Status: status})
}

// RingStatus handles GET /rings/{ring_id}.
func (h *Handlers) RingStatus(w http.ResponseWriter, r *http.Request) {
	id, err := model.ParseRingID(mux.Vars(r)["ring_id"])
	if err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), r.Header.Get("X-Request-ID"))
		return
	}

	st, err := h.rings.Status(r.Context(), id)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, st)
}

// Cluster handles GET /cluster.
func (h *Handlers) Cluster(w http.ResponseWriter, r *http.Request) {
	resp := model.ClusterResponse{
		Self:  h.rings.Self(),
		Rings: h.rings.Discover(),
		Peers: []model.PeerState{},
	}
	if h.cluster != nil {
		resp.Peers = h.cluster.Peers()
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// Shutdown handles POST /shutdown: every relay drains and exits.
func (h *Handlers) Shutdown(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("Shutdown requested", zap.String("remote_addr", r.RemoteAddr))

	if err := h.rings.Shutdown(r.Context()); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if h.onShutdown != nil {
		h.onShutdown()
	}
	h.writeJSONResponse(w, http.StatusOK, model.StatusResponse{Status: "shutdown"})
}

func (h *Handlers) chunkNum(n uint64) uint64 {
	if n == 0 {
		return h.defaultChunk
	}
	return n
}

// handleError skips the response when the client has gone away.
func (h *Handlers) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil && !apierrors.IsRingError(err) {
		h.logger.Debug("Client went away while waiting for token", zap.Error(err))
		return
	}
	h.errorHandler.HandleError(w, r, err)
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		h.errorHandler.WriteValidationError(w, fmt.Sprintf("invalid request body: %v", err), r.Header.Get("X-Request-ID"))
		return false
	}
	return true
}

func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
