package service

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/RaphaelDarley/messagedisk/internal/config"
	"github.com/RaphaelDarley/messagedisk/internal/directory"
	"github.com/RaphaelDarley/messagedisk/internal/errors"
	"github.com/RaphaelDarley/messagedisk/internal/metrics"
	"github.com/RaphaelDarley/messagedisk/internal/model"
	"github.com/RaphaelDarley/messagedisk/internal/relay"
	"github.com/RaphaelDarley/messagedisk/internal/transport"
	"github.com/RaphaelDarley/messagedisk/internal/util"
	"github.com/RaphaelDarley/messagedisk/internal/validation"
)

// PeerFinder locates another node hosting a ring.
type PeerFinder interface {
	FindRing(id model.RingID) (model.NodeAddress, uint64, bool)
}

// RingService hosts this node's rings: it owns the ring directory, spawns relays and
// runs the join protocol.
type RingService struct {
	cfg       config.RingConfig
	self      model.NodeAddress
	system    *actor.ActorSystem
	directory *directory.Directory[*relay.Relay]
	deliverer transport.Deliverer
	validator *validation.Validator
	peers     PeerFinder
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewRingService creates a ring service for the node reachable at self.
func NewRingService(
	cfg config.RingConfig,
	self model.NodeAddress,
	system *actor.ActorSystem,
	deliverer transport.Deliverer,
	m *metrics.Metrics,
	logger *zap.Logger,
) *RingService {
	return &RingService{
		cfg:       cfg,
		self:      self,
		system:    system,
		directory: directory.New[*relay.Relay](),
		deliverer: deliverer,
		validator: validation.NewValidator(cfg.ChunkSize),
		metrics:   m,
		logger:    logger,
	}
}

// SetPeerFinder enables joins that do not name an entry node.
func (s *RingService) SetPeerFinder(p PeerFinder) {
	s.peers = p
}

// Self returns the address peers use to reach this node.
func (s *RingService) Self() model.NodeAddress {
	return s.self
}

// ChunkSize returns the size of every chunk on this node's rings.
func (s *RingService) ChunkSize() int {
	return s.cfg.ChunkSize
}

// Validator returns the boundary validator for this node.
func (s *RingService) Validator() *validation.Validator {
	return s.validator
}

// Create starts a new ring that consists only of this node. A zero id picks a random one.
func (s *RingService) Create(ctx context.Context, id model.RingID, chunkNum uint64) (model.RingID, error) {
	if id == 0 {
		id = model.NewRingID()
	}
	if err := s.Join(ctx, id, s.self, chunkNum); err != nil {
		return 0, err
	}
	return id, nil
}

// Join hosts a ring on this node and splices it in front of entry. The relay starts
// forwarding to entry at once; the splice travels from entry around the ring until
// entry's predecessor rewires itself to this node. With entry == self the ring is a
// self-loop and no splice is sent.
func (s *RingService) Join(ctx context.Context, id model.RingID, entry model.NodeAddress, chunkNum uint64) error {
	if err := s.validator.ValidateChunkNum(chunkNum); err != nil {
		return err
	}
	if !entry.IsValid() {
		return errors.InvalidAddress(entry.String(), nil)
	}
	if s.directory.Closed() {
		return errors.ShuttingDown()
	}
	if _, ok := s.directory.Lookup(id); ok {
		return errors.RingExists(uint64(id))
	}

	r, err := relay.Spawn(s.system, relay.Config{
		RingID:        id,
		Downstream:    entry,
		ChunkNum:      chunkNum,
		ChunkSize:     s.cfg.ChunkSize,
		MaxSpliceHops: s.cfg.MaxSpliceHops,
	}, s.deliverer, s.metrics, s.logger)
	if err != nil {
		return err
	}

	if err := s.directory.Insert(r); err != nil {
		r.Stop()
		return err
	}
	s.metrics.UpdateRelayCount(s.directory.Len())

	if entry != s.self {
		splice := model.NewSpliceEnvelope(id, entry, s.self)
		if err := s.deliverer.Deliver(ctx, entry, splice); err != nil {
			s.logger.Error("Failed to send splice, abandoning join",
				zap.Uint64("ring_id", uint64(id)),
				zap.String("entry", entry.String()),
				zap.Error(err),
			)
			s.directory.Remove(id)
			r.Stop()
			s.metrics.UpdateRelayCount(s.directory.Len())
			return err
		}
	}

	s.logger.Info("Joined ring",
		zap.Uint64("ring_id", uint64(id)),
		zap.String("entry", entry.String()),
		zap.Uint64("chunk_num", chunkNum),
	)
	return nil
}

// ResolveEntry picks an entry node for a ring from the peers this node knows about.
func (s *RingService) ResolveEntry(id model.RingID) (model.NodeAddress, uint64, error) {
	if s.peers == nil {
		return model.NodeAddress{}, 0, errors.NoPeer(uint64(id))
	}
	addr, chunkNum, ok := s.peers.FindRing(id)
	if !ok {
		return model.NodeAddress{}, 0, errors.NoPeer(uint64(id))
	}
	return addr, chunkNum, nil
}

// Start joins a ring and then populates it with chunkNum zero-filled tokens sent to
// target. It is meant for the first node to join a freshly created ring.
func (s *RingService) Start(ctx context.Context, id model.RingID, target model.NodeAddress, chunkNum uint64) error {
	if err := s.Join(ctx, id, target, chunkNum); err != nil {
		return err
	}
	return s.Inject(ctx, id, target, chunkNum)
}

// Inject sends chunkNum zero-filled tokens, one per index, to target.
func (s *RingService) Inject(ctx context.Context, id model.RingID, target model.NodeAddress, chunkNum uint64) error {
	if err := s.validator.ValidateChunkNum(chunkNum); err != nil {
		return err
	}

	start := time.Now()
	sum := util.ZeroChecksum(s.cfg.ChunkSize)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.InjectConcurrency)
	for i := uint64(0); i < chunkNum; i++ {
		env := &model.Envelope{
			RingID: id,
			Payload: model.Payload{
				Kind:  model.PayloadKindChunk,
				Chunk: &model.Chunk{ID: i, Data: make([]byte, s.cfg.ChunkSize), Checksum: sum},
			},
		}
		g.Go(func() error {
			return s.deliverer.Deliver(gctx, target, env)
		})
	}

	err := g.Wait()
	s.metrics.RecordRequest("inject", time.Since(start).Seconds(), err)
	if err != nil {
		return err
	}

	s.logger.Info("Injected tokens",
		zap.Uint64("ring_id", uint64(id)),
		zap.String("target", target.String()),
		zap.Uint64("chunk_num", chunkNum),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// Deliver accepts an envelope from a peer and hands it to the ring's relay.
func (s *RingService) Deliver(ctx context.Context, env *model.Envelope) error {
	if err := s.validator.ValidateEnvelope(env); err != nil {
		if errors.Is(err, errors.ErrCodeChecksumFailed) {
			s.metrics.RecordChecksumFailure()
		}
		return err
	}

	entry, ok := s.directory.Lookup(env.RingID)
	if !ok {
		if s.directory.Closed() {
			return errors.ShuttingDown()
		}
		return errors.UnknownRing(uint64(env.RingID))
	}

	if chunk := env.Payload.Chunk; chunk != nil {
		// a token past the end of the ring would circulate with nothing to serve
		if err := s.validator.ValidateWriteIndex(chunk.ID, entry.ChunkNum); err != nil {
			return err
		}
	}

	s.metrics.RecordInbound(string(env.Payload.Kind))
	return entry.Relay.Submit(env)
}

// Read returns the data of a chunk the next time its token passes this node.
func (s *RingService) Read(ctx context.Context, id model.RingID, index uint64) ([]byte, error) {
	entry, ok := s.directory.Lookup(id)
	if !ok {
		return nil, errors.UnknownRing(uint64(id))
	}

	ctx, cancel := s.requestContext(ctx)
	defer cancel()

	start := time.Now()
	data, err := entry.Relay.Read(ctx, index)
	err = s.requestError("read", err)
	s.metrics.RecordRequest("read", time.Since(start).Seconds(), err)
	return data, err
}

// Write replaces the data of a chunk the next time its token passes this node.
func (s *RingService) Write(ctx context.Context, id model.RingID, index uint64, data []byte) error {
	entry, ok := s.directory.Lookup(id)
	if !ok {
		return errors.UnknownRing(uint64(id))
	}
	if err := s.validator.ValidateChunkData(data); err != nil {
		return err
	}
	if err := s.validator.ValidateWriteIndex(index, entry.ChunkNum); err != nil {
		return err
	}

	ctx, cancel := s.requestContext(ctx)
	defer cancel()

	start := time.Now()
	err := s.requestError("write", entry.Relay.Write(ctx, index, data))
	s.metrics.RecordRequest("write", time.Since(start).Seconds(), err)
	return err
}

// Discover lists the rings hosted by this node.
func (s *RingService) Discover() []model.RingInfo {
	return s.directory.List()
}

// Status reports a hosted ring's relay state.
func (s *RingService) Status(ctx context.Context, id model.RingID) (model.RingStatus, error) {
	entry, ok := s.directory.Lookup(id)
	if !ok {
		return model.RingStatus{}, errors.UnknownRing(uint64(id))
	}

	st, err := entry.Relay.Stats(ctx)
	if err != nil {
		return model.RingStatus{}, err
	}
	return model.RingStatus{
		RingID:     id,
		ChunkNum:   entry.ChunkNum,
		ChunkSize:  s.cfg.ChunkSize,
		Downstream: st.Downstream,
		Pending:    st.Pending,
		Forwarded:  st.Forwarded,
	}, nil
}

// RingCount returns the number of hosted rings.
func (s *RingService) RingCount() int {
	return s.directory.Len()
}

// ShuttingDown reports whether Shutdown has been called.
func (s *RingService) ShuttingDown() bool {
	return s.directory.Closed()
}

// Shutdown stops every relay. Each relay drains its mailbox before exiting; new joins
// and deliveries are refused from the moment Shutdown is called.
func (s *RingService) Shutdown(ctx context.Context) error {
	entries := s.directory.Drain()
	s.logger.Info("Shutting down rings", zap.Int("count", len(entries)))

	g, _ := errgroup.WithContext(ctx)
	for _, e := range entries {
		r := e.Relay
		g.Go(r.Stop)
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	s.metrics.UpdateRelayCount(0)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RingService) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *RingService) requestError(op string, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Timeout(op, err)
	}
	return err
}
