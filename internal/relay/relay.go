// Package relay runs the per-ring relay actor. The actor receives chunk tokens and
// splice messages, serves reads and writes that wait for a token, and forwards
// everything it does not absorb to its downstream neighbour.
package relay

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"

	"github.com/RaphaelDarley/messagedisk/internal/errors"
	"github.com/RaphaelDarley/messagedisk/internal/metrics"
	"github.com/RaphaelDarley/messagedisk/internal/model"
	"github.com/RaphaelDarley/messagedisk/internal/transport"
)

// Config describes the ring a relay serves.
type Config struct {
	RingID        model.RingID
	Downstream    model.NodeAddress
	ChunkNum      uint64
	ChunkSize     int
	MaxSpliceHops uint32
}

// Relay is the handle to a running relay actor. All methods are safe for concurrent use.
type Relay struct {
	root     *actor.RootContext
	pid      *actor.PID
	ringID   model.RingID
	chunkNum uint64
	done     chan struct{}
	logger   *zap.Logger

	// mu orders sends against Stop: nothing is sent after the poison pill.
	mu     sync.RWMutex
	closed bool
}

// Spawn starts a relay actor on system.
func Spawn(system *actor.ActorSystem, cfg Config, deliverer transport.Deliverer, m *metrics.Metrics, logger *zap.Logger) (*Relay, error) {
	if !cfg.Downstream.IsValid() {
		return nil, errors.InvalidAddress(cfg.Downstream.String(), nil)
	}

	logger = logger.With(zap.Uint64("ring_id", uint64(cfg.RingID)))
	done := make(chan struct{})

	props := actor.PropsFromProducer(func() actor.Actor {
		return &relayActor{
			ringID:        cfg.RingID,
			chunkNum:      cfg.ChunkNum,
			chunkSize:     cfg.ChunkSize,
			maxSpliceHops: cfg.MaxSpliceHops,
			downstream:    cfg.Downstream,
			pending:       make(map[uint64][]pendingOp),
			deliverer:     deliverer,
			metrics:       m,
			logger:        logger,
			done:          done,
		}
	})

	pid, err := system.Root.SpawnNamed(props, fmt.Sprintf("ring-%d", cfg.RingID))
	if stderrors.Is(err, actor.ErrNameExists) {
		// another join of the same ring won the race
		return nil, errors.RingExists(uint64(cfg.RingID))
	}
	if err != nil {
		return nil, errors.InternalError("failed to spawn relay", err)
	}

	return &Relay{
		root:     system.Root,
		pid:      pid,
		ringID:   cfg.RingID,
		chunkNum: cfg.ChunkNum,
		done:     done,
		logger:   logger,
	}, nil
}

// RingID returns the ring served by the relay.
func (r *Relay) RingID() model.RingID {
	return r.ringID
}

// ChunkNum returns the number of chunks on the ring.
func (r *Relay) ChunkNum() uint64 {
	return r.chunkNum
}

func (r *Relay) send(msg interface{}) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return errors.ShuttingDown()
	}
	r.root.Send(r.pid, msg)
	return nil
}

// Submit hands an envelope received from upstream to the actor.
func (r *Relay) Submit(env *model.Envelope) error {
	return r.send(&inboundEnvelope{env: env})
}

// Read waits for the next visit of the index's token and returns a copy of its data.
// Indices past the end of the ring read as zeros without waiting. If ctx ends first
// the read stays queued and its eventual result is discarded.
func (r *Relay) Read(ctx context.Context, index uint64) ([]byte, error) {
	reply := make(chan []byte, 1)
	if err := r.send(&readRequest{index: index, reply: reply}); err != nil {
		return nil, err
	}

	select {
	case data := <-reply:
		return data, nil
	case <-r.done:
		select {
		case data := <-reply:
			return data, nil
		default:
			return nil, errors.ShuttingDown()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write waits for the next visit of the index's token and replaces its data. The
// caller is responsible for checking the index and the data length.
func (r *Relay) Write(ctx context.Context, index uint64, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)

	reply := make(chan struct{}, 1)
	if err := r.send(&writeRequest{index: index, data: buf, reply: reply}); err != nil {
		return err
	}

	select {
	case <-reply:
		return nil
	case <-r.done:
		select {
		case <-reply:
			return nil
		default:
			return errors.ShuttingDown()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Downstream returns the address the relay currently forwards to.
func (r *Relay) Downstream(ctx context.Context) (model.NodeAddress, error) {
	reply := make(chan model.NodeAddress, 1)
	if err := r.send(&downstreamRequest{reply: reply}); err != nil {
		return model.NodeAddress{}, err
	}

	select {
	case addr := <-reply:
		return addr, nil
	case <-r.done:
		return model.NodeAddress{}, errors.ShuttingDown()
	case <-ctx.Done():
		return model.NodeAddress{}, ctx.Err()
	}
}

// Stats returns a snapshot of the relay's state. It is answered in mailbox order, so
// every message submitted before the call has been processed when it returns.
func (r *Relay) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := r.send(&statsRequest{reply: reply}); err != nil {
		return Stats{}, err
	}

	select {
	case s := <-reply:
		return s, nil
	case <-r.done:
		return Stats{}, errors.ShuttingDown()
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// Stop closes the mailbox to new messages, lets the actor drain what is already
// queued, and waits for it to exit. Operations still waiting for a token fail with
// SHUTTING_DOWN. Stop is idempotent.
func (r *Relay) Stop() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if err := r.root.PoisonFuture(r.pid).Wait(); err != nil {
		// Draining is bounded by the deliverer's timeouts; keep waiting.
		r.logger.Warn("Relay still draining", zap.Error(err))
	}
	<-r.done
	r.logger.Debug("Relay drained")
	return nil
}

// Done is closed once the actor has exited.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}
