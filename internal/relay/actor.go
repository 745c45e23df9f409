package relay

import (
	"context"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"

	"github.com/RaphaelDarley/messagedisk/internal/metrics"
	"github.com/RaphaelDarley/messagedisk/internal/model"
	"github.com/RaphaelDarley/messagedisk/internal/transport"
	"github.com/RaphaelDarley/messagedisk/internal/util"
)

// relayActor owns one ring's relay state. Every field is touched only from Receive.
type relayActor struct {
	ringID        model.RingID
	chunkNum      uint64
	chunkSize     int
	maxSpliceHops uint32

	downstream model.NodeAddress
	pending    map[uint64][]pendingOp
	forwarded  uint64

	deliverer transport.Deliverer
	metrics   *metrics.Metrics
	logger    *zap.Logger
	done      chan struct{}
}

func (a *relayActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		a.logger.Info("Relay started", zap.String("downstream", a.downstream.String()))
	case *inboundEnvelope:
		a.handleEnvelope(msg.env)
	case *readRequest:
		a.handleRead(msg)
	case *writeRequest:
		a.queue(msg.index, pendingOp{write: msg})
	case *downstreamRequest:
		msg.reply <- a.downstream
	case *statsRequest:
		msg.reply <- Stats{Downstream: a.downstream, Pending: a.pendingCount(), Forwarded: a.forwarded}
	case *actor.Stopped:
		if n := a.pendingCount(); n > 0 {
			a.logger.Warn("Relay stopped with unserved operations", zap.Int("pending", n))
			a.metrics.PendingOps.Sub(float64(n))
		}
		a.pending = nil
		close(a.done)
		a.logger.Info("Relay stopped", zap.Uint64("forwarded", a.forwarded))
	}
}

func (a *relayActor) handleEnvelope(env *model.Envelope) {
	switch env.Payload.Kind {
	case model.PayloadKindChunk:
		a.handleChunk(env)
	case model.PayloadKindSplice:
		a.handleSplice(env)
	default:
		a.logger.Warn("Dropping envelope with unknown payload", zap.String("kind", string(env.Payload.Kind)))
	}
}

// handleChunk serves every operation waiting on this index in arrival order, then
// passes the token on. A read sees the writes queued before it.
func (a *relayActor) handleChunk(env *model.Envelope) {
	chunk := env.Payload.Chunk

	if ops, ok := a.pending[chunk.ID]; ok {
		delete(a.pending, chunk.ID)
		written := false
		for _, op := range ops {
			switch {
			case op.read != nil:
				data := make([]byte, len(chunk.Data))
				copy(data, chunk.Data)
				op.read.reply <- data
				a.metrics.RecordResolved("read")
			case op.write != nil:
				chunk.Data = op.write.data
				written = true
				op.write.reply <- struct{}{}
				a.metrics.RecordResolved("write")
			}
		}
		if written {
			chunk.Checksum = util.ComputeChecksum(chunk.Data)
		}
	}

	if a.forward(env) {
		a.forwarded++
		a.metrics.RecordForward()
	}
}

// handleSplice rewires downstream when this node is the predecessor of the splice's
// old address. Otherwise the splice continues around the ring.
func (a *relayActor) handleSplice(env *model.Envelope) {
	splice := env.Payload.Splice

	if splice.Old == a.downstream {
		a.logger.Info("Absorbed splice",
			zap.String("old", splice.Old.String()),
			zap.String("new", splice.New.String()),
			zap.Uint32("hops", splice.Hops),
		)
		a.downstream = splice.New
		a.metrics.RecordSplice("absorbed")
		return
	}

	splice.Hops++
	if a.maxSpliceHops > 0 && splice.Hops >= a.maxSpliceHops {
		a.logger.Error("Dropping splice that found no predecessor",
			zap.String("old", splice.Old.String()),
			zap.String("new", splice.New.String()),
			zap.Uint32("hops", splice.Hops),
		)
		a.metrics.RecordSplice("dropped")
		return
	}

	if a.forward(env) {
		a.metrics.RecordSplice("forwarded")
	}
}

func (a *relayActor) handleRead(req *readRequest) {
	if req.index >= a.chunkNum {
		// No token carries this index; it reads as zeros.
		req.reply <- make([]byte, a.chunkSize)
		return
	}
	a.queue(req.index, pendingOp{read: req})
}

func (a *relayActor) queue(index uint64, op pendingOp) {
	a.pending[index] = append(a.pending[index], op)
	a.metrics.RecordQueued()
}

// forward delivers env to the current downstream. A failed delivery loses the
// envelope; it is logged and counted, never retried here.
func (a *relayActor) forward(env *model.Envelope) bool {
	if err := a.deliverer.Deliver(context.Background(), a.downstream, env); err != nil {
		a.logger.Error("Failed to deliver envelope downstream",
			zap.String("downstream", a.downstream.String()),
			zap.String("kind", string(env.Payload.Kind)),
			zap.Error(err),
		)
		a.metrics.RecordDeliveryFailure(string(env.Payload.Kind))
		return false
	}
	return true
}

func (a *relayActor) pendingCount() int {
	n := 0
	for _, ops := range a.pending {
		n += len(ops)
	}
	return n
}
