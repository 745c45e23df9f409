package relay

import "github.com/RaphaelDarley/messagedisk/internal/model"

// Messages accepted by the relay actor. Replies go through channels with a buffer of
// one so the actor never blocks on a caller that has given up.

type inboundEnvelope struct {
	env *model.Envelope
}

type readRequest struct {
	index uint64
	reply chan []byte
}

type writeRequest struct {
	index uint64
	data  []byte
	reply chan struct{}
}

type downstreamRequest struct {
	reply chan model.NodeAddress
}

type statsRequest struct {
	reply chan Stats
}

// Stats is a snapshot of a relay's state.
type Stats struct {
	Downstream model.NodeAddress
	Pending    int
	Forwarded  uint64
}

// pendingOp is a read or a write waiting for its chunk's token. Exactly one of read
// and write is set.
type pendingOp struct {
	read  *readRequest
	write *writeRequest
}
