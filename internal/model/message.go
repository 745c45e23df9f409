package model

import (
	"fmt"

	"github.com/RaphaelDarley/messagedisk/internal/util"
)

// PayloadKind discriminates the payload carried by an envelope.
type PayloadKind string

const (
	PayloadKindChunk  PayloadKind = "chunk"
	PayloadKindSplice PayloadKind = "splice"
)

// Chunk is the token for one chunk index. Checksum is the CRC32 of Data.
type Chunk struct {
	ID       uint64 `json:"id"`
	Data     []byte `json:"data"`
	Checksum uint32 `json:"checksum"`
}

// Splice asks the predecessor of Old to point its downstream at New.
// Hops counts how many relays have forwarded it so far.
type Splice struct {
	Old  NodeAddress `json:"old"`
	New  NodeAddress `json:"new"`
	Hops uint32      `json:"hops"`
}

// Payload is a tagged union: exactly one of Chunk and Splice is set, matching Kind.
type Payload struct {
	Kind   PayloadKind `json:"kind"`
	Chunk  *Chunk      `json:"chunk,omitempty"`
	Splice *Splice     `json:"splice,omitempty"`
}

// Envelope is the single message type relayed between nodes.
type Envelope struct {
	RingID  RingID  `json:"ring_id"`
	Payload Payload `json:"payload"`
}

// NewChunkEnvelope builds a chunk envelope and stamps its checksum.
func NewChunkEnvelope(ringID RingID, id uint64, data []byte) *Envelope {
	return &Envelope{
		RingID: ringID,
		Payload: Payload{
			Kind: PayloadKindChunk,
			Chunk: &Chunk{
				ID:       id,
				Data:     data,
				Checksum: util.ComputeChecksum(data),
			},
		},
	}
}

// NewSpliceEnvelope builds a splice envelope with a zero hop count.
func NewSpliceEnvelope(ringID RingID, old, new NodeAddress) *Envelope {
	return &Envelope{
		RingID: ringID,
		Payload: Payload{
			Kind:   PayloadKindSplice,
			Splice: &Splice{Old: old, New: new},
		},
	}
}

// Validate checks the shape of an envelope received from the network.
func (e *Envelope) Validate() error {
	switch e.Payload.Kind {
	case PayloadKindChunk:
		if e.Payload.Chunk == nil || e.Payload.Splice != nil {
			return fmt.Errorf("chunk envelope must carry exactly one chunk payload")
		}
	case PayloadKindSplice:
		if e.Payload.Splice == nil || e.Payload.Chunk != nil {
			return fmt.Errorf("splice envelope must carry exactly one splice payload")
		}
		if !e.Payload.Splice.Old.IsValid() || !e.Payload.Splice.New.IsValid() {
			return fmt.Errorf("splice envelope has an invalid address")
		}
	default:
		return fmt.Errorf("unknown payload kind %q", e.Payload.Kind)
	}
	return nil
}
