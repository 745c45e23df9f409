package validation

import (
	"fmt"

	"github.com/RaphaelDarley/messagedisk/internal/errors"
	"github.com/RaphaelDarley/messagedisk/internal/model"
	"github.com/RaphaelDarley/messagedisk/internal/util"
)

const (
	// MaxChunkNum bounds how many tokens a single ring may carry.
	MaxChunkNum = 1 << 24
)

// Validator validates client input and inbound envelopes at the node boundary.
type Validator struct {
	chunkSize   int
	maxChunkNum uint64
}

// NewValidator creates a validator for rings of the given chunk size.
func NewValidator(chunkSize int) *Validator {
	return NewValidatorWithLimits(chunkSize, MaxChunkNum)
}

// NewValidatorWithLimits creates a validator with a custom chunk count bound.
func NewValidatorWithLimits(chunkSize int, maxChunkNum uint64) *Validator {
	return &Validator{
		chunkSize:   chunkSize,
		maxChunkNum: maxChunkNum,
	}
}

// ChunkSize returns the configured chunk size.
func (v *Validator) ChunkSize() int {
	return v.chunkSize
}

// ValidateChunkData checks that a write buffer is exactly one chunk long.
func (v *Validator) ValidateChunkData(data []byte) error {
	if len(data) != v.chunkSize {
		return errors.InvalidChunkSize(len(data), v.chunkSize)
	}
	return nil
}

// ValidateWriteIndex rejects writes to indices the ring does not carry. Such a write
// would never be served since no token for it circulates.
func (v *Validator) ValidateWriteIndex(index, chunkNum uint64) error {
	if index >= chunkNum {
		return errors.ChunkOutOfRange(index, chunkNum)
	}
	return nil
}

// ValidateChunkNum checks the token count requested for a new ring.
func (v *Validator) ValidateChunkNum(chunkNum uint64) error {
	if chunkNum == 0 {
		return errors.InvalidArgument("chunk_num must be positive", nil)
	}
	if chunkNum > v.maxChunkNum {
		return errors.InvalidArgument(fmt.Sprintf("chunk_num %d exceeds maximum %d", chunkNum, v.maxChunkNum), nil)
	}
	return nil
}

// ParseAddress parses a peer address given by a client.
func (v *Validator) ParseAddress(s string) (model.NodeAddress, error) {
	addr, err := model.ParseNodeAddress(s)
	if err != nil {
		return model.NodeAddress{}, errors.InvalidAddress(s, err)
	}
	return addr, nil
}

// ValidateEnvelope checks an envelope received from a peer: its shape, and for chunk
// payloads the size and checksum of the data.
func (v *Validator) ValidateEnvelope(env *model.Envelope) error {
	if err := env.Validate(); err != nil {
		return errors.InvalidArgument("malformed envelope", err)
	}
	if env.Payload.Kind != model.PayloadKindChunk {
		return nil
	}

	chunk := env.Payload.Chunk
	if err := v.ValidateChunkData(chunk.Data); err != nil {
		return err
	}
	if actual := util.ComputeChecksum(chunk.Data); actual != chunk.Checksum {
		return errors.ChecksumFailed(chunk.Checksum, actual).
			WithDetail("ring_id", uint64(env.RingID)).
			WithDetail("chunk_id", chunk.ID)
	}
	return nil
}
