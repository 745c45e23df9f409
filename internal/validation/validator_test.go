package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RaphaelDarley/messagedisk/internal/errors"
	"github.com/RaphaelDarley/messagedisk/internal/model"
)

func TestValidator_ChunkData(t *testing.T) {
	v := NewValidator(512)

	assert.NoError(t, v.ValidateChunkData(make([]byte, 512)))
	assert.True(t, errors.Is(v.ValidateChunkData(make([]byte, 511)), errors.ErrCodeInvalidChunkSize))
	assert.True(t, errors.Is(v.ValidateChunkData(nil), errors.ErrCodeInvalidChunkSize))
}

func TestValidator_WriteIndexAndChunkNum(t *testing.T) {
	v := NewValidatorWithLimits(512, 100)

	assert.NoError(t, v.ValidateWriteIndex(3, 4))
	assert.True(t, errors.Is(v.ValidateWriteIndex(4, 4), errors.ErrCodeChunkOutOfRange))

	assert.NoError(t, v.ValidateChunkNum(100))
	assert.Error(t, v.ValidateChunkNum(0))
	assert.Error(t, v.ValidateChunkNum(101))
}

func TestValidator_ParseAddress(t *testing.T) {
	v := NewValidator(512)

	tests := []struct {
		input string
		valid bool
	}{
		{"127.0.0.1:6767", true},
		{"[::1]:6767", true},
		{"localhost:6767", false},
		{"127.0.0.1", false},
		{"127.0.0.1:0", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			addr, err := v.ParseAddress(tt.input)
			if tt.valid {
				require.NoError(t, err)
				assert.True(t, addr.IsValid())
			} else {
				assert.True(t, errors.Is(err, errors.ErrCodeInvalidAddress))
			}
		})
	}
}

func TestValidator_Envelope(t *testing.T) {
	v := NewValidator(4)
	a := model.MustParseNodeAddress("127.0.0.1:1")

	good := model.NewChunkEnvelope(1, 0, []byte{1, 2, 3, 4})
	assert.NoError(t, v.ValidateEnvelope(good))

	corrupt := model.NewChunkEnvelope(1, 0, []byte{1, 2, 3, 4})
	corrupt.Payload.Chunk.Data[0] = 9
	assert.True(t, errors.Is(v.ValidateEnvelope(corrupt), errors.ErrCodeChecksumFailed))

	short := model.NewChunkEnvelope(1, 0, []byte{1})
	assert.True(t, errors.Is(v.ValidateEnvelope(short), errors.ErrCodeInvalidChunkSize))

	assert.NoError(t, v.ValidateEnvelope(model.NewSpliceEnvelope(1, a, a)))

	bad := &model.Envelope{RingID: 1, Payload: model.Payload{Kind: "other"}}
	assert.True(t, errors.Is(v.ValidateEnvelope(bad), errors.ErrCodeInvalidArgument))
}
