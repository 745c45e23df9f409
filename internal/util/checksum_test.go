package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello ring")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
		{"chunk", make([]byte, 512)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, ComputeChecksum(tt.data), ComputeChecksum(tt.data))
		})
	}
}

func TestValidateChecksum(t *testing.T) {
	data := []byte("chunk payload")
	sum := ComputeChecksum(data)

	assert.True(t, ValidateChecksum(data, sum))
	assert.False(t, ValidateChecksum(data, sum+1))

	corrupted := append([]byte{}, data...)
	corrupted[0] ^= 0xFF
	assert.False(t, ValidateChecksum(corrupted, sum))
}

func TestZeroChecksum(t *testing.T) {
	for _, size := range []int{0, 1, 512, 4096} {
		assert.Equal(t, ComputeChecksum(make([]byte, size)), ZeroChecksum(size))
		// cached path
		assert.Equal(t, ComputeChecksum(make([]byte, size)), ZeroChecksum(size))
	}
}

func BenchmarkComputeChecksum(b *testing.B) {
	data := make([]byte, 512)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ComputeChecksum(data)
	}
}
