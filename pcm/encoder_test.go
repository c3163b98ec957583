package pcm

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectedSample(s float32) int16 {
	v := math.Max(-1, math.Min(1, float64(s)))
	if v < 0 {
		return int16(math.Round(v * 32768))
	}
	return int16(math.Round(v * 32767))
}

func TestEncode_KnownValues(t *testing.T) {
	tests := []struct {
		in   float32
		want int16
	}{
		{0, 0},
		{1, 32767},
		{-1, -32768},
		{1.5, 32767},
		{-3, -32768},
		{0.5, 16384},
		{-0.5, -16384},
		{float32(math.NaN()), 0},
	}

	for _, tt := range tests {
		got := Encode([]float32{tt.in})
		require.Len(t, got, 1)
		assert.Equal(t, tt.want, got[0], "input %v", tt.in)
	}
}

func TestEncode_PreservesLengthAndScaling(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for quantum := 0; quantum < 50; quantum++ {
		in := make([]float32, rng.Intn(300))
		for i := range in {
			in[i] = rng.Float32()*2.4 - 1.2
		}

		out := Encode(in)
		require.Len(t, out, len(in))
		for i := range in {
			assert.Equal(t, expectedSample(in[i]), out[i])
		}
	}
}

func TestEncodeBytes_LittleEndian(t *testing.T) {
	in := []float32{-1, 0, 1, 0.25}
	b := EncodeBytes(in)
	require.Len(t, b, len(in)*BytesPerSample)

	for i, want := range Encode(in) {
		got := int16(binary.LittleEndian.Uint16(b[i*2:]))
		assert.Equal(t, want, got)
	}
	assert.Equal(t, []byte{0x00, 0x80}, b[0:2])
	assert.Equal(t, []byte{0xff, 0x7f}, b[4:6])
}

func TestDecode(t *testing.T) {
	got := Decode([]byte{0x00, 0x80, 0x00, 0x40, 0x01})
	assert.Equal(t, []float32{-1, 0.5}, got)
}

func TestEncoder_OneChunkPerQuantum(t *testing.T) {
	var chunks [][]byte
	enc := NewEncoder(func(chunk []byte) {
		chunks = append(chunks, chunk)
	})

	enc.Process(make([]float32, QuantumSize))
	enc.Process(nil)
	enc.Process([]float32{0.1, -0.1})

	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], QuantumSize*BytesPerSample)
	assert.Equal(t, EncodeBytes([]float32{0.1, -0.1}), chunks[1])
}
