package pcm

import (
	"encoding/binary"
	"math"
)

// Fixed stream formats.
const (
	InputSampleRate  = 16000 // mic -> model
	OutputSampleRate = 24000 // model -> speaker
	BytesPerSample   = 2

	// QuantumSize is the number of samples processed per audio callback.
	QuantumSize = 128
)

// InputMIMEType is the MIME type the upstream expects for ingest chunks.
const InputMIMEType = "audio/pcm;rate=16000"

// Encode converts float samples in [-1, 1] to signed 16-bit PCM.
// Input is clamped first; negative values scale by 32768, the rest by 32767.
func Encode(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = encodeSample(s)
	}
	return out
}

// EncodeBytes is Encode serialized as little-endian bytes, the binary frame layout.
func EncodeBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(encodeSample(s))) //nolint:gosec // PCM16 bit pattern
	}
	return out
}

func encodeSample(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	if v < 0 {
		return int16(math.Round(v * 32768))
	}
	return int16(math.Round(v * 32767))
}

// Decode converts little-endian PCM16 bytes to float samples in [-1, 1).
// A trailing odd byte is ignored.
func Decode(data []byte) []float32 {
	n := len(data) / BytesPerSample
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = float32(int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))) / 32768 //nolint:gosec // PCM16 bit pattern
	}
	return out
}

// Encoder turns capture quanta into ingest chunks.
// It keeps no state between quanta; every Process call emits exactly one chunk.
type Encoder struct {
	sink func(chunk []byte)
}

// NewEncoder creates an encoder that hands each chunk to sink.
// The sink must not block; it is called from the capture path.
func NewEncoder(sink func(chunk []byte)) *Encoder {
	return &Encoder{sink: sink}
}

// Process encodes one quantum and emits it.
func (e *Encoder) Process(quantum []float32) {
	if len(quantum) == 0 {
		return
	}
	e.sink(EncodeBytes(quantum))
}
