package pcm

import (
	"encoding/binary"
	"sync/atomic"
)

type chunk struct {
	samples []float32
	next    atomic.Pointer[chunk]
}

// Player is the playback jitter buffer. Network delivery pushes decoded chunks with
// Enqueue and the output clock pulls fixed-size quanta with Drain.
//
// It is a single-producer/single-consumer queue: exactly one goroutine may call the
// Enqueue methods and exactly one goroutine may call the Drain methods. Neither side
// takes a lock, so the producer never waits on the clock and vice versa.
type Player struct {
	// consumer side
	head   *chunk // sentinel; head.next is the oldest pending chunk
	cursor int    // consumed samples in head.next

	// producer side
	tail *chunk

	queued    atomic.Int64
	dropped   atomic.Int64
	maxQueued int64
}

// PlayerOption configures a Player.
type PlayerOption func(*Player)

// WithMaxQueued caps the queue at n samples. Chunks that would exceed the cap are
// dropped whole and counted in Dropped. n <= 0 means unbounded.
func WithMaxQueued(n int) PlayerOption {
	return func(p *Player) {
		p.maxQueued = int64(n)
	}
}

// NewPlayer creates an empty playback buffer. By default it grows without bound.
func NewPlayer(opts ...PlayerOption) *Player {
	stub := &chunk{}
	p := &Player{head: stub, tail: stub}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue appends a float copy of samples (scaled by 1/32768) to the tail.
func (p *Player) Enqueue(samples []int16) {
	if len(samples) == 0 {
		return
	}
	f := make([]float32, len(samples))
	for i, s := range samples {
		f[i] = float32(s) / 32768
	}
	p.push(f)
}

// EnqueueBytes appends little-endian PCM16 bytes, as carried by audioPCM events.
func (p *Player) EnqueueBytes(data []byte) {
	n := len(data) / BytesPerSample
	if n == 0 {
		return
	}
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:])) //nolint:gosec // PCM16 bit pattern
	}
	p.Enqueue(samples)
}

func (p *Player) push(samples []float32) {
	n := int64(len(samples))
	if p.maxQueued > 0 && p.queued.Load()+n > p.maxQueued {
		p.dropped.Add(n)
		return
	}
	c := &chunk{samples: samples}
	// Count before publishing so the consumer never sees a negative total.
	p.queued.Add(n)
	p.tail.next.Store(c)
	p.tail = c
}

// Drain returns exactly n samples, padding with silence once the queue runs dry.
// A negative n drains nothing.
func (p *Player) Drain(n int) []float32 {
	out := make([]float32, max(n, 0))
	p.DrainInto(out)
	return out
}

// DrainInto fills out from the head of the queue and zero-fills any shortfall.
// It returns the number of queued samples that were played.
func (p *Player) DrainInto(out []float32) int {
	i := 0
	for i < len(out) {
		cur := p.head.next.Load()
		if cur == nil {
			break
		}
		n := copy(out[i:], cur.samples[p.cursor:])
		i += n
		p.cursor += n
		if p.cursor >= len(cur.samples) {
			// cur becomes the new sentinel; its samples are no longer needed.
			cur.samples = nil
			p.head = cur
			p.cursor = 0
		}
	}
	played := i
	for ; i < len(out); i++ {
		out[i] = 0
	}
	p.queued.Add(-int64(played))
	return played
}

// Queued returns the number of samples waiting to be played.
func (p *Player) Queued() int {
	return int(p.queued.Load())
}

// Dropped returns the number of samples rejected by the queue cap.
func (p *Player) Dropped() int64 {
	return p.dropped.Load()
}
