package session

import (
	"errors"

	"github.com/room4-2/live-relay/messages"
)

// ErrBufferFull is returned when the buffer exceeds its maximum size
var ErrBufferFull = errors.New("pending buffer full")

// inbound is one decoded client frame: an ingest chunk or a control message
type inbound struct {
	audio   []byte
	control *messages.Control
}

func (in inbound) size() int {
	if in.control != nil {
		return len(in.control.Text)
	}
	return len(in.audio)
}

// PendingBuffer holds client frames that arrive before the upstream session is open.
// It is owned by the session's run loop and is not safe for concurrent use.
type PendingBuffer struct {
	items     []inbound
	totalSize int
	maxSize   int
}

// NewPendingBuffer creates a buffer with the specified maximum size in bytes
func NewPendingBuffer(maxSize int) *PendingBuffer {
	return &PendingBuffer{maxSize: maxSize}
}

// MaxSize returns the maximum buffer size
func (pb *PendingBuffer) MaxSize() int {
	return pb.maxSize
}

// Append adds a frame to the buffer.
// Returns ErrBufferFull if adding the frame would exceed maxSize
func (pb *PendingBuffer) Append(item inbound) error {
	newSize := pb.totalSize + item.size()
	if newSize > pb.maxSize {
		return ErrBufferFull
	}

	pb.items = append(pb.items, item)
	pb.totalSize = newSize
	return nil
}

// Flush returns all frames in arrival order and clears the buffer
func (pb *PendingBuffer) Flush() []inbound {
	items := pb.items
	pb.Clear()
	return items
}

// Clear empties the buffer without returning data
func (pb *PendingBuffer) Clear() {
	pb.items = nil
	pb.totalSize = 0
}

// Size returns the current total buffered bytes
func (pb *PendingBuffer) Size() int {
	return pb.totalSize
}

// Len returns the number of frames in the buffer
func (pb *PendingBuffer) Len() int {
	return len(pb.items)
}
