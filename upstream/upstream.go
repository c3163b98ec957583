// Package upstream defines the contract between the session bridge and the remote
// streaming conversational service.
//
// Every call may fail. Events are delivered on a channel fed from the adapter's own
// goroutine, in the order the service emitted them, and the channel is closed after
// the last event.
package upstream

import (
	"context"
	"errors"
)

// ErrClosed is returned by Session methods after Close.
var ErrClosed = errors.New("upstream session closed")

// Config describes the upstream session requested for one client.
type Config struct {
	Model               string
	SystemInstruction   string
	ResponseModalities  []string // "AUDIO", "TEXT"
	InputTranscription  bool
	OutputTranscription bool
	Voice               string
}

// EventKind identifies an inbound upstream event.
type EventKind int

const (
	EventAudio EventKind = iota + 1
	EventInputTranscript
	EventOutputTranscript
	EventTextPart
	EventInterrupted
	EventError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventInputTranscript:
		return "input_transcript"
	case EventOutputTranscript:
		return "output_transcript"
	case EventTextPart:
		return "text_part"
	case EventInterrupted:
		return "interrupted"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one item of the upstream event stream.
type Event struct {
	Kind  EventKind
	Audio []byte // EventAudio: raw PCM16 LE at the egress rate
	Text  string // transcript and text events
	Err   error  // EventError
}

// Session is an open upstream streaming session.
type Session interface {
	// SendAudio forwards one ingest chunk (PCM16 LE at the ingest rate).
	SendAudio(ctx context.Context, chunk []byte) error
	// SendTextTurn sends text as a complete user turn.
	SendTextTurn(ctx context.Context, text string) error
	// SignalTurnComplete ends the current audio turn.
	SignalTurnComplete(ctx context.Context) error
	// SignalInterrupt asks the service to stop its current output.
	SignalInterrupt(ctx context.Context) error
	// Events returns the inbound event stream.
	Events() <-chan Event
	// Close releases the session. It is safe to call more than once.
	Close() error
}

// Connector opens upstream sessions.
type Connector interface {
	Open(ctx context.Context, cfg Config) (Session, error)
}
