package session

import "github.com/room4-2/live-relay/messages"

// State is the lifecycle state of a ClientSession
type State int32

const (
	StateConnecting State = iota // upstream handshake in flight
	StateOpen                    // upstream ready, no turn started yet
	StateStreaming               // user turn in progress
	StateIdle                    // turn submitted, awaiting or playing the reply
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateStreaming:
		return "STREAMING"
	case StateIdle:
		return "IDLE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// live reports whether the upstream session is usable.
func (s State) live() bool {
	return s == StateOpen || s == StateStreaming || s == StateIdle
}

func (s State) terminal() bool {
	return s == StateClosed || s == StateFailed
}

// nextOnAudio returns the state after an ingest chunk and whether it is forwarded.
func nextOnAudio(s State) (State, bool) {
	if !s.live() {
		return s, false
	}
	return StateStreaming, true
}

// nextOnControl returns the state after a control message and whether it is
// forwarded upstream. A text turn is complete on arrival, so it ends in IDLE.
func nextOnControl(s State, kind messages.ControlKind) (State, bool) {
	switch kind {
	case messages.ControlEndTurn:
		if s == StateStreaming {
			return StateIdle, true
		}
	case messages.ControlTextTurn:
		if s == StateOpen || s == StateIdle {
			return StateIdle, true
		}
	case messages.ControlInterrupt:
		if s.live() {
			return s, true
		}
	}
	return s, false
}
