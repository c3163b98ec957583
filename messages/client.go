package messages

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Client message types
const (
	TypeEnd       = "end"
	TypeText      = "text"
	TypeInterrupt = "interrupt"
)

var (
	// ErrMalformed is returned for control frames that are not valid JSON objects
	// or that miss a required field.
	ErrMalformed = errors.New("malformed control message")
	// ErrUnknownType is returned for control frames with an unrecognized type.
	ErrUnknownType = errors.New("unknown control message type")
)

// ControlKind identifies a client control message.
type ControlKind int

const (
	ControlEndTurn ControlKind = iota + 1
	ControlTextTurn
	ControlInterrupt
)

func (k ControlKind) String() string {
	switch k {
	case ControlEndTurn:
		return "end_turn"
	case ControlTextTurn:
		return "text_turn"
	case ControlInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// ClientMessage is the JSON text frame sent by the client
type ClientMessage struct {
	Type string `json:"type"` // "end", "text", "interrupt"
	Text string `json:"text,omitempty"`
}

// Control is a decoded client control message. Text is set only for ControlTextTurn.
type Control struct {
	Kind ControlKind
	Text string
}

// ParseControl decodes a JSON text frame into a Control.
func ParseControl(data []byte) (Control, error) {
	var msg ClientMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return Control{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch msg.Type {
	case TypeEnd:
		return Control{Kind: ControlEndTurn}, nil
	case TypeInterrupt:
		return Control{Kind: ControlInterrupt}, nil
	case TypeText:
		if msg.Text == "" {
			return Control{}, fmt.Errorf("%w: text message without text", ErrMalformed)
		}
		return Control{Kind: ControlTextTurn, Text: msg.Text}, nil
	case "":
		return Control{}, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return Control{}, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
}
