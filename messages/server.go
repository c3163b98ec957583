package messages

import "github.com/bytedance/sonic"

// Server message types
const (
	TypeSessionOpen  = "session_open"
	TypeAudioPCM     = "audioPCM"
	TypeASR          = "asr"
	TypeTTSText      = "tts_text"
	TypeTextFinal    = "text"
	TypeInterrupted  = "interrupted"
	TypeError        = "error"
	TypeSessionClose = "session_close"
)

// ServerMessage represents a message sent to the client.
// Only the fields relevant to Type are populated.
type ServerMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Data       string `json:"data,omitempty"` // Base64-encoded PCM16 LE audio
	Text       string `json:"text,omitempty"`
	Error      string `json:"error,omitempty"`
}

type audioFrame struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sampleRate"`
	Data       string `json:"data"`
}

type textFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type signalFrame struct {
	Type string `json:"type"`
}

// Marshal encodes the message for a WebSocket text frame. Every type carries
// exactly its own fields, empty or not.
func (m *ServerMessage) Marshal() ([]byte, error) {
	switch m.Type {
	case TypeAudioPCM:
		return sonic.Marshal(audioFrame{Type: m.Type, SampleRate: m.SampleRate, Data: m.Data})
	case TypeASR, TypeTTSText, TypeTextFinal:
		return sonic.Marshal(textFrame{Type: m.Type, Text: m.Text})
	case TypeError:
		return sonic.Marshal(errorFrame{Type: m.Type, Error: m.Error})
	default:
		return sonic.Marshal(signalFrame{Type: m.Type})
	}
}

// NewSessionOpenMessage announces that the upstream session is ready
func NewSessionOpenMessage() *ServerMessage {
	return &ServerMessage{Type: TypeSessionOpen}
}

// NewAudioMessage creates an audio chunk message
func NewAudioMessage(sampleRate int, data string) *ServerMessage {
	return &ServerMessage{
		Type:       TypeAudioPCM,
		SampleRate: sampleRate,
		Data:       data,
	}
}

// NewASRMessage carries a transcript fragment of what the user said
func NewASRMessage(text string) *ServerMessage {
	return &ServerMessage{Type: TypeASR, Text: text}
}

// NewTTSTextMessage carries a transcript fragment of what the model is saying
func NewTTSTextMessage(text string) *ServerMessage {
	return &ServerMessage{Type: TypeTTSText, Text: text}
}

// NewTextMessage carries finalized model text
func NewTextMessage(text string) *ServerMessage {
	return &ServerMessage{Type: TypeTextFinal, Text: text}
}

// NewInterruptedMessage tells the client the model stopped speaking
func NewInterruptedMessage() *ServerMessage {
	return &ServerMessage{Type: TypeInterrupted}
}

// DefaultErrorText is sent when an error carries no description
const DefaultErrorText = "upstream error"

// NewErrorMessage creates an error message
func NewErrorMessage(message string) *ServerMessage {
	if message == "" {
		message = DefaultErrorText
	}
	return &ServerMessage{Type: TypeError, Error: message}
}

// NewSessionClosedMessage tells the client the upstream session ended
func NewSessionClosedMessage() *ServerMessage {
	return &ServerMessage{Type: TypeSessionClose}
}
