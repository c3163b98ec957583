package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/room4-2/live-relay/pcm"
	"github.com/room4-2/live-relay/upstream"
)

const eventBufferSize = 64

// liveSession is the part of *genai.Session the proxy drives.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendClientContent(input genai.LiveSendClientContentParameters) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// Connector opens Gemini Live sessions using the official SDK
type Connector struct {
	client *genai.Client
	logger *slog.Logger
}

// NewConnector creates the GenAI client shared by all sessions
func NewConnector(ctx context.Context, apiKey string, logger *slog.Logger) (*Connector, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{client: client, logger: logger}, nil
}

// Open establishes a Live session and starts delivering its events
func (c *Connector) Open(ctx context.Context, cfg upstream.Config) (upstream.Session, error) {
	session, err := c.client.Live.Connect(ctx, cfg.Model, buildConnectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Live API: %w", err)
	}
	c.logger.Info("✅ Connected to Gemini Live", slog.String("model", cfg.Model))

	return newProxy(session, c.logger), nil
}

func buildConnectConfig(cfg upstream.Config) *genai.LiveConnectConfig {
	config := &genai.LiveConnectConfig{}
	for _, m := range cfg.ResponseModalities {
		config.ResponseModalities = append(config.ResponseModalities, genai.Modality(m))
	}
	if cfg.SystemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{
				{Text: cfg.SystemInstruction},
			},
		}
	}
	if cfg.InputTranscription {
		config.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		config.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.Voice != "" {
		config.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{
					VoiceName: cfg.Voice, // Puck, Charon, Kore, Fenrir, Aoede, Leda, Orus, Zephyr
				},
			},
		}
	}
	return config
}

// Proxy is one open Gemini Live session
type Proxy struct {
	session liveSession
	events  chan upstream.Event
	done    chan struct{}
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func newProxy(session liveSession, logger *slog.Logger) *Proxy {
	p := &Proxy{
		session: session,
		events:  make(chan upstream.Event, eventBufferSize),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go p.receive()
	return p
}

// Events returns the translated Gemini event stream
func (p *Proxy) Events() <-chan upstream.Event {
	return p.events
}

func (p *Proxy) receive() {
	defer close(p.events)

	for {
		// Receive blocks until a message arrives or error occurs
		resp, err := p.session.Receive()
		if err != nil {
			if p.isClosed() {
				return
			}
			if isNormalClose(err) {
				p.logger.Info("🔒 Gemini session closed")
				p.emit(upstream.Event{Kind: upstream.EventClosed})
				return
			}
			p.logger.Error("❌ Gemini receive error", slog.Any("error", err))
			p.emit(upstream.Event{Kind: upstream.EventError, Err: err})
			return
		}

		if resp.GoAway != nil {
			p.logger.Warn("Gemini sent go-away")
		}
		if resp.ServerContent != nil && resp.ServerContent.TurnComplete {
			p.logger.Debug("📥 Received from Gemini: turn complete")
		}

		for _, ev := range translate(resp) {
			if !p.emit(ev) {
				return
			}
		}
	}
}

func (p *Proxy) emit(ev upstream.Event) bool {
	select {
	case p.events <- ev:
		return true
	case <-p.done:
		return false
	}
}

// translate maps one server message to bridge events: audio, input transcript,
// output transcript, finalized text, interrupted.
func translate(resp *genai.LiveServerMessage) []upstream.Event {
	sc := resp.ServerContent
	if sc == nil {
		return nil
	}

	var events []upstream.Event
	var texts []string

	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil {
				continue
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 && isAudio(part.InlineData.MIMEType) {
				events = append(events, upstream.Event{Kind: upstream.EventAudio, Audio: part.InlineData.Data})
			}
			if part.Text != "" && !part.Thought {
				texts = append(texts, part.Text)
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, upstream.Event{Kind: upstream.EventInputTranscript, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, upstream.Event{Kind: upstream.EventOutputTranscript, Text: sc.OutputTranscription.Text})
	}
	if len(texts) > 0 {
		events = append(events, upstream.Event{Kind: upstream.EventTextPart, Text: strings.Join(texts, " ")})
	}
	if sc.Interrupted {
		events = append(events, upstream.Event{Kind: upstream.EventInterrupted})
	}

	return events
}

func isAudio(mimeType string) bool {
	return mimeType == "" || strings.HasPrefix(mimeType, "audio/")
}

func isNormalClose(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}

// SendAudio forwards an ingest chunk to Gemini
func (p *Proxy) SendAudio(ctx context.Context, chunk []byte) error {
	if err := p.ready(ctx); err != nil {
		return err
	}

	err := p.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{
			MIMEType: pcm.InputMIMEType,
			Data:     chunk,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}

	p.logger.Debug("📤 Sent audio to Gemini", slog.Int("bytes", len(chunk)))
	return nil
}

// SendTextTurn sends text as a complete user turn
func (p *Proxy) SendTextTurn(ctx context.Context, text string) error {
	if err := p.ready(ctx); err != nil {
		return err
	}

	turnComplete := true
	err := p.session.SendClientContent(genai.LiveSendClientContentParameters{
		Turns: []*genai.Content{
			{
				Role:  "user",
				Parts: []*genai.Part{{Text: text}},
			},
		},
		TurnComplete: &turnComplete,
	})
	if err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}

	p.logger.Debug("📤 Sent text turn to Gemini", slog.Int("chars", len(text)))
	return nil
}

// SignalTurnComplete tells Gemini the audio stream has ended so it responds
func (p *Proxy) SignalTurnComplete(ctx context.Context) error {
	if err := p.ready(ctx); err != nil {
		return err
	}

	err := p.session.SendRealtimeInput(genai.LiveRealtimeInput{
		AudioStreamEnd: true,
	})
	if err != nil {
		return fmt.Errorf("failed to send audio stream end: %w", err)
	}

	p.logger.Debug("📤 Sent audio stream end to Gemini")
	return nil
}

// SignalInterrupt stops the current generation. Any client content interrupts the
// model, so an empty, incomplete turn is enough.
func (p *Proxy) SignalInterrupt(ctx context.Context) error {
	if err := p.ready(ctx); err != nil {
		return err
	}

	turnComplete := false
	err := p.session.SendClientContent(genai.LiveSendClientContentParameters{
		TurnComplete: &turnComplete,
	})
	if err != nil {
		return fmt.Errorf("failed to send interrupt: %w", err)
	}

	p.logger.Debug("📤 Sent interrupt to Gemini")
	return nil
}

func (p *Proxy) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.isClosed() {
		return upstream.ErrClosed
	}
	return nil
}

func (p *Proxy) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Close terminates the Gemini connection
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	return p.session.Close()
}
