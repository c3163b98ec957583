package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/room4-2/live-relay/messages"
	"github.com/room4-2/live-relay/metrics"
	"github.com/room4-2/live-relay/pcm"
	"github.com/room4-2/live-relay/upstream"
)

const (
	writeBufferSize    = 512
	inboundBufferSize  = 256
	upstreamBufferSize = 512
	writeTimeout       = 10 * time.Second
	maxMessageSize     = 512 * 1024 // 512KB max client frame
)

var (
	// ErrSlowClient means the client stopped reading and its outbound queue filled up.
	ErrSlowClient = errors.New("client write queue full")
	// ErrUpstreamBacklog means the upstream stopped accepting input fast enough.
	ErrUpstreamBacklog = errors.New("upstream send queue full")
)

// Options tunes a ClientSession
type Options struct {
	MaxBufferSize   int           // bytes held while CONNECTING
	KeepAlivePeriod time.Duration // ping interval, 0 disables keepalive
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
	OnStateChange   func(id string, state State) // called from the session's run loop
}

type commandKind int

const (
	cmdAudio commandKind = iota
	cmdTextTurn
	cmdTurnComplete
	cmdInterrupt
	cmdBatch // commands collected while replaying the connecting queue
)

func (k commandKind) String() string {
	switch k {
	case cmdAudio:
		return "send audio"
	case cmdTextTurn:
		return "send text turn"
	case cmdTurnComplete:
		return "signal turn complete"
	case cmdBatch:
		return "replay"
	default:
		return "signal interrupt"
	}
}

type upstreamCommand struct {
	kind  commandKind
	audio []byte
	text  string
	batch []upstreamCommand
}

type dialResult struct {
	session upstream.Session
	err     error
}

// ClientSession bridges one client connection to one upstream session.
//
// A single run loop owns the lifecycle state and consumes client frames, upstream
// events, the handshake result and upstream send failures. Everything it sends goes
// through ordered queues drained by the write pump (client) and the send pump
// (upstream), so neither side waits on the other.
type ClientSession struct {
	ID        string
	CreatedAt time.Time

	conn      *websocket.Conn
	connector upstream.Connector
	config    upstream.Config
	opts      Options
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// owned by the run loop
	upstream upstream.Session
	pending  *PendingBuffer
	replay   []upstreamCommand // non-nil while the connecting queue is replayed
	overflow bool

	state        atomic.Int32
	lastActivity atomic.Int64

	errMu sync.Mutex
	err   error

	inbound    chan inbound
	writeChan  chan *messages.ServerMessage
	upstreamCh chan upstreamCommand
	dialResult chan dialResult
	sendErrs   chan error

	ctx        context.Context
	cancel     context.CancelFunc
	startOnce  sync.Once
	done       chan struct{}
	writerDone chan struct{}
}

// NewClientSession creates a session for an accepted client connection.
// Nothing happens until Start.
func NewClientSession(id string, conn *websocket.Conn, connector upstream.Connector, cfg upstream.Config, opts Options) *ClientSession {
	ctx, cancel := context.WithCancel(context.Background())

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	shortID := id
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}

	cs := &ClientSession{
		ID:         id,
		CreatedAt:  time.Now(),
		conn:       conn,
		connector:  connector,
		config:     cfg,
		opts:       opts,
		logger:     logger.With(slog.String("session", shortID)),
		metrics:    opts.Metrics,
		pending:    NewPendingBuffer(opts.MaxBufferSize),
		inbound:    make(chan inbound, inboundBufferSize),
		writeChan:  make(chan *messages.ServerMessage, writeBufferSize),
		upstreamCh: make(chan upstreamCommand, upstreamBufferSize),
		dialResult: make(chan dialResult),
		sendErrs:   make(chan error, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	cs.state.Store(int32(StateConnecting))
	cs.touch()

	return cs
}

// Start opens the upstream session and begins relaying in both directions
func (cs *ClientSession) Start() {
	cs.startOnce.Do(func() {
		cs.conn.SetReadLimit(maxMessageSize)

		go cs.writePump()
		go cs.readPump()
		go cs.dial()
		go cs.run()
	})
}

// Close asks the session to shut down. The client is told the session closed.
func (cs *ClientSession) Close() error {
	cs.cancel()
	return nil
}

// Done is closed once the session has released both connections
func (cs *ClientSession) Done() <-chan struct{} {
	return cs.done
}

// State returns the current lifecycle state
func (cs *ClientSession) State() State {
	return State(cs.state.Load())
}

// LastActivity returns the time of the last client frame or upstream event
func (cs *ClientSession) LastActivity() time.Time {
	return time.Unix(0, cs.lastActivity.Load())
}

// Err returns the error that ended the session, if any
func (cs *ClientSession) Err() error {
	cs.errMu.Lock()
	defer cs.errMu.Unlock()
	return cs.err
}

func (cs *ClientSession) setErr(err error) {
	cs.errMu.Lock()
	defer cs.errMu.Unlock()
	if cs.err == nil {
		cs.err = err
	}
}

func (cs *ClientSession) touch() {
	cs.lastActivity.Store(time.Now().UnixNano())
}

func (cs *ClientSession) setState(s State) {
	prev := State(cs.state.Swap(int32(s)))
	if prev == s {
		return
	}
	cs.logger.Debug("state change", slog.String("from", prev.String()), slog.String("to", s.String()))
	cs.metrics.Transition(s.String())
	if cs.opts.OnStateChange != nil {
		cs.opts.OnStateChange(cs.ID, s)
	}
}

// dial performs the upstream handshake off the run loop
func (cs *ClientSession) dial() {
	started := time.Now()
	sess, err := cs.connector.Open(cs.ctx, cs.config)
	cs.metrics.Handshake(time.Since(started).Seconds())

	select {
	case cs.dialResult <- dialResult{session: sess, err: err}:
	case <-cs.ctx.Done():
		if sess != nil {
			_ = sess.Close()
		}
	}
}

func (cs *ClientSession) run() {
	defer cs.finish()

	var events <-chan upstream.Event

	for !cs.State().terminal() {
		select {
		case <-cs.ctx.Done():
			cs.logger.Info("🛑 Closing session")
			cs.shutdown()

		case res := <-cs.dialResult:
			cs.onHandshake(res)
			if cs.upstream != nil {
				events = cs.upstream.Events()
			}

		case item, ok := <-cs.inbound:
			if !ok {
				cs.clientGone()
				continue
			}
			cs.handleInbound(item)

		case ev, ok := <-events:
			if !ok {
				cs.shutdown()
				continue
			}
			cs.handleEvent(ev)

		case err := <-cs.sendErrs:
			cs.metrics.UpstreamError("send")
			cs.fail(err)
		}

		if cs.overflow && !cs.State().terminal() {
			cs.logger.Warn("⚠️ Client is not reading, dropping session")
			cs.setErr(ErrSlowClient)
			cs.clientGone()
		}
	}
}

func (cs *ClientSession) onHandshake(res dialResult) {
	if res.err != nil {
		cs.metrics.UpstreamError("handshake")
		cs.fail(fmt.Errorf("upstream handshake failed: %w", res.err))
		return
	}
	if cs.ctx.Err() != nil {
		_ = res.session.Close()
		return
	}

	cs.upstream = res.session
	go cs.sendPump(res.session)

	cs.setState(StateOpen)
	cs.queueMessage(messages.NewSessionOpenMessage())
	cs.logger.Info("🔗 Upstream session open")

	// Replay what the client sent during the handshake, in arrival order
	if cs.pending.Len() > 0 {
		cs.logger.Debug("replaying frames received while connecting",
			slog.Int("frames", cs.pending.Len()), slog.Int("bytes", cs.pending.Size()))
	}
	// The whole replay goes to the send pump as one command, so the upstream
	// queue holds everything the connecting queue admitted.
	cs.replay = make([]upstreamCommand, 0, cs.pending.Len())
	for _, item := range cs.pending.Flush() {
		cs.handleInbound(item)
	}
	batch := cs.replay
	cs.replay = nil
	if len(batch) > 0 {
		cs.enqueueUpstream(upstreamCommand{kind: cmdBatch, batch: batch})
	}
}

func (cs *ClientSession) handleInbound(item inbound) {
	state := cs.State()

	if state == StateConnecting {
		if err := cs.pending.Append(item); err != nil {
			cs.logger.Warn("⚠️ Dropping frame received before session open",
				slog.Any("error", err), slog.Int("max_bytes", cs.pending.MaxSize()))
			cs.metrics.Dropped("buffer_full")
		}
		return
	}

	if item.control == nil {
		next, ok := nextOnAudio(state)
		if !ok {
			return
		}
		cs.setState(next)
		cs.enqueueUpstream(upstreamCommand{kind: cmdAudio, audio: item.audio})
		return
	}

	cs.handleControl(state, *item.control)
}

func (cs *ClientSession) handleControl(state State, ctrl messages.Control) {
	next, ok := nextOnControl(state, ctrl.Kind)
	if !ok {
		cs.logger.Debug("ignoring control message",
			slog.String("control", ctrl.Kind.String()), slog.String("state", state.String()))
		if ctrl.Kind == messages.ControlTextTurn && state == StateStreaming {
			cs.logger.Warn("⚠️ Text turn ignored while an audio turn is in progress")
		}
		return
	}

	switch ctrl.Kind {
	case messages.ControlEndTurn:
		cs.logger.Info("📤 User turn complete")
		cs.setState(next)
		cs.enqueueUpstream(upstreamCommand{kind: cmdTurnComplete})
	case messages.ControlTextTurn:
		// A text turn is complete on arrival
		cs.logger.Info("💬 Text turn", slog.Int("chars", len(ctrl.Text)))
		cs.setState(StateStreaming)
		cs.setState(next)
		cs.enqueueUpstream(upstreamCommand{kind: cmdTextTurn, text: ctrl.Text})
	case messages.ControlInterrupt:
		cs.logger.Info("⏹️ Interrupt requested")
		cs.enqueueUpstream(upstreamCommand{kind: cmdInterrupt})
	}
}

func (cs *ClientSession) handleEvent(ev upstream.Event) {
	cs.touch()

	var msg *messages.ServerMessage
	switch ev.Kind {
	case upstream.EventAudio:
		msg = messages.NewAudioMessage(pcm.OutputSampleRate, base64.StdEncoding.EncodeToString(ev.Audio))
	case upstream.EventInputTranscript:
		msg = messages.NewASRMessage(ev.Text)
	case upstream.EventOutputTranscript:
		msg = messages.NewTTSTextMessage(ev.Text)
	case upstream.EventTextPart:
		msg = messages.NewTextMessage(ev.Text)
	case upstream.EventInterrupted:
		cs.logger.Info("⏹️ Model interrupted")
		msg = messages.NewInterruptedMessage()
	case upstream.EventError:
		cs.metrics.UpstreamError("runtime")
		err := ev.Err
		if err == nil {
			err = errors.New(messages.DefaultErrorText)
		}
		cs.fail(err)
		return
	case upstream.EventClosed:
		cs.logger.Info("🔒 Upstream session closed")
		cs.shutdown()
		return
	default:
		return
	}

	cs.queueMessage(msg)
	cs.metrics.ServerEvent(msg.Type, len(ev.Audio))
}

// enqueueUpstream hands a command to the send pump without waiting for it
func (cs *ClientSession) enqueueUpstream(cmd upstreamCommand) {
	if cs.replay != nil {
		cs.replay = append(cs.replay, cmd)
		return
	}
	select {
	case cs.upstreamCh <- cmd:
	default:
		cs.metrics.UpstreamError("backlog")
		cs.fail(ErrUpstreamBacklog)
	}
}

// sendPump applies upstream commands in order. The first failure ends the pump
// and is reported to the run loop.
func (cs *ClientSession) sendPump(sess upstream.Session) {
	for {
		select {
		case <-cs.ctx.Done():
			return
		case cmd := <-cs.upstreamCh:
			if err := cs.apply(sess, cmd); err != nil {
				if cs.ctx.Err() != nil {
					return
				}
				select {
				case cs.sendErrs <- err:
				default:
				}
				return
			}
		}
	}
}

func (cs *ClientSession) apply(sess upstream.Session, cmd upstreamCommand) error {
	var err error
	switch cmd.kind {
	case cmdAudio:
		err = sess.SendAudio(cs.ctx, cmd.audio)
	case cmdTextTurn:
		err = sess.SendTextTurn(cs.ctx, cmd.text)
	case cmdTurnComplete:
		err = sess.SignalTurnComplete(cs.ctx)
	case cmdInterrupt:
		err = sess.SignalInterrupt(cs.ctx)
	case cmdBatch:
		for _, c := range cmd.batch {
			if err := cs.apply(sess, c); err != nil {
				return err
			}
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", cmd.kind, err)
	}
	return nil
}

// fail surfaces an unrecoverable upstream error and tears the session down
func (cs *ClientSession) fail(err error) {
	if cs.State().terminal() {
		return
	}
	cs.logger.Error("❌ Upstream error", slog.Any("error", err))
	cs.setErr(err)
	cs.setState(StateFailed)
	cs.queueMessage(messages.NewErrorMessage(err.Error()))
	cs.releaseUpstream()
	cs.setState(StateClosed)
}

// shutdown ends the session from our side or the upstream's and tells the client
func (cs *ClientSession) shutdown() {
	cs.setState(StateClosing)
	cs.queueMessage(messages.NewSessionClosedMessage())
	cs.releaseUpstream()
	cs.setState(StateClosed)
}

// clientGone ends the session after the client transport went away
func (cs *ClientSession) clientGone() {
	cs.logger.Info("🔌 Client disconnected")
	cs.setState(StateClosing)
	cs.releaseUpstream()
	cs.setState(StateClosed)
}

// releaseUpstream closes the upstream session; failures are logged and swallowed
func (cs *ClientSession) releaseUpstream() {
	cs.pending.Clear()
	if cs.upstream == nil {
		return
	}
	if err := cs.upstream.Close(); err != nil {
		cs.logger.Debug("upstream close failed", slog.Any("error", err))
	}
}

// finish stops the pumps and closes the client connection once queued
// messages have been written
func (cs *ClientSession) finish() {
	cs.cancel()
	close(cs.writeChan)
	<-cs.writerDone
	_ = cs.conn.Close()
	close(cs.done)
}

// queueMessage adds a message to the write queue (non-blocking). Only the run
// loop calls it, so queue order is relay order.
func (cs *ClientSession) queueMessage(msg *messages.ServerMessage) {
	select {
	case cs.writeChan <- msg:
	default:
		cs.overflow = true
	}
}

// writePump handles all outgoing frames in a single goroutine
func (cs *ClientSession) writePump() {
	defer close(cs.writerDone)

	var keepalive <-chan time.Time
	if cs.opts.KeepAlivePeriod > 0 {
		ticker := time.NewTicker(cs.opts.KeepAlivePeriod)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	for {
		select {
		case msg, ok := <-cs.writeChan:
			if !ok {
				// Session finished, say goodbye
				_ = cs.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeTimeout),
				)
				return
			}
			if err := cs.writeMessage(msg); err != nil {
				cs.logger.Debug("client write failed", slog.Any("error", err))
				_ = cs.conn.Close()
				// Keep draining so the run loop never blocks on a dead client
				for range cs.writeChan {
				}
				return
			}

		case <-keepalive:
			if err := cs.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				cs.logger.Debug("client ping failed", slog.Any("error", err))
				_ = cs.conn.Close()
				for range cs.writeChan {
				}
				return
			}
		}
	}
}

func (cs *ClientSession) writeMessage(msg *messages.ServerMessage) error {
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	if err := cs.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return cs.conn.WriteMessage(websocket.TextMessage, data)
}

// readPump decodes client frames and hands them to the run loop
func (cs *ClientSession) readPump() {
	defer close(cs.inbound)

	if period := cs.opts.KeepAlivePeriod; period > 0 {
		_ = cs.conn.SetReadDeadline(time.Now().Add(2 * period))
		cs.conn.SetPongHandler(func(string) error {
			return cs.conn.SetReadDeadline(time.Now().Add(2 * period))
		})
	}

	for {
		messageType, data, err := cs.conn.ReadMessage()
		if err != nil {
			if cs.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cs.logger.Debug("client read error", slog.Any("error", err))
			}
			return
		}

		cs.touch()
		if period := cs.opts.KeepAlivePeriod; period > 0 {
			_ = cs.conn.SetReadDeadline(time.Now().Add(2 * period))
		}

		var item inbound
		switch messageType {
		case websocket.BinaryMessage:
			// Binary frames carry raw PCM16 LE at the ingest rate
			if len(data) == 0 || len(data)%pcm.BytesPerSample != 0 {
				cs.logger.Warn("⚠️ Ignoring malformed audio frame", slog.Int("bytes", len(data)))
				cs.metrics.Malformed()
				continue
			}
			cs.logger.Debug("🎤 Audio from client", slog.Int("bytes", len(data)))
			cs.metrics.ClientFrame("audio", len(data))
			item = inbound{audio: data}

		case websocket.TextMessage:
			ctrl, err := messages.ParseControl(data)
			if err != nil {
				cs.logger.Warn("⚠️ Ignoring control message", slog.Any("error", err))
				cs.metrics.Malformed()
				continue
			}
			cs.metrics.ClientFrame(ctrl.Kind.String(), 0)
			item = inbound{control: &ctrl}

		default:
			continue
		}

		select {
		case cs.inbound <- item:
		case <-cs.ctx.Done():
			return
		}
	}
}
