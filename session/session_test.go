package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/live-relay/messages"
	"github.com/room4-2/live-relay/metrics"
	"github.com/room4-2/live-relay/upstream"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond

	testSessionID = "0f8fad5b-d9cb-469f-a165-70867728950e"
)

// fakeUpstream records every call the bridge makes and lets tests inject events.
type fakeUpstream struct {
	mu      sync.Mutex
	calls   []string
	audio   [][]byte
	closed  bool
	sendErr error
	delay   time.Duration // per SendAudio call, set before the bridge starts

	events chan upstream.Event
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{events: make(chan upstream.Event, 64)}
}

func (f *fakeUpstream) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.calls = append(f.calls, call)
	return nil
}

func (f *fakeUpstream) SendAudio(_ context.Context, chunk []byte) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err := f.record("audio"); err != nil {
		return err
	}
	f.mu.Lock()
	f.audio = append(f.audio, append([]byte(nil), chunk...))
	f.mu.Unlock()
	return nil
}

func (f *fakeUpstream) SendTextTurn(_ context.Context, text string) error {
	return f.record("text:" + text)
}

func (f *fakeUpstream) SignalTurnComplete(context.Context) error {
	return f.record("turn_complete")
}

func (f *fakeUpstream) SignalInterrupt(context.Context) error {
	return f.record("interrupt")
}

func (f *fakeUpstream) Events() <-chan upstream.Event {
	return f.events
}

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeUpstream) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeUpstream) Audio() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.audio...)
}

func (f *fakeUpstream) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeUpstream) failSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

type fakeConnector struct {
	session *fakeUpstream
	gate    chan struct{} // Open blocks until closed, if set
	err     error
}

func (c *fakeConnector) Open(ctx context.Context, _ upstream.Config) (upstream.Session, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.session, nil
}

type bridgeHarness struct {
	client  *websocket.Conn
	session *ClientSession
}

func newBridge(t *testing.T, connector upstream.Connector, opts Options) *bridgeHarness {
	t.Helper()

	if opts.MaxBufferSize == 0 {
		opts.MaxBufferSize = 1 << 20
	}

	sessions := make(chan *ClientSession, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs := NewClientSession(testSessionID, conn, connector, upstream.Config{}, opts)
		sessions <- cs
		cs.Start()
		<-cs.Done()
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	var cs *ClientSession
	select {
	case cs = <-sessions:
	case <-time.After(waitFor):
		t.Fatal("session was not created")
	}
	t.Cleanup(func() { _ = cs.Close() })

	return &bridgeHarness{client: client, session: cs}
}

func (h *bridgeHarness) next(t *testing.T) messages.ServerMessage {
	t.Helper()
	require.NoError(t, h.client.SetReadDeadline(time.Now().Add(waitFor)))
	_, data, err := h.client.ReadMessage()
	require.NoError(t, err)

	var msg messages.ServerMessage
	require.NoError(t, sonic.Unmarshal(data, &msg))
	return msg
}

func (h *bridgeHarness) expectClose(t *testing.T) {
	t.Helper()
	require.NoError(t, h.client.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err := h.client.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
}

func (h *bridgeHarness) sendAudio(t *testing.T, chunk []byte) {
	t.Helper()
	require.NoError(t, h.client.WriteMessage(websocket.BinaryMessage, chunk))
}

func (h *bridgeHarness) sendControl(t *testing.T, raw string) {
	t.Helper()
	require.NoError(t, h.client.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func chunkOf(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestBridge_AudioTurnRoundTrip(t *testing.T) {
	up := newFakeUpstream()
	h := newBridge(t, &fakeConnector{session: up}, Options{})

	assert.Equal(t, messages.TypeSessionOpen, h.next(t).Type)
	assert.Equal(t, StateOpen, h.session.State())

	for i := 0; i < 3; i++ {
		h.sendAudio(t, chunkOf(256, byte(i+1)))
	}
	h.sendControl(t, `{"type":"end"}`)

	require.Eventually(t, func() bool { return len(up.Calls()) == 4 }, waitFor, tick)
	assert.Equal(t, []string{"audio", "audio", "audio", "turn_complete"}, up.Calls())
	for i, chunk := range up.Audio() {
		assert.Equal(t, chunkOf(256, byte(i+1)), chunk, "chunk %d forwarded unchanged", i)
	}
	assert.Equal(t, StateIdle, h.session.State())

	reply := chunkOf(480, 7)
	up.events <- upstream.Event{Kind: upstream.EventAudio, Audio: reply}
	up.events <- upstream.Event{Kind: upstream.EventOutputTranscript, Text: "Hello from Rev"}

	audio := h.next(t)
	assert.Equal(t, messages.TypeAudioPCM, audio.Type)
	assert.Equal(t, 24000, audio.SampleRate)
	decoded, err := base64.StdEncoding.DecodeString(audio.Data)
	require.NoError(t, err)
	assert.Equal(t, reply, decoded)

	transcript := h.next(t)
	assert.Equal(t, messages.TypeTTSText, transcript.Type)
	assert.Equal(t, "Hello from Rev", transcript.Text)

	assert.Equal(t, StateIdle, h.session.State())
}

func TestBridge_InterruptIsForwardedWithoutStateChange(t *testing.T) {
	up := newFakeUpstream()
	h := newBridge(t, &fakeConnector{session: up}, Options{})
	h.next(t) // session_open

	h.sendAudio(t, chunkOf(64, 1))
	h.sendControl(t, `{"type":"interrupt"}`)

	require.Eventually(t, func() bool { return len(up.Calls()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"audio", "interrupt"}, up.Calls())
	assert.Equal(t, StateStreaming, h.session.State())

	up.events <- upstream.Event{Kind: upstream.EventAudio, Audio: chunkOf(32, 2)}
	up.events <- upstream.Event{Kind: upstream.EventInterrupted}
	up.events <- upstream.Event{Kind: upstream.EventInputTranscript, Text: "stop"}

	got := []string{h.next(t).Type, h.next(t).Type, h.next(t).Type}
	assert.Equal(t, []string{messages.TypeAudioPCM, messages.TypeInterrupted, messages.TypeASR}, got)
}

func TestBridge_EventOrderPreserved(t *testing.T) {
	up := newFakeUpstream()
	h := newBridge(t, &fakeConnector{session: up}, Options{})
	h.next(t)

	var want []string
	go func() {
		for i := 0; i < 200; i++ {
			switch i % 4 {
			case 0:
				up.events <- upstream.Event{Kind: upstream.EventAudio, Audio: []byte{byte(i), 0}}
			case 1:
				up.events <- upstream.Event{Kind: upstream.EventInputTranscript, Text: fmt.Sprint(i)}
			case 2:
				up.events <- upstream.Event{Kind: upstream.EventOutputTranscript, Text: fmt.Sprint(i)}
			default:
				up.events <- upstream.Event{Kind: upstream.EventTextPart, Text: fmt.Sprint(i)}
			}
		}
	}()
	for i := 0; i < 200; i++ {
		if i%4 == 0 {
			want = append(want, base64.StdEncoding.EncodeToString([]byte{byte(i), 0}))
		} else {
			want = append(want, fmt.Sprint(i))
		}
	}

	for i := 0; i < 200; i++ {
		msg := h.next(t)
		if msg.Type == messages.TypeAudioPCM {
			assert.Equal(t, want[i], msg.Data)
		} else {
			assert.Equal(t, want[i], msg.Text)
		}
	}
}

func TestBridge_FramesQueuedWhileConnecting(t *testing.T) {
	up := newFakeUpstream()
	gate := make(chan struct{})
	m := metrics.NewMetrics(prometheus.NewRegistry())
	h := newBridge(t, &fakeConnector{session: up, gate: gate}, Options{Metrics: m})

	h.sendAudio(t, chunkOf(128, 1))
	h.sendAudio(t, chunkOf(128, 2))
	h.sendControl(t, `{"type":"end"}`)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.ClientFrames.WithLabelValues("end_turn")) == 1
	}, waitFor, tick)
	assert.Equal(t, StateConnecting, h.session.State())
	assert.Empty(t, up.Calls())

	close(gate)

	assert.Equal(t, messages.TypeSessionOpen, h.next(t).Type)
	require.Eventually(t, func() bool { return len(up.Calls()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"audio", "audio", "turn_complete"}, up.Calls())
	assert.Equal(t, [][]byte{chunkOf(128, 1), chunkOf(128, 2)}, up.Audio())
	assert.Equal(t, StateIdle, h.session.State())
}

func TestBridge_ConnectingQueueOverflowDropsFrames(t *testing.T) {
	up := newFakeUpstream()
	gate := make(chan struct{})
	m := metrics.NewMetrics(prometheus.NewRegistry())
	h := newBridge(t, &fakeConnector{session: up, gate: gate}, Options{MaxBufferSize: 512, Metrics: m})

	for i := 0; i < 3; i++ {
		h.sendAudio(t, chunkOf(256, byte(i+1)))
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.DroppedFrames.WithLabelValues("buffer_full")) == 1
	}, waitFor, tick)
	close(gate)

	h.next(t)
	require.Eventually(t, func() bool { return len(up.Audio()) == 2 }, waitFor, tick)
	assert.Equal(t, [][]byte{chunkOf(256, 1), chunkOf(256, 2)}, up.Audio())
}

func TestBridge_LongConnectingQueueReplaysInOrder(t *testing.T) {
	const frames = 600

	up := newFakeUpstream()
	up.delay = time.Millisecond
	gate := make(chan struct{})
	m := metrics.NewMetrics(prometheus.NewRegistry())
	h := newBridge(t, &fakeConnector{session: up, gate: gate}, Options{Metrics: m})

	for i := 0; i < frames; i++ {
		h.sendAudio(t, chunkOf(256, byte(i)))
	}
	h.sendControl(t, `{"type":"end"}`)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.ClientFrames.WithLabelValues("end_turn")) == 1
	}, waitFor, tick)
	close(gate)

	assert.Equal(t, messages.TypeSessionOpen, h.next(t).Type)
	require.Eventually(t, func() bool { return len(up.Calls()) == frames+1 }, 5*time.Second, 10*time.Millisecond)

	audio := up.Audio()
	require.Len(t, audio, frames)
	for i, chunk := range audio {
		require.Equal(t, byte(i), chunk[0], "frame %d out of order", i)
	}
	assert.Equal(t, "turn_complete", up.Calls()[frames])
	assert.Equal(t, StateIdle, h.session.State())
	assert.NoError(t, h.session.Err())
	assert.Zero(t, testutil.ToFloat64(m.UpstreamErrors.WithLabelValues("backlog")))
}

func TestBridge_HandshakeFailure(t *testing.T) {
	h := newBridge(t, &fakeConnector{err: errors.New("invalid api key")}, Options{})

	msg := h.next(t)
	assert.Equal(t, messages.TypeError, msg.Type)
	assert.Contains(t, msg.Error, "invalid api key")
	h.expectClose(t)

	<-h.session.Done()
	assert.Equal(t, StateClosed, h.session.State())
	assert.ErrorContains(t, h.session.Err(), "handshake")
}

func TestBridge_UpstreamRuntimeError(t *testing.T) {
	up := newFakeUpstream()
	h := newBridge(t, &fakeConnector{session: up}, Options{})
	h.next(t)

	up.events <- upstream.Event{Kind: upstream.EventOutputTranscript, Text: "partial"}
	up.events <- upstream.Event{Kind: upstream.EventError, Err: errors.New("quota exceeded")}

	assert.Equal(t, messages.TypeTTSText, h.next(t).Type)
	msg := h.next(t)
	assert.Equal(t, messages.TypeError, msg.Type)
	assert.Equal(t, "quota exceeded", msg.Error)
	h.expectClose(t)

	<-h.session.Done()
	assert.True(t, up.IsClosed())
	assert.Equal(t, StateClosed, h.session.State())
}

func TestBridge_SendFailureEndsSession(t *testing.T) {
	up := newFakeUpstream()
	up.failSends(errors.New("socket reset"))
	h := newBridge(t, &fakeConnector{session: up}, Options{})
	h.next(t)

	h.sendAudio(t, chunkOf(64, 1))

	msg := h.next(t)
	assert.Equal(t, messages.TypeError, msg.Type)
	assert.Contains(t, msg.Error, "socket reset")
	<-h.session.Done()
	assert.True(t, up.IsClosed())
}

func TestBridge_UpstreamClosed(t *testing.T) {
	up := newFakeUpstream()
	h := newBridge(t, &fakeConnector{session: up}, Options{})
	h.next(t)

	up.events <- upstream.Event{Kind: upstream.EventClosed}

	assert.Equal(t, messages.TypeSessionClose, h.next(t).Type)
	h.expectClose(t)
	<-h.session.Done()
	assert.Equal(t, StateClosed, h.session.State())
	assert.NoError(t, h.session.Err())
}

func TestBridge_ClientDisconnectReleasesUpstream(t *testing.T) {
	up := newFakeUpstream()
	h := newBridge(t, &fakeConnector{session: up}, Options{})
	h.next(t)

	require.NoError(t, h.client.Close())

	select {
	case <-h.session.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not finish after client disconnect")
	}
	assert.True(t, up.IsClosed())
	assert.Equal(t, StateClosed, h.session.State())
}

func TestBridge_LocalCloseNotifiesClient(t *testing.T) {
	up := newFakeUpstream()
	h := newBridge(t, &fakeConnector{session: up}, Options{})
	h.next(t)

	require.NoError(t, h.session.Close())

	assert.Equal(t, messages.TypeSessionClose, h.next(t).Type)
	h.expectClose(t)
	assert.True(t, up.IsClosed())
}

func TestBridge_MalformedControlIgnored(t *testing.T) {
	up := newFakeUpstream()
	h := newBridge(t, &fakeConnector{session: up}, Options{})
	h.next(t)

	h.sendControl(t, `not json`)
	h.sendControl(t, `{"type":"bogus"}`)
	h.sendControl(t, `{"type":"text"}`)
	h.sendAudio(t, []byte{1, 2, 3}) // odd length
	h.sendAudio(t, chunkOf(64, 1))
	h.sendControl(t, `{"type":"end"}`)

	require.Eventually(t, func() bool { return len(up.Calls()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"audio", "turn_complete"}, up.Calls())
	assert.Equal(t, StateIdle, h.session.State())
}

func TestBridge_TextTurns(t *testing.T) {
	up := newFakeUpstream()
	var mu sync.Mutex
	var seen []State
	h := newBridge(t, &fakeConnector{session: up}, Options{
		OnStateChange: func(_ string, s State) {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		},
	})
	h.next(t)

	// end outside STREAMING is ignored
	h.sendControl(t, `{"type":"end"}`)
	h.sendControl(t, `{"type":"text","text":"What is the RV400 range?"}`)
	require.Eventually(t, func() bool { return len(up.Calls()) == 1 }, waitFor, tick)
	assert.Equal(t, StateIdle, h.session.State())

	// a text turn during an audio turn is ignored
	h.sendAudio(t, chunkOf(64, 1))
	h.sendControl(t, `{"type":"text","text":"ignored"}`)
	h.sendControl(t, `{"type":"end"}`)

	require.Eventually(t, func() bool { return len(up.Calls()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"text:What is the RV400 range?", "audio", "turn_complete"}, up.Calls())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen, StateStreaming, StateIdle, StateStreaming, StateIdle}, seen)
}
