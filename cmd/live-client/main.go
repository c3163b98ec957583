package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/room4-2/live-relay/messages"
	"github.com/room4-2/live-relay/pcm"
)

// speaker is where drained playback samples go: sox, or a raw file
type speaker struct {
	cmd *exec.Cmd
	out io.WriteCloser
}

func newSoxSpeaker() (*speaker, error) {
	cmd := exec.Command("sox",
		"-t", "raw",
		"-r", fmt.Sprint(pcm.OutputSampleRate),
		"-b", "16",
		"-c", "1",
		"-e", "signed-integer",
		"-",
		"-d",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sox stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sox start (is sox installed?): %w", err)
	}
	return &speaker{cmd: cmd, out: stdin}, nil
}

func newFileSpeaker(path string) (*speaker, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &speaker{out: f}, nil
}

func (s *speaker) Close() {
	_ = s.out.Close()
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Wait()
	}
}

// playbackClock drains one render quantum per tick at the output rate, the way
// an audio device would pull from the buffer.
func playbackClock(ctx context.Context, player *pcm.Player, spk *speaker) {
	period := time.Second * pcm.QuantumSize / pcm.OutputSampleRate
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	quantum := make([]float32, pcm.QuantumSize)
	underruns := 0
	for {
		select {
		case <-ctx.Done():
			if underruns > 0 {
				log.Printf("🔇 %d quanta played as silence", underruns)
			}
			return
		case <-ticker.C:
			if player.DrainInto(quantum) < pcm.QuantumSize {
				underruns++
			}
			if _, err := spk.out.Write(pcm.EncodeBytes(quantum)); err != nil {
				log.Printf("Playback write error: %v", err)
				return
			}
		}
	}
}

const frameBufferSize = 256

type outFrame struct {
	kind int
	data []byte
}

// captureSink hands encoded chunks to the writer without waiting on it.
// Chunks that do not fit are counted in dropped.
func captureSink(frames chan<- outFrame, dropped *int) func(chunk []byte) {
	return func(chunk []byte) {
		select {
		case frames <- outFrame{kind: websocket.BinaryMessage, data: chunk}:
		default:
			*dropped++
		}
	}
}

// writeFrames is the only writer on conn
func writeFrames(conn *websocket.Conn, frames <-chan outFrame) {
	for f := range frames {
		if err := conn.WriteMessage(f.kind, f.data); err != nil {
			log.Printf("Send error: %v", err)
		}
	}
}

// loadAudioFile loads PCM or WAV file and returns raw PCM bytes
func loadAudioFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Check if it's a WAV file (starts with "RIFF")
	if len(data) > 44 && string(data[0:4]) == "RIFF" {
		log.Println("📁 Detected WAV file, skipping header")
		return data[44:], nil
	}

	log.Println("📁 Detected raw PCM file")
	return data, nil
}

func main() {
	serverURL := flag.String("server", "ws://localhost:8787/live", "Relay WebSocket URL")
	audioFile := flag.String("file", "", "16 kHz mono PCM16 (raw or WAV) to send as the user turn")
	text := flag.String("text", "", "Text turn to send after the audio turn")
	outFile := flag.String("out", "", "Write played audio to this raw file instead of sox")
	interruptAfter := flag.Duration("interrupt-after", 0, "Send an interrupt this long after the turn ends")
	wait := flag.Duration("wait", 30*time.Second, "How long to wait for the reply")
	flag.Parse()

	var (
		spk *speaker
		err error
	)
	if *outFile != "" {
		spk, err = newFileSpeaker(*outFile)
	} else {
		spk, err = newSoxSpeaker()
	}
	if err != nil {
		log.Fatalf("Failed to open audio output: %v", err)
	}
	defer spk.Close()

	log.Printf("🔌 Connecting to %s...", *serverURL)

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	log.Println("✅ Connected!")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	player := pcm.NewPlayer()
	var clockWG sync.WaitGroup
	clockWG.Add(1)
	go func() {
		defer clockWG.Done()
		playbackClock(ctx, player, spk)
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	opened := make(chan struct{})
	done := make(chan struct{})

	// Read events from the relay
	go func() {
		defer close(done)
		var openOnce sync.Once
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Println("Read error:", err)
				return
			}

			var msg messages.ServerMessage
			if err := sonic.Unmarshal(data, &msg); err != nil {
				log.Println("Parse error:", err)
				continue
			}

			switch msg.Type {
			case messages.TypeSessionOpen:
				log.Println("✅ Gemini Live session opened.")
				openOnce.Do(func() { close(opened) })
			case messages.TypeAudioPCM:
				audio, err := base64.StdEncoding.DecodeString(msg.Data)
				if err != nil {
					log.Println("Bad audio payload:", err)
					continue
				}
				player.EnqueueBytes(audio)
			case messages.TypeASR:
				fmt.Printf("🗣️ You: %s\n", msg.Text)
			case messages.TypeTTSText, messages.TypeTextFinal:
				fmt.Printf("🤖 Rev: %s\n", msg.Text)
			case messages.TypeInterrupted:
				log.Println("⏹️ Model interrupted.")
			case messages.TypeError:
				log.Printf("❌ Error: %s", msg.Error)
			case messages.TypeSessionClose:
				log.Println("🔒 Session closed.")
			}
		}
	}()

	// All writes go through one goroutine; the capture path only hands off chunks
	frames := make(chan outFrame, frameBufferSize)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writeFrames(conn, frames)
	}()

	send := func(v any) {
		data, err := sonic.Marshal(v)
		if err != nil {
			log.Fatalf("Encode error: %v", err)
		}
		frames <- outFrame{kind: websocket.TextMessage, data: data}
	}
	closeNormally := func() {
		frames <- outFrame{
			kind: websocket.CloseMessage,
			data: websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		}
	}

	// Frames sent before session_open are queued by the relay, but waiting keeps
	// the pacing honest.
	select {
	case <-opened:
	case <-done:
		log.Fatal("Connection closed before the session opened")
	case <-time.After(10 * time.Second):
		log.Println("⏰ No session_open yet, sending anyway")
	}

	if *audioFile != "" {
		audioData, err := loadAudioFile(*audioFile)
		if err != nil {
			log.Fatalf("Failed to load audio: %v", err)
		}
		log.Printf("📤 Streaming %s", *audioFile)

		dropped := 0
		encoder := pcm.NewEncoder(captureSink(frames, &dropped))

		// Feed capture quanta at real-time pace, like a microphone worklet
		samples := pcm.Decode(audioData)
		period := time.Second * pcm.QuantumSize / pcm.InputSampleRate
		ticker := time.NewTicker(period)
		for i := 0; i < len(samples); i += pcm.QuantumSize {
			end := min(i+pcm.QuantumSize, len(samples))
			encoder.Process(samples[i:end])
			<-ticker.C
		}
		ticker.Stop()
		if dropped > 0 {
			log.Printf("⚠️ %d capture chunks dropped, transport too slow", dropped)
		}

		send(messages.ClientMessage{Type: messages.TypeEnd})
		log.Println("✅ Audio sent, waiting for response...")
	}

	if *text != "" {
		send(messages.ClientMessage{Type: messages.TypeText, Text: *text})
		log.Printf("💬 Sent text: %s", *text)
	}

	var interruptTimer <-chan time.Time
	if *interruptAfter > 0 {
		interruptTimer = time.After(*interruptAfter)
	}

	timeout := time.After(*wait)
	for {
		select {
		case <-interruptTimer:
			send(messages.ClientMessage{Type: messages.TypeInterrupt})
			log.Println("⏹️ Interrupt requested.")
			interruptTimer = nil
			continue
		case <-done:
			log.Println("Connection closed")
		case <-interrupt:
			log.Println("\n👋 Interrupted, closing...")
			closeNormally()
		case <-timeout:
			log.Println("⏰ Done waiting")
			closeNormally()
		}
		break
	}

	close(frames)
	<-writerDone
	cancel()
	clockWG.Wait()
	if n := player.Queued(); n > 0 {
		log.Printf("%d samples left unplayed", n)
	}
}
