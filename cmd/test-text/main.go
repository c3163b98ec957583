package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/room4-2/live-relay/gemini"
	"github.com/room4-2/live-relay/upstream"
)

func main() {
	model := flag.String("model", "gemini-2.0-flash-live-001", "Live model")
	prompt := flag.String("prompt", "Hello! Say hi back in one sentence.", "Text turn to send")
	wait := flag.Duration("wait", 15*time.Second, "How long to wait for the reply")
	flag.Parse()

	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		log.Fatal("GEMINI_API_KEY not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()

	connector, err := gemini.NewConnector(ctx, apiKey, slog.Default())
	if err != nil {
		log.Fatalf("Failed to create connector: %v", err)
	}

	session, err := connector.Open(ctx, upstream.Config{
		Model:               *model,
		SystemInstruction:   "You are a helpful assistant. Keep responses brief.",
		ResponseModalities:  []string{"TEXT"},
		OutputTranscription: false,
	})
	if err != nil {
		log.Fatalf("Failed to open session: %v", err)
	}
	defer session.Close()

	if err := session.SendTextTurn(ctx, *prompt); err != nil {
		log.Fatalf("Failed to send text: %v", err)
	}

	log.Println("Waiting for response...")
	for {
		select {
		case ev, ok := <-session.Events():
			if !ok {
				log.Println("Done")
				return
			}
			switch ev.Kind {
			case upstream.EventTextPart, upstream.EventOutputTranscript:
				log.Printf("💬 Received text: %s", ev.Text)
			case upstream.EventAudio:
				log.Printf("🔊 Received audio: %d bytes", len(ev.Audio))
			case upstream.EventError:
				log.Fatalf("❌ Error: %v", ev.Err)
			case upstream.EventClosed:
				log.Println("Done")
				return
			}
		case <-ctx.Done():
			log.Println("Done")
			return
		}
	}
}
