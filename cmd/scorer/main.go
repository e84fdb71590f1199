// The scorer sidecar answers toxicity scoring requests over NATS
// request/reply. It runs the in-process heuristics (keyword and leetspeak
// matching, phone numbers, character and word flooding) and replies with a
// score in [0,1]. The chat server treats it as an external service behind a
// circuit breaker, so it can be swapped for a real classifier without
// touching the server.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/strangerchat/chat-app/internal/moderation"
)

func main() {
	log.Println("scorer sidecar starting...")

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}
	subject := os.Getenv("SCORE_SUBJECT")
	if subject == "" {
		subject = moderation.SubjectScore
	}

	nc, err := nats.Connect(natsURL,
		nats.Name("strangerchat-scorer"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	scorer := moderation.NewHeuristicScorer(nil)

	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var req moderation.ScoreRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			log.Printf("[scorer] bad request: %v", err)
			return
		}

		score, err := scorer.Score(context.Background(), req.Text)
		if err != nil {
			log.Printf("[scorer] scoring failed: %v", err)
			return
		}

		resp, err := json.Marshal(moderation.ScoreResponse{Score: score})
		if err != nil {
			log.Printf("[scorer] marshal response: %v", err)
			return
		}
		if err := msg.Respond(resp); err != nil {
			log.Printf("[scorer] respond: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to %s: %v", subject, err)
	}

	log.Printf("scorer sidecar running")
	log.Printf("  nats_url: %s", natsURL)
	log.Printf("  subject:  %s", subject)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	_ = sub.Drain()
	nc.Close()
}
