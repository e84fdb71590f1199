package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/strangerchat/chat-app/internal/bancache"
	"github.com/strangerchat/chat-app/internal/config"
	"github.com/strangerchat/chat-app/internal/engine"
	"github.com/strangerchat/chat-app/internal/gateway"
	"github.com/strangerchat/chat-app/internal/moderation"
	"github.com/strangerchat/chat-app/internal/protocol"
	"github.com/strangerchat/chat-app/internal/store"
	"github.com/strangerchat/chat-app/internal/ws"
)

func main() {
	cfg := config.Load()

	log.Printf("chat server starting")
	log.Printf("  listen_addr:   %s", cfg.ListenAddr)
	log.Printf("  postgres_dsn:  %s", cfg.PostgresDSN)
	log.Printf("  nats_url:      %s", cfg.NATSURL)
	log.Printf("  difficulty:    %d", cfg.PowDifficulty)
	log.Printf("  max_conns:     %d", cfg.MaxConnections)

	// --- Postgres ---
	st, err := store.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}

	bans := bancache.New(st, cfg.BanCacheCapacity, cfg.BanCacheTTL)

	// --- NATS ---
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("strangerchat-server"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	scorer := moderation.NewNATSScorer(nc, cfg.ScoreSubject, cfg.ScoreTimeout)

	// --- Moderation pipeline ---
	pipeline := moderation.NewPipeline(cfg.ModerationConfig(), st, bans, scorer)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	go pipeline.Batcher().Run(bgCtx)

	// --- Admission gateway ---
	gw := gateway.New(cfg.GatewayConfig(), st, bans, nil)

	// --- Engine and transport ---
	dispatcher := ws.NewMessageDispatcher()

	var server *ws.Server
	eng := engine.New(cfg.EngineConfig(), &senderProxy{&server}, pipeline)
	// The engine outlives the background context: its loop must still be
	// consuming when Shutdown tears down sessions, and ends via Stop.
	go eng.Run(context.Background())

	dispatcher.Register(protocol.TypeSolveChallenge, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.SolveChallengeMsg); ok {
			eng.HandleSolveChallenge(conn.ID, m.Candidate)
		}
	})
	dispatcher.Register(protocol.TypeFindMatch, func(conn *ws.Connection, msg interface{}) {
		eng.HandleFindMatch(conn.ID)
	})
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.SendMessageMsg); ok {
			eng.HandleSendMessage(conn.ID, m.Text, m.AckID)
		}
	})
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.TypingMsg); ok {
			eng.HandleTyping(conn.ID, m.IsTyping)
		}
	})
	dispatcher.Register(protocol.TypeReport, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.ReportMsg); ok {
			eng.HandleReport(conn.ID, m.Reason)
		}
	})
	dispatcher.Register(protocol.TypeLeaveChat, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.LeaveChatMsg); ok {
			eng.HandleLeaveChat(conn.ID, m.AckID)
		}
	})

	server = ws.NewServer(cfg.ServerConfig(), gw, dispatcher.Dispatch)
	dispatcher.SetServer(server)
	server.SetOnConnect(eng.HandleConnect)
	server.SetOnDisconnect(eng.HandleDisconnect)

	// --- Graceful shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Refuse new connections, warn the connected clients, then drain:
		// stop background loops, flush pending violations, tear down every
		// session, stop the transport, and close the store.
		server.StopAccepting()
		if data, err := protocol.NewServerMessage(protocol.TypeSoftError, protocol.SoftErrorMsg{
			Message: "server shutting down",
		}); err == nil {
			server.Broadcast(data)
		}
		bgCancel()
		pipeline.Batcher().Flush(ctx)
		eng.Shutdown()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("server shutdown error: %v", err)
		}
		nc.Close()
		if err := st.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// senderProxy defers the engine's view of the server until after NewServer
// runs; the engine and the server each need the other at construction time.
type senderProxy struct {
	server **ws.Server
}

func (p *senderProxy) Send(connID string, data []byte) error {
	return (*p.server).Send(connID, data)
}

func (p *senderProxy) Disconnect(connID string) {
	(*p.server).Disconnect(connID)
}
