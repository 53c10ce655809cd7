package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/mwmacmahon/llmtextadventure/internal/chat"
	"github.com/mwmacmahon/llmtextadventure/internal/config"
	"github.com/mwmacmahon/llmtextadventure/internal/history"
	"github.com/mwmacmahon/llmtextadventure/internal/llm"
	"github.com/mwmacmahon/llmtextadventure/internal/server"
	"github.com/mwmacmahon/llmtextadventure/internal/session"
	"github.com/mwmacmahon/llmtextadventure/internal/store"
	"github.com/mwmacmahon/llmtextadventure/internal/token"
	"github.com/mwmacmahon/llmtextadventure/internal/transform"
)

func main() {
	var (
		profilePath   = pflag.String("profile", "", "YAML session profile")
		sessionID     = pflag.String("session", "default", "session id for stored history")
		inputPath     = pflag.String("input", "", "JSON history file to start the session from")
		outputPath    = pflag.String("output", "", "JSON history file to write when the session ends")
		serve         = pflag.Bool("serve", false, "run the HTTP engine server instead of the console loop")
		addr          = pflag.String("addr", "", "listen address for --serve (default :$PORT)")
		streamTimeout = pflag.Duration("stream-timeout", 2*time.Minute, "max wait between reply fragments (0 disables)")
	)
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	profile, err := config.LoadSession(*profilePath)
	if err != nil {
		log.Fatalf("profile: %v", err)
	}

	counter := buildCounter(cfg)
	st := buildStore(cfg)
	defer st.Close()

	client := llm.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIEndpoint)
	model := session.CapabilityFunc(func(ctx context.Context, messages []llm.Message, params llm.Params) (session.Stream, error) {
		return client.StreamChat(ctx, messages, params)
	})

	if *serve {
		listen := *addr
		if listen == "" {
			listen = ":" + cfg.Port
		}
		runServer(server.New(profile, st, counter, model), listen)
		return
	}

	hist := history.New()
	switch {
	case *inputPath != "":
		turns, err := store.ReadSnapshotFile(*inputPath)
		if err != nil {
			log.Fatalf("loading %s: %v", *inputPath, err)
		}
		hist.Restore(turns)
	default:
		turns, err := st.LoadSnapshot(*sessionID)
		if err != nil {
			log.Fatalf("loading session %s: %v", *sessionID, err)
		}
		if turns != nil {
			hist.Restore(turns)
			log.Printf("llmchat: resumed session %s with %d turns", *sessionID, len(turns))
		}
	}

	driver := session.NewDriver(session.Options{
		SessionID:       *sessionID,
		ContextLimit:    profile.ContextLimit,
		MaxOutputTokens: profile.MaxOutputTokens,
		SystemPreamble:  profile.SystemPreamble,
		Params:          profile.Params(),
		FragmentTimeout: *streamTimeout,
		Store:           st,
	}, hist, counter, model)

	// Already validated with the profile.
	transformFn, _ := transform.Chain(profile.Transformations)

	// SIGTERM ends the session outright; Ctrl-C goes to the loop, which
	// cancels only the query in flight.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	loop := chat.NewLoop(driver, transformFn, os.Stdin, os.Stdout, profile.AIPrefix)
	if err := loop.Run(ctx, interrupts); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("chat: %v", err)
	}

	if *outputPath != "" {
		if err := store.WriteSnapshotFile(*outputPath, hist.Snapshot()); err != nil {
			log.Fatalf("writing %s: %v", *outputPath, err)
		}
		log.Printf("llmchat: history written to %s", *outputPath)
	}
	log.Println("llmchat: session ended")
}

// buildCounter wires the fallback policy: local tokenizer first, remote
// count endpoint second.
func buildCounter(cfg *config.Config) token.Counter {
	fallback := &token.Fallback{}

	local, err := token.NewTiktokenCounter()
	if err != nil {
		log.Printf("llmchat: local tokenizer unavailable: %v", err)
	} else {
		fallback.Local = local
	}
	if cfg.TokenCountURL != "" {
		fallback.Remote = token.NewRemoteCounter(cfg.TokenCountURL)
	}
	return fallback
}

func buildStore(cfg *config.Config) store.Store {
	var (
		st  store.Store
		err error
	)
	switch cfg.HistoryBackend {
	case "file":
		st, err = store.NewFileStore(filepath.Join(cfg.DataDir, "chat_histories"))
	default:
		st, err = store.NewBoltStore(filepath.Join(cfg.DataDir, "llmchat.db"))
	}
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	return st
}

func runServer(s *server.Server, addr string) {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Router(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("llmchat: engine server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("llmchat: shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
	log.Println("llmchat: stopped")
}
