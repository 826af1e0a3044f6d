package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/strombergh/concord/internal/auth"
	"github.com/strombergh/concord/internal/bus"
	"github.com/strombergh/concord/internal/config"
	"github.com/strombergh/concord/internal/directory"
	"github.com/strombergh/concord/internal/gateway"
	"github.com/strombergh/concord/internal/httpapi"
	"github.com/strombergh/concord/internal/metrics"
	"github.com/strombergh/concord/internal/relay"
	"github.com/strombergh/concord/internal/voice"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	// A relay engine failure leaves no media path at all, so it is fatal.
	engine, err := relay.NewEngine(cfg.ICEServers)
	if err != nil {
		log.Fatal().Err(err).Msg("relay engine init failed")
	}
	defer engine.Close()

	b := bus.New()
	m := metrics.New()
	verifier := auth.NewVerifier(cfg.Secret)
	dir := directory.NewStatic()
	seedDemoUsers(dir)

	orch := voice.NewOrchestrator(engine, b, dir, dir, m)
	gw := gateway.New(cfg, b, gateway.NewRegistry(b), verifier, dir, orch, m)

	r := httpapi.SetupRouter(ctx, cfg, gw, orch, m)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Concord server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

// seedDemoUsers fills the in-memory directory until a persistent user store
// is wired in.
func seedDemoUsers(dir *directory.Static) {
	dir.AddUser(directory.Profile{ID: "u-alice", Username: "alice"}, "g-general")
	dir.AddUser(directory.Profile{ID: "u-bob", Username: "bob"}, "g-general")
	dir.AddUser(directory.Profile{ID: "u-carol", Username: "carol"}, "g-general", "g-gaming")
}
