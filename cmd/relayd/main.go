// relayd is DorkOS Relay's daemon: a single-process, subject-addressed
// message bus with a pluggable adapter runtime for AI coding agents.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dorkos/relay/internal/adaptermgr"
	"github.com/dorkos/relay/internal/adminapi"
	"github.com/dorkos/relay/internal/config"
	"github.com/dorkos/relay/internal/maildir"
	"github.com/dorkos/relay/internal/plugin"
	"github.com/dorkos/relay/internal/registry"
	"github.com/dorkos/relay/internal/relaycore"
	"github.com/dorkos/relay/internal/relaydb"
	"github.com/dorkos/relay/internal/telemetry"
	"github.com/dorkos/relay/pkg/relaymodels"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.Load()
	log.Info().Str("state_root", cfg.StateRoot).Msg("relay starting")

	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer shutdownTelemetry(ctx)

	if err := os.MkdirAll(cfg.StateRoot, 0o700); err != nil {
		log.Fatal().Err(err).Msg("failed to create state root")
	}

	store, err := maildir.Open(filepath.Join(cfg.StateRoot, "maildir"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open maildir store")
	}

	db, err := relaydb.Open(ctx, filepath.Join(cfg.StateRoot, "relay.db"), cfg.Index)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open index store")
	}
	defer db.Close(ctx)

	var core *relaycore.Core
	reg := registry.New(coreAsPublisher(&core), log.Logger)
	core = relaycore.New(store, db, reg, cfg.Core, log.Logger)
	defer core.Close()

	go reapMaildir(store, cfg.Maildir)

	factory := adaptermgr.NewFactory(db, store, plugin.NewLoader(), log.Logger)
	mgr := adaptermgr.New(filepath.Join(cfg.StateRoot, "adapters.json"), reg, core, factory, cfg.Core, log.Logger)
	if err := mgr.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start adapter manager")
	}

	replayed, err := core.ReplayPending(ctx)
	if err != nil {
		log.Error().Err(err).Msg("startup replay failed")
	} else if replayed > 0 {
		log.Info().Int("count", replayed).Msg("replayed pending envelopes from maildir")
	}

	router := adminapi.NewRouter(reg, core, mgr, log.Logger)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.AdminPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := mgr.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("adapter manager shutdown reported errors")
		}
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", cfg.AdminPort).Str("version", cfg.Version).Msg("relay is ready")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("admin server failed")
	}
}

// coreAsPublisher defers resolution of the Publisher the Registry hands
// to every adapter until after Core exists, since Core and Registry are
// mutually referential (Core dispatches through Registry, adapters
// publish through Core).
func coreAsPublisher(core **relaycore.Core) *corePublisher {
	return &corePublisher{core: core}
}

type corePublisher struct {
	core **relaycore.Core
}

func (p *corePublisher) Publish(ctx context.Context, env relaymodels.Envelope) error {
	return (*p.core).Publish(ctx, env)
}

func (p *corePublisher) PublishEphemeral(ctx context.Context, env relaymodels.Envelope) error {
	return (*p.core).PublishEphemeral(ctx, env)
}

func (p *corePublisher) SubscribeHandler(pattern string, fn relaymodels.HandlerFunc, serial bool) (func(), error) {
	return (*p.core).SubscribeHandler(pattern, fn, serial)
}

func (p *corePublisher) Metrics() relaymodels.Metrics {
	return (*p.core).Metrics()
}

func reapMaildir(store *maildir.Store, cfg config.MaildirConfig) {
	ticker := time.NewTicker(cfg.ReapInterval)
	defer ticker.Stop()
	for range ticker.C {
		if n, err := store.ReapStaleTmp(cfg.StaleTmpAge); err != nil {
			log.Warn().Err(err).Msg("maildir reap failed")
		} else if n > 0 {
			log.Info().Int("count", n).Msg("reaped stale maildir tmp entries")
		}
	}
}
