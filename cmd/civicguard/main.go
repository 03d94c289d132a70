package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/civicgov/civicguard/internal/app"
	"github.com/civicgov/civicguard/internal/config"
	"github.com/civicgov/civicguard/internal/maintenance"
	"github.com/civicgov/civicguard/internal/server"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	policies, err := config.LoadPolicies(cfg.PolicyFile)
	if err != nil {
		return err
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, cfg, policies)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.New(ctx, cfg, server.Deps{
		Guard:  a.Guard,
		Keys:   a.Keys,
		PubSub: a.PubSub,
		Ready:  a.Ready,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return maintenance.NewScheduler(a.Guard, maintenance.Config{
			Interval:      cfg.Maintenance.Interval,
			DecayInterval: cfg.Maintenance.DecayInterval,
		}).Run(gctx)
	})
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		// Block until shutdown signal or a sibling failure.
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info().Msg("stopped")
	return nil
}

// setupLogging configures the global zerolog logger. "text" selects the
// console writer, anything else JSON.
func setupLogging(c config.LogConfig) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if c.Format == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}
