package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"clinicalai/internal/config"
	"clinicalai/internal/extract"
	server "clinicalai/internal/http"
	"clinicalai/internal/jobs"
	"clinicalai/internal/llm"
	"clinicalai/internal/migrate"
	"clinicalai/internal/prompt"
	"clinicalai/internal/store"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	var migrateFirst bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, logger, migrateFirst)
		},
	}
	cmd.Flags().BoolVar(&migrateFirst, "migrate", true, "apply audit migrations before serving (audit enabled only)")
	return cmd
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger, migrateFirst bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := llm.NewClient(cfg.LLM, cfg.Retry, logger)
	// The service starts even when the model is missing.
	client.LogProbe(ctx)

	deps := server.Dependencies{Prober: client}

	var recorders []extract.EventRecorder
	if cfg.Audit.Enabled {
		if migrateFirst {
			if err := migrate.Run(ctx, cfg.Database.DSN); err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
		}
		db, err := store.Open(ctx, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)

		st := store.New(db, logger)
		deps.Store = st
		recorders = append(recorders, st)

		go jobs.NewRunner(cfg.Audit, st, logger).Start(ctx)
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		deps.Redis = rdb
	}

	svc, err := newService(cfg, client, logger, recorders...)
	if err != nil {
		return err
	}
	deps.Service = svc

	srv, err := server.NewServer(cfg, deps, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func newService(cfg *config.Config, completer llm.Completer, logger zerolog.Logger, recorders ...extract.EventRecorder) (*extract.Service, error) {
	prompts, err := prompt.NewRegistry(cfg.LLM.Stop)
	if err != nil {
		return nil, err
	}
	return extract.NewService(prompts, completer, cfg.Extraction, logger, recorders...)
}

func probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check that the completion service is up and the model is installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			client := llm.NewClient(cfg.LLM, cfg.Retry, logger)
			res, err := client.Probe(cmd.Context())
			if err != nil {
				return fmt.Errorf("completion service unreachable at %s: %w", client.BaseURL(), err)
			}
			if !res.ModelLoaded {
				return fmt.Errorf("model %q not found; pull it with: ollama pull %s", cfg.LLM.Model, cfg.LLM.Model)
			}
			fmt.Printf("ok: %s serves %s\n", client.BaseURL(), cfg.LLM.Model)
			return nil
		},
	}
}
