// Command voltaicd serves the discharge-prediction orchestrator: fan-out
// voting prediction, streaming training sessions, and long-lived
// automated-prediction runs, over the registry backend selected in config.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/nevindra/voltaic"
	"github.com/nevindra/voltaic/config"
	"github.com/nevindra/voltaic/internal/httpapi"
	"github.com/nevindra/voltaic/registry/pgstore"
	"github.com/nevindra/voltaic/registry/sqlitestore"
	"github.com/nevindra/voltaic/telemetry"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "voltaicd",
		Short: "Discharge-prediction orchestrator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a voltaic.toml config file (defaults to ./voltaic.toml, missing is fine)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("voltaicd: %v", err)
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg := config.Load(configPath)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[voltaicd] ")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	store, closeStore, err := openRegistryStore(ctx, cfg.Registry)
	if err != nil {
		return fmt.Errorf("open registry store: %w", err)
	}
	defer closeStore()

	registry := voltaic.NewRegistry(store)

	clientOpts := []voltaic.ClientOption{
		voltaic.WithModelTimeout(cfg.Timeouts.Model()),
		voltaic.WithTrainingTimeout(cfg.Timeouts.Training()),
		voltaic.WithLogger(logger),
	}

	var inst *telemetry.Instruments
	var telemetryShutdown func(context.Context) error
	if cfg.Telemetry.Enabled {
		var err error
		inst, telemetryShutdown, err = telemetry.Init(ctx, cfg.Telemetry.ServiceName)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		clientOpts = append(clientOpts, voltaic.WithAttemptHook(telemetry.AttemptHook(inst)))
	}

	var client voltaic.NodeClient = voltaic.NewHTTPNodeClient(clientOpts...)
	if inst != nil {
		client = telemetry.WrapNodeClient(client, inst)
	}

	orchestrator := voltaic.NewOrchestrator(registry, client, voltaic.WithOrchestratorLogger(logger))
	training := voltaic.NewTrainingSessionManager(registry, client, voltaic.WithTrainingLogger(logger))
	automated := voltaic.NewAutomatedPredictManager(orchestrator, cfg.Scratch.Root, voltaic.WithAutomatedPredictLogger(logger))
	summaries := voltaic.NewTrainingSummaryStore(100)
	health := voltaic.NewHealthProber(registry, client, voltaic.WithHealthLogger(logger))

	srv := httpapi.NewServer(registry, orchestrator, training, automated, summaries, health, httpapi.WithLogger(logger))

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Routes(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		log.Printf("listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	if telemetryShutdown != nil {
		if err := telemetryShutdown(shutCtx); err != nil {
			log.Printf("telemetry shutdown error: %v", err)
		}
	}
	log.Println("stopped")
	return nil
}

// openRegistryStore selects the Registry's durable backend by
// cfg.Backend ("memory", "sqlite", or "postgres"). The returned close func
// releases whatever connection the backend opened; it is a no-op for the
// in-memory backend.
func openRegistryStore(ctx context.Context, cfg config.RegistryConfig) (voltaic.Store, func(), error) {
	switch cfg.Backend {
	case "", "memory":
		return voltaic.NewMemStore(), func() {}, nil

	case "sqlite":
		store, err := sqlitestore.Open(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil

	case "postgres":
		if err := pgstore.Migrate(ctx, cfg.Postgres); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		pool, err := pgxpool.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("connect: %w", err)
		}
		return pgstore.New(pool), func() { pool.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown registry backend %q", cfg.Backend)
	}
}
