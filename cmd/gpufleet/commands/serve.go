package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/gpufleet/gpufleet/internal/config"
	"github.com/gpufleet/gpufleet/internal/dispatcher"
	"github.com/gpufleet/gpufleet/internal/heartbeat"
	"github.com/gpufleet/gpufleet/internal/jobs"
	"github.com/gpufleet/gpufleet/internal/logging"
	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/probe"
	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/internal/provider/hetzner"
	"github.com/gpufleet/gpufleet/internal/provider/mock"
	"github.com/gpufleet/gpufleet/internal/routing"
	"github.com/gpufleet/gpufleet/internal/server"
	"github.com/gpufleet/gpufleet/internal/statemachine"
	"github.com/gpufleet/gpufleet/internal/store"
)

// Serve returns the command that runs the orchestrator: dispatcher,
// reconciliation jobs and the internal HTTP server, all in one process.
//
// Optional flags:
//
//	--config, -c: Path to configuration YAML file
//	--pretty:     Human-readable console logs
//
// Environment variables override individual config fields (GPUFLEET_*).
func Serve() *cobra.Command {
	var configPath string
	var pretty bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator control plane",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg.Timeouts = config.LoadTimeouts()
			log := logging.New(cfg.LogLevel, pretty)
			return runServe(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Human-readable console logs")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	pv, err := openProvider(cfg, log)
	if err != nil {
		return err
	}

	machine := statemachine.New(st, log)
	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	hb := heartbeat.NewService(st, machine, cfg.Timeouts.StartupRetryCap, log)
	sel := routing.NewSelector(st, cfg.Timeouts.RoutingStaleness)
	prober := probe.New(cfg.Timeouts.ProbeTimeout)

	deps := jobs.Deps{
		Store:    st,
		Machine:  machine,
		Provider: pv,
		Prober:   prober,
		Timeouts: cfg.Timeouts,
		Log:      log,
	}

	var disp *dispatcher.Dispatcher
	runners := []func() error{}

	if cfg.NATSURL != "" {
		bus, err := dispatcher.NewNATSBus(cfg.NATSURL, log)
		if err != nil {
			return fmt.Errorf("connect command bus: %w", err)
		}
		defer bus.Close()
		disp = dispatcher.New(st, machine, pv, bus, cfg.CommandSubject, cfg.Provider.BootImage, cfg.Timeouts, log)
		runners = append(runners, func() error { return disp.Run(ctx) })
	} else {
		// No bus: the requeue job still needs a provisioner for rows
		// created out of band.
		log.Warn().Msg("no nats url configured, dispatcher disabled")
		disp = dispatcher.New(st, machine, pv, dispatcher.NewLocalBus(), cfg.CommandSubject, cfg.Provider.BootImage, cfg.Timeouts, log)
	}

	runner := jobs.NewRunner(log, st,
		jobs.NewHealthCheck(deps),
		jobs.NewTerminator(deps),
		jobs.NewWatchDog(deps),
		jobs.NewRequeue(deps, disp),
		jobs.NewRecovery(deps),
	)
	runners = append(runners, func() error { runner.Run(ctx); return nil })

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(st, hb, sel, registry, log).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, len(runners)+1)
	for _, run := range runners {
		run := run
		go func() { errCh <- run() }()
	}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		stop()
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("no database url configured, using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return pg, pg.Close, nil
}

func openProvider(cfg *config.Config, log zerolog.Logger) (provider.Provider, error) {
	switch cfg.Provider.Name {
	case "", "mock":
		return mock.New(), nil
	case "hetzner":
		if cfg.Provider.Token == "" {
			return nil, fmt.Errorf("provider token is required for hetzner")
		}
		return hetzner.New(cfg.Provider.Token, log), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Name)
	}
}
