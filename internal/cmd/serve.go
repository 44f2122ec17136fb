package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/depotwatch/internal/config"
	"github.com/3leaps/depotwatch/internal/observability"
	"github.com/3leaps/depotwatch/internal/server"
	"github.com/3leaps/depotwatch/internal/server/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept publish events over HTTP",
	Long: `Run the HTTP server. Publish events posted to /v1/changes are
dispatched immediately; depot jobs run in the background.

Routes:
  POST /v1/changes                 dispatch a publish event (YAML or JSON)
  GET  /v1/depots                  list depots
  GET  /v1/depots/{id}             one depot with its file count
  GET  /v1/depots/{id}/history     history (?path=&action=&change=&limit=)
  GET  /v1/depots/{id}/files       current files (?pattern=)
  GET  /v1/locks                   depots with a job in flight
  GET  /health, /health/live, /health/ready, /health/startup, /version

On SIGINT/SIGTERM the server stops accepting requests, then waits for
running jobs before exiting.`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides server.port)")

	overrideSources = append(overrideSources, func() map[string]any {
		srv := map[string]any{}
		if serveHost != "" {
			srv["host"] = serveHost
		}
		if servePort > 0 {
			srv["port"] = servePort
		}
		if len(srv) == 0 {
			return nil
		}
		return map[string]any{"server": srv}
	})
}

// storeHealthChecker pings the depot store.
type storeHealthChecker struct {
	check func(context.Context) error
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.check == nil {
		return errors.New("store not initialized")
	}
	return c.check(ctx)
}

// serverPoolHealthChecker fails when no content servers are configured.
type serverPoolHealthChecker struct {
	servers []string
}

func (c serverPoolHealthChecker) CheckHealth(context.Context) error {
	if len(c.servers) == 0 {
		return errors.New("no content servers configured")
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := config.GetConfig()
	logger := observability.CLILogger

	a, err := newApp(ctx, cfg, logger, appDeps{})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to initialize", err)
	}

	health := handlers.InitHealthManager(versionInfo.Version)
	health.SetStarted(false)
	health.RegisterChecker("store", storeHealthChecker{check: a.store.CheckHealth})
	health.RegisterChecker("servers", serverPoolHealthChecker{servers: cfg.Servers})

	// Jobs started over HTTP must outlive their request but stop with the
	// process.
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	api := handlers.NewDepotAPI(jobCtx, a.store, a.dispatcher, a.locks, logger.Named("api"))
	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithDepotAPI(api),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		health.SetStarted(true)
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	serveErr := g.Wait()

	// Shutdown may time out with handlers still running; stop dispatching
	// before waiting on the pipeline.
	api.Close()
	logger.Info("Waiting for in-flight jobs", zap.Int("locked_depots", a.locks.Len()))
	if err := a.Close(); err != nil {
		logger.Warn("Store close failed", zap.Error(err))
	}
	logger.Info("Server stopped", zap.Any("jobs", a.tally.snapshot()))

	if serveErr != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed on "+cfg.Server.Host+":"+strconv.Itoa(cfg.Server.Port), serveErr)
	}
	return nil
}
