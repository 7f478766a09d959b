package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wifientist/rtools2-sub001/internal/api"
	"github.com/wifientist/rtools2-sub001/internal/config"
	"github.com/wifientist/rtools2-sub001/internal/engine"
	"github.com/wifientist/rtools2-sub001/internal/events"
	"github.com/wifientist/rtools2-sub001/internal/phase"
	"github.com/wifientist/rtools2-sub001/internal/phases"
	"github.com/wifientist/rtools2-sub001/internal/ruckus"
	"github.com/wifientist/rtools2-sub001/internal/state"
	"github.com/wifientist/rtools2-sub001/internal/workflow"
)

// newServeCmd creates the serve command for the API server.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long: `Start the provd API server.

The server exposes workflow planning, confirmation, status, SSE event
streams, and a websocket feed. In --dev mode it runs against an embedded
in-memory Redis and a fake upstream controller, so no external services
are needed.

Example:
  provd serve
  provd serve --addr :3000
  provd serve --dev`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger := newLogger()

			var client ruckus.Client
			if cfg.Dev {
				mr, err := miniredis.Run()
				if err != nil {
					return fmt.Errorf("start embedded redis: %w", err)
				}
				defer mr.Close()
				cfg.RedisURL = "redis://" + mr.Addr()
				fake := ruckus.NewFake()
				client = fake
				logger.Info("dev mode: embedded redis and fake controller", "redis", mr.Addr())
			} else {
				baseURL := controllerURL(cfg)
				if baseURL == "" {
					return fmt.Errorf("no controller URL configured (set controller_urls or PROVD_CONTROLLER_URL)")
				}
				client = ruckus.NewHTTPClient(baseURL, os.Getenv("PROVD_API_TOKEN"),
					ruckus.WithRetry(cfg.PhaseRetryAttempts, cfg.PhaseRetryBase),
					ruckus.WithConcurrencyLimit(cfg.TenantRateLimit),
					ruckus.WithLogger(logger))
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			store, err := state.Open(ctx, cfg.RedisURL,
				state.WithTTLs(cfg.JobTTL, cfg.JobLockTTL, cfg.UnitLockTTL),
				state.WithManagerLogger(logger))
			if err != nil {
				return err
			}
			defer store.Close()

			publisher := events.NewRedisPublisher(store, logger)
			defer publisher.Close()

			workflows := workflow.Default()
			executors := phase.DefaultRegistry()
			phases.RegisterAll(workflows, executors)

			eng := engine.New(store, client, publisher, workflows, executors, cfg, logger)

			// Pick up jobs orphaned by a previous process.
			if err := eng.Resume(ctx); err != nil {
				logger.Warn("resume running jobs", "error", err)
			}

			server := api.New(cfg, eng, store, publisher, workflows, logger)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				logger.Info("shutting down")
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutdownCancel()
				_ = server.Shutdown(shutdownCtx)
				cancel()
			}()

			return server.Start()
		},
	}

	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("redis-url", "redis://localhost:6379/0", "redis connection URL")
	cmd.Flags().Bool("dev", false, "dev mode: embedded redis and fake controller")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("redis_url", cmd.Flags().Lookup("redis-url"))
	_ = viper.BindPFlag("dev", cmd.Flags().Lookup("dev"))

	return cmd
}

// controllerURL resolves the upstream base URL: an explicit
// PROVD_CONTROLLER_URL wins, then the "default" region, then any region.
func controllerURL(cfg *config.Config) string {
	if url := os.Getenv("PROVD_CONTROLLER_URL"); url != "" {
		return url
	}
	if url, ok := cfg.ControllerURLs["default"]; ok {
		return url
	}
	for _, url := range cfg.ControllerURLs {
		return url
	}
	return ""
}
