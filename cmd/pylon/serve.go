package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/pylonhq/pylon/internal/api"
	"github.com/pylonhq/pylon/internal/auth"
	"github.com/pylonhq/pylon/internal/config"
	"github.com/pylonhq/pylon/internal/core"
	"github.com/pylonhq/pylon/internal/hub"
	"github.com/pylonhq/pylon/internal/logging"
	"github.com/pylonhq/pylon/internal/manifest"
	"github.com/pylonhq/pylon/internal/metrics"
	"github.com/pylonhq/pylon/internal/observability"
	"github.com/pylonhq/pylon/internal/ratelimit"
	"github.com/pylonhq/pylon/internal/store"
	"github.com/pylonhq/pylon/internal/supervisor"
)

func serveCmd() *cobra.Command {
	var (
		configFile string
		port       int
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				loaded, err := config.LoadFromFile(configFile)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			config.LoadFromEnv(cfg)
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logging.InitJSON()
			logging.SetLevelFromString(cfg.LogLevel)
			metrics.Init("pylon")

			ctx := context.Background()
			if cfg.Observability.OTLPEndpoint != "" {
				err := observability.Init(ctx, observability.Config{
					Enabled:     true,
					Exporter:    "otlp-http",
					Endpoint:    cfg.Observability.OTLPEndpoint,
					ServiceName: cfg.Observability.ServiceName,
					SampleRate:  1.0,
				})
				if err != nil {
					logging.Op().Warn("tracing disabled", "error", err)
				}
			}

			pg, err := store.NewPostgresStore(ctx, cfg.PostgresURL)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pg.Close()

			reg, err := manifest.Load(cfg.Modules.Root)
			if err != nil {
				return fmt.Errorf("load modules from %s: %w", cfg.Modules.Root, err)
			}
			counts, err := config.LoadModuleSettings(cfg.Modules.Root)
			if err != nil {
				return err
			}

			launcher := supervisor.NewExecLauncher(cfg.Modules.Runner)
			c := core.New(launcher, core.Options{
				InvokeTimeout: cfg.Modules.InvokeTimeout,
				UploadTimeout: cfg.Modules.UploadTimeout,
				DB:            pg,
			})
			if err := c.LoadModules(reg, counts); err != nil {
				return err
			}

			signer := auth.NewSigner(cfg.SecretKey)
			verifier := auth.NewVerifier(signer, pg, 0)

			h := hub.New(c, verifier, cfg.OriginWhitelist)
			c.SetClientGateway(h)

			var limiter *ratelimit.Limiter
			if cfg.Redis.Addr != "" {
				client := redis.NewClient(&redis.Options{
					Addr:     cfg.Redis.Addr,
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
				})
				backend := ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(client))
				limiter = ratelimit.New(backend, ratelimit.DefaultAuthConfig)
			} else {
				limiter = ratelimit.New(ratelimit.NewLocalTokenBucketBackend(), ratelimit.DefaultAuthConfig)
			}

			addr := fmt.Sprintf(":%d", cfg.Port)
			server := api.StartHTTPServer(addr, api.ServerConfig{
				Core:        c,
				Hub:         h,
				Store:       pg,
				Signer:      signer,
				Verifier:    verifier,
				AuthLimiter: limiter,
				OAuth:       cfg.OAuth,
				Origins:     cfg.OriginWhitelist,
				Version:     version,
			})
			logging.Op().Info("server started", "addr", addr, "modules", reg.Len())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutting down")
			h.Shutdown("server shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
			c.Shutdown()
			_ = observability.Shutdown(shutdownCtx)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Config file (YAML)")
	cmd.Flags().IntVar(&port, "port", 3000, "HTTP listen port")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}
