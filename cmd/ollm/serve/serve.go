package serve

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"ollm/internal/backend"
	"ollm/internal/config"
	"ollm/internal/engine"
	"ollm/internal/gateway"
	"ollm/internal/trace"

	"github.com/spf13/cobra"
)

var (
	configPath string
	addr       string
	eager      bool
)

var Cmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat completions server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if addr != "" {
			cfg.Server.Addr = addr
		}
		if eager {
			cfg.Server.Eager = true
		}

		if cfg.Trace.Enabled {
			shutdown, err := trace.Init(ctx, trace.Config{
				Endpoint:    cfg.Trace.Endpoint,
				URLPath:     cfg.Trace.URLPath,
				APIKey:      cfg.Trace.APIKey,
				ServiceName: "ollm",
			})
			if err != nil {
				return fmt.Errorf("initializing tracing: %w", err)
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(sctx); err != nil {
					slog.Error("tracing shutdown failed", "error", err)
				}
			}()
			slog.Info("tracing enabled", "endpoint", cfg.Trace.Endpoint)
		}

		loader := engine.NewLoader(backend.Loader(cfg.Model))
		if cfg.Server.Eager {
			if _, err := loader.Get(ctx); err != nil {
				return err
			}
		}

		srv := gateway.NewServer(loader, cfg.Model.ID())
		slog.Info("starting server", "addr", cfg.Server.Addr, "backend", cfg.Model.Backend, "model", cfg.Model.ID())
		return srv.ListenAndServe(ctx, cfg.Server.Addr)
	},
}

func init() {
	Cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config.toml (default: user config dir)")
	Cmd.Flags().StringVarP(&addr, "addr", "a", "", "override listen address")
	Cmd.Flags().BoolVar(&eager, "eager", false, "load the backend before accepting requests")
}
