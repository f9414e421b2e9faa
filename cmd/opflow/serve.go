package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/opflow/internal/bridge"
	"github.com/rendis/opflow/internal/catalog"
	"github.com/rendis/opflow/internal/config"
	"github.com/rendis/opflow/internal/httpapi"
	"github.com/rendis/opflow/internal/scheduler"
)

func newServeCommand(g *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the remote bridge and the maintenance sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, g, cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides listen_addr)")
	return cmd
}

func serve(ctx context.Context, g *globalFlags, cfg config.Config) error {
	logger := newLogger(cfg)
	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	sweeper, err := scheduler.NewScheduler(a.engine, cfg.SweepSchedule, cfg.RemoteStartTimeout.Std(), logger)
	if err != nil {
		return err
	}

	routes := newHandlerSwapper(a.httpHandler(cfg))
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           routes,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.ListenAddr), slog.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	grp.Go(func() error { return sweeper.Run(gctx) })
	if dir, ok := a.catalog.(*catalog.DirCatalog); ok {
		grp.Go(func() error {
			if err := dir.Watch(gctx); err != nil && gctx.Err() == nil {
				return fmt.Errorf("watch workflows: %w", err)
			}
			return nil
		})
	}
	grp.Go(func() error { return reloadOnHangup(gctx, g, a, routes) })

	err = grp.Wait()
	logger.Info("server stopped")
	return err
}

// httpHandler builds the routes for cfg's bridge limits.
func (a *app) httpHandler(cfg config.Config) http.Handler {
	deps := httpapi.Deps{
		Sessions:    a.engine,
		Events:      a.store,
		Hub:         a.hub,
		Logger:      a.logger,
		BridgeRate:  cfg.BridgeRate,
		BridgeBurst: cfg.BridgeBurst,
	}
	if l, ok := a.catalog.(catalog.Lister); ok {
		deps.Catalog = l
	}
	if a.tokens != nil {
		deps.Bridge = bridge.New(a.engine, a.tokens, a.logger)
	}
	return httpapi.NewServer(deps).Handler()
}

// reloadOnHangup re-reads settings on SIGHUP. Bridge limits apply at once;
// keys listed by config.Diff only take effect after a restart.
func reloadOnHangup(ctx context.Context, g *globalFlags, a *app, routes *handlerSwapper) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	current := a.cfg
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
		}
		next, err := loadConfig(g)
		if err != nil {
			a.logger.Error("reload failed", slog.String("error", err.Error()))
			continue
		}
		next.ListenAddr = current.ListenAddr
		if keys := config.Diff(current, next); len(keys) > 0 {
			a.logger.Warn("settings need a restart", slog.String("keys", strings.Join(keys, ",")))
		}
		routes.Swap(a.httpHandler(next))
		current = next
		a.logger.Info("settings reloaded")
	}
}
