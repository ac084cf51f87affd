// Package main implements the hypha-core server: multi-tenant service
// registration, discovery, and readiness coordination over an in-memory
// or NATS-backed store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oeway/hypha-core/config"
	"github.com/oeway/hypha-core/eventbus"
	"github.com/oeway/hypha-core/metric"
	"github.com/oeway/hypha-core/natsclient"
	"github.com/oeway/hypha-core/store"
	"github.com/oeway/hypha-core/token"
	"github.com/oeway/hypha-core/types"
	"github.com/oeway/hypha-core/workspace"
)

const (
	version = "0.1.0"
	appName = "hypha-core"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			fmt.Fprintf(os.Stderr, "PANIC: %v\n%s\n", r, buf[:n])
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)
	logger.Info("starting hypha-core", "version", version, "nats", cfg.NATS.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := metric.New()
	bus := eventbus.NewLocalBus(logger)

	var st store.Store = store.NewMemoryStore()
	if cfg.NATS.Enabled {
		client := natsclient.New(cfg.NATS.URLs,
			natsclient.WithLogger(logger),
			natsclient.WithName(appName),
			natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
			natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()),
		)
		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Close(closeCtx); err != nil {
				logger.Warn("NATS drain failed", "error", err)
			}
		}()

		bucket, err := client.KeyValueBucket(ctx, cfg.NATS.Bucket)
		if err != nil {
			return err
		}
		st = store.NewNATSStore(bucket)
		eventbus.NewBridge(bus, client, cfg.NATS.EventPrefix, logger)
	}

	manager, err := workspace.New(workspace.Options{
		Store:       st,
		Bus:         bus,
		TokenSecret: []byte(cfg.Auth.TokenSecret),
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}

	// Bootstrap credential for the root client; all other tokens are
	// minted through the API.
	rootCtx := types.Context{Workspace: "default", ClientID: "root", UserID: "root"}
	rootToken, err := manager.GenerateToken(ctx, token.Options{ExpiresIn: cfg.Auth.TokenExpiry.Std()}, rootCtx)
	if err != nil {
		return fmt.Errorf("mint root token: %w", err)
	}
	logger.Info("root token minted")
	// The credential itself stays out of shippable log levels.
	logger.Debug("root bootstrap credential", "token", rootToken)

	group, ctx := errgroup.WithContext(ctx)

	mux := http.NewServeMux()
	newAPI(manager, logger).routes(mux)
	group.Go(func() error {
		return serveHTTP(ctx, cfg.Server.ListenAddr, mux, logger, "server")
	})

	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		group.Go(func() error {
			return serveHTTP(ctx, cfg.Metrics.ListenAddr, metricsMux, logger, "metrics")
		})
	}

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("shutdown complete")
		return nil
	}
	return err
}

// serveHTTP runs an HTTP server until ctx is cancelled, then shuts it
// down with a bounded grace period.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger, name string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "endpoint", name, "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("%s listener: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown: %w", name, err)
		}
		return ctx.Err()
	}
}
