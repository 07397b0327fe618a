// Command lsmkv-server runs the storage engine behind the HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lsmkv/internal/config"
	httpapi "lsmkv/internal/http"
	"lsmkv/pkg/metrics"
	"lsmkv/pkg/store"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "lsmkv-server",
		Short:        "embedded LSM key-value store behind an HTTP API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to YAML config")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	initLogger(&cfg)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mets := metrics.New(registry)

	st, err := store.Open(cfg.StoreOptions(mets))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	mets.RegisterCacheStats(registry, st.CacheStats)

	server := httpapi.NewServer(st, httpapi.Options{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Addr, cfg.Server.Port),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		Registry:          registry,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		return server.Stop()
	})

	err = g.Wait()
	if cerr := st.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		slog.Error("server exited with error", "error", err)
		return err
	}
	slog.Info("server stopped")
	return nil
}

func initLogger(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
