package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/vectra/internal/config"
	"github.com/hupe1980/vectra/internal/engine"
	"github.com/hupe1980/vectra/internal/logging"
	"github.com/hupe1980/vectra/internal/metrics"
	"github.com/hupe1980/vectra/internal/server"
)

func serveCmd() *cobra.Command {
	var (
		cfgFile string
		host    string
		port    int
		dataDir string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Open the data directory and serve the HTTP/JSON API.

Settings are read from --config, or vectra.{toml,yaml,json} in ./config or the
working directory, and VECTRA_* environment variables. Flags override both.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.Storage.DataDir = dataDir
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file")
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "bind address")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "port")
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", config.DefaultDataDir, "data directory")
	return cmd
}

func serve(cfg *config.Config) error {
	logger, err := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	ecfg, err := cfg.Engine()
	if err != nil {
		return err
	}

	prom := metrics.NewPrometheusCollector()
	e, err := engine.Open(cfg.Storage.DataDir,
		engine.WithConfig(ecfg),
		engine.WithLogger(logger),
		engine.WithMetrics(prom),
	)
	if err != nil {
		return err
	}
	logger.Info("engine opened", "data_dir", cfg.Storage.DataDir, "tables", e.Catalog().Len())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(e, func(o *server.Options) {
		o.Addr = cfg.Addr()
		o.Logger = logger
		o.Metrics = prom.Handler()
		o.Version = version
	})
	serveErr := srv.ListenAndServe(ctx)

	if err := e.Close(); err != nil {
		logger.Error("engine close failed", "error", err)
		if serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}
