package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/labcapture/internal/config"
	"github.com/audiolibrelab/labcapture/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP control server",
	Long: `Start the LabCapture HTTP server to observe sensors and control recording
remotely. Prometheus metrics are served on /metrics.

The configuration file is watched; changes to sensor options and triggers
are applied without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		if host == "" {
			host = cfg.Server.Host
		}
		if port == 0 {
			port = cfg.Server.Port
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := slog.Default()
		rt, err := newRuntime(cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to start controller: %w", err)
		}
		defer rt.close()

		srv, err := server.New(server.Options{
			Controller: rt.controller,
			Store:      rt.store,
			Catalog:    rt.catalog,
			Connection: rt.conn,
			Metrics:    rt.metrics,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}

		if err := config.Watch(cfgFile, profile, func(c *config.Config, err error) {
			if err != nil {
				logger.Warn("Configuration change rejected", "config", cfgFile, "error", err)
				return
			}
			rt.applyConfig(ctx, c)
		}); err != nil {
			logger.Warn("Configuration will not be reloaded", "error", err)
		}

		addr := net.JoinHostPort(host, strconv.Itoa(port))
		slog.Info("LabCapture server starting", "addr", addr, "config", cfgFile, "sensors", len(cfg.Sensors))
		return srv.ListenAndServe(ctx, addr)
	},
}

func init() {
	serveCmd.Flags().String("host", "", "listen host (overrides config)")
	serveCmd.Flags().Int("port", 0, "listen port (overrides config)")
}
