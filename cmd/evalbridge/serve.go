package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/evalbridge/evalbridge/internal/config"
	"github.com/evalbridge/evalbridge/pkg/server"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		host       string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge server",
		Long: `Start the bridge server and wait for execution clients.

Clients connect to ws://<host>:<port>/ws. Prometheus metrics are served on
/metrics and a liveness probe on /healthz.

Examples:
  evalbridge serve
  evalbridge serve --port=9050
  evalbridge serve --host=0.0.0.0 --config=evalbridge.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, host, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.ConfigFileName, "Path to configuration file")
	cmd.Flags().StringVarP(&host, "host", "H", "", "Host to bind to (default from config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (default from config)")

	return cmd
}

func runServe(configPath, host string, port int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Command-line overrides.
	if host != "" {
		cfg.Host = host
	}
	if port > 0 {
		cfg.Port = port
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	srv := server.New(&server.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		EvalTimeout:     cfg.EvalTimeoutDuration(),
		WriteTimeout:    cfg.WriteTimeoutDuration(),
		ShutdownTimeout: cfg.ShutdownTimeoutDuration(),
		MaxMessageSize:  cfg.MaxMessageSize,
	}, server.WithLogger(logger))

	if err := srv.Start(); err != nil {
		return err
	}
	fmt.Printf("evalbridge listening on %s\n", srv.Addr())
	fmt.Println("Waiting for clients on /ws ...")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	return srv.Stop()
}
