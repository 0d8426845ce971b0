package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/catherinevee/vtagger/internal/api"
	"github.com/catherinevee/vtagger/internal/logger"
	"github.com/catherinevee/vtagger/internal/shared/config"
)

var (
	serveHost string
	servePort int

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control plane",
		RunE:  runServe,
	}
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "bind address (defaults to config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (defaults to config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	host := app.cfg.APIHost
	if serveHost != "" {
		host = serveHost
	}
	port := app.cfg.APIPort
	if servePort != 0 {
		port = servePort
	}

	server := api.NewServer(app.coordinator, app.store, app.tracker, app.metrics,
		api.Options{
			Host:        host,
			Port:        port,
			CORSOrigins: app.cfg.CORSOrigins,
		})

	// Hot-reload the log level when the config file changes.
	app.manager.OnReload(func(cfg *config.Config) {
		logger.SetLevel(cfg.Logging.Level)
	})
	if err := app.manager.Watch(); err != nil {
		logger.Get().Warn("Config watcher unavailable", logger.Error(err))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Get().Info("Shutting down", logger.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
