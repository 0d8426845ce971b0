// Package commands implements the vtagger CLI.
package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/catherinevee/vtagger/internal/engine"
	"github.com/catherinevee/vtagger/internal/logger"
	"github.com/catherinevee/vtagger/internal/progress"
	"github.com/catherinevee/vtagger/internal/shared/config"
	"github.com/catherinevee/vtagger/internal/shared/metrics"
	"github.com/catherinevee/vtagger/internal/store"
	vtsync "github.com/catherinevee/vtagger/internal/sync"
	"github.com/catherinevee/vtagger/internal/umbrella"
)

// upstreamRequestsPerSecond throttles the data-plane calls.
const upstreamRequestsPerSecond = 5

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "vtagger",
		Short: "Virtual-tag resolution and synchronization engine",
		Long: `vtagger resolves user-defined virtual-tag dimensions against cloud
resource tags and synchronizes the results back to the cost platform.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the CLI.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is ~/.vtagger/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "",
		"override the configured log level (debug, info, warn, error)")
}

// app bundles the wired components one CLI invocation needs.
type app struct {
	manager     *config.Manager
	cfg         *config.Config
	store       *store.Store
	tracker     *progress.Tracker
	metrics     *metrics.Metrics
	client      *umbrella.Client
	coordinator *vtsync.Coordinator
}

// buildApp loads config, initializes logging, and wires the coordinator.
func buildApp(cmd *cobra.Command) (*app, error) {
	manager, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, err
	}
	cfg := manager.Get()

	level := cfg.Logging.Level
	if override, _ := cmd.Flags().GetString("log-level"); override != "" {
		level = override
	}
	logger.Initialize(logger.LogConfig{
		Level:      level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		TimeFormat: time.RFC3339,
	})

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		manager.Close()
		return nil, err
	}
	if err := st.PruneDailyStats(cfg.RetentionDays); err != nil {
		logger.Get().Warn("Failed to prune old daily stats", logger.Error(err))
	}

	client := umbrella.NewClient(umbrella.Config{
		BaseURL:           cfg.UmbrellaAPIBase,
		TokenBrokerURL:    cfg.TokenBrokerURL,
		Username:          cfg.Username,
		Password:          cfg.Password,
		RequestsPerSecond: upstreamRequestsPerSecond,
	})

	tracker := progress.NewTracker()
	m := metrics.New()
	coordinator := vtsync.NewCoordinator(client, st, engine.New(), tracker, m,
		cfg.OutputDir, cfg.BatchSize)
	if err := coordinator.ReloadDimensions(); err != nil {
		logger.Get().Warn("Failed to load dimension chain", logger.Error(err))
	}

	return &app{
		manager:     manager,
		cfg:         cfg,
		store:       st,
		tracker:     tracker,
		metrics:     m,
		client:      client,
		coordinator: coordinator,
	}, nil
}

func (a *app) Close() {
	a.tracker.Close()
	a.store.Close()
	a.manager.Close()
}
