// Package cmd implements the fdm command line interface.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/adrij/fdm/internal/config"
	"github.com/adrij/fdm/internal/logger"
	"github.com/adrij/fdm/internal/manager"
	"github.com/adrij/fdm/internal/store"
	fdmhttp "github.com/adrij/fdm/pkg/http"
)

var (
	debug     bool
	saveDir   string
	segments  int
	checksum  string
	algorithm string
	limit     int
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "fdm",
	Short:   "fdm is a segmented download manager",
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Init(debug)
	},
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newScheduleCmd())
}

// buildManager wires the config, store, HTTP client and manager together.
// The returned cleanup shuts the manager down and closes the store.
func buildManager(opts ...manager.Option) (*manager.Manager, *config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.NewBoltStore(filepath.Join(cfg.DataDir, "fdm.db"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	client := fdmhttp.NewClient(fdmhttp.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		UserAgent:      cfg.UserAgent,
		MaxRedirects:   cfg.MaxRedirects,
	})

	// Caller options take precedence over the configured limit.
	if cfg.SpeedLimit > 0 {
		opts = append([]manager.Option{manager.WithRateLimit(int(cfg.SpeedLimit))}, opts...)
	}

	m := manager.New(cfg, st, client, opts...)
	if err := m.Init(); err != nil {
		st.Close()
		return nil, nil, nil, fmt.Errorf("failed to initialize manager: %w", err)
	}

	cleanup := func() {
		m.Shutdown()
		st.Close()
	}

	return m, cfg, cleanup, nil
}
