package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/user/termtrace/internal/config"
	"github.com/user/termtrace/internal/db"
)

var (
	// Global flags.
	flagConfig      string
	flagLogFile     string
	flagLogLevel    string
	flagCatalogPath string
	flagNoCatalog   bool

	cfg       *config.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "termtrace",
	Short: "Record and replay-ready capture of terminal sessions",
	Long: `termtrace runs a program on a pseudo-terminal and relays everything
between it and your terminal.

In save mode every byte in both directions, and every window resize, is
appended to a timestamped session log. In receive mode the session also
accepts UDP datagrams and types them into the program as if they came
from the keyboard.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("log-file") {
			loaded.LogFile = flagLogFile
		}
		if flags.Changed("log-level") {
			loaded.LogLevel = flagLogLevel
		}
		if flags.Changed("catalog-path") {
			loaded.CatalogPath = flagCatalogPath
		}
		if flagNoCatalog {
			loaded.Catalog = false
		}
		if err := loaded.Resolve(); err != nil {
			return err
		}
		cfg = loaded
		return setupLogging(cfg)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: $XDG_CONFIG_HOME/termtrace/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "diagnostic log file (default: $XDG_STATE_HOME/termtrace/termtrace.log)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "diagnostic log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagCatalogPath, "catalog-path", "", "session catalog database")
	rootCmd.PersistentFlags().BoolVar(&flagNoCatalog, "no-catalog", false, "do not record sessions in the catalog")
}

// setupLogging sends slog output to the configured file. The terminal is
// raw for the whole session, so diagnostics never go to stdout or stderr.
func setupLogging(c *config.Config) error {
	level, err := c.Level()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.LogFile), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(c.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	logCloser = f
	slog.SetDefault(slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})).With("pid", os.Getpid()))
	return nil
}

// openCatalog returns nil when the catalog is disabled.
func openCatalog(ctx context.Context) (*db.DB, error) {
	if !cfg.Catalog {
		return nil, nil
	}
	return db.Open(ctx, cfg.CatalogPath)
}
