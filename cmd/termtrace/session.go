package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/termtrace/internal/pty"
	"github.com/user/termtrace/internal/session"
)

type sessionFlags struct {
	command    string
	term       string
	chunkSize  int
	auxFailure string
	noReset    bool
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.command, "command", "c", "", "command line to run (default: shell from config, then $SHELL)")
	cmd.Flags().StringVar(&f.term, "term", "", "TERM exported to the program")
	cmd.Flags().IntVar(&f.chunkSize, "chunk-size", 0, "read size per wakeup in bytes")
	cmd.Flags().StringVar(&f.auxFailure, "aux-failure", "", "resize/injector failure policy: disable, end")
	cmd.Flags().BoolVar(&f.noReset, "no-reset", false, "do not reset the screen around the session")
}

// apply overlays changed flags onto the loaded config.
func (f *sessionFlags) apply(cmd *cobra.Command) error {
	flags := cmd.Flags()
	if flags.Changed("command") {
		cfg.Shell = f.command
	}
	if flags.Changed("term") {
		cfg.Term = f.term
	}
	if flags.Changed("chunk-size") {
		cfg.ChunkSize = f.chunkSize
	}
	if flags.Changed("aux-failure") {
		cfg.AuxFailure = f.auxFailure
	}
	if f.noReset {
		cfg.ResetScreen = false
	}
	return cfg.Resolve()
}

// argv prefers an explicit command after "--" over the configured shell.
func (f *sessionFlags) argv(extra []string) ([]string, error) {
	if len(extra) > 0 {
		return extra, nil
	}
	return pty.ResolveCommand(cfg.Shell, os.Getenv)
}

// runSession sets up, runs and tears down one session. Setup errors are
// returned; once the session has started the command always succeeds.
func runSession(cmd *cobra.Command, opts session.Options) error {
	ctx := cmd.Context()

	catalog, err := openCatalog(ctx)
	if err != nil {
		slog.Warn("session catalog unavailable", "path", cfg.CatalogPath, "error", err)
	}
	if catalog != nil {
		defer catalog.Close()
		opts.Catalog = catalog.Sessions()
	}

	opts.Term = cfg.Term
	opts.ChunkSize = cfg.ChunkSize
	opts.AuxPolicy = cfg.AuxPolicy()
	opts.ResetScreen = cfg.ResetScreen
	opts.Stdin = os.Stdin
	opts.Stdout = os.Stdout
	opts.Stderr = os.Stderr
	opts.Logger = slog.Default()

	s, err := session.New(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to start %s session: %w", opts.Mode, err)
	}
	report := s.Run(ctx)

	printExitNotice(cmd, opts.Mode)
	if report.Result.Err != nil {
		fmt.Fprintf(os.Stderr, "termtrace: session ended: %s: %v\n", report.Result.Reason, report.Result.Err)
	}
	return nil
}

// printExitNotice tells the user the session is over once the terminal is
// back in its normal mode.
func printExitNotice(cmd *cobra.Command, mode session.Mode) {
	fmt.Fprintf(cmd.OutOrStdout(), "[termtrace %s is exiting.]\n", mode)
}
