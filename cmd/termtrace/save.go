package main

import (
	"github.com/spf13/cobra"

	"github.com/user/termtrace/internal/session"
)

var saveFlags sessionFlags

var saveCmd = &cobra.Command{
	Use:   "save <logfile> [-- command [args...]]",
	Short: "Run a program and record the session to a log file",
	Long: `Run a program on a pseudo-terminal and record both directions of
traffic, plus window size changes, to <logfile>. The file is truncated.

The session ends when the program exits or the terminal closes.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := saveFlags.apply(cmd); err != nil {
			return err
		}
		argv, err := saveFlags.argv(args[1:])
		if err != nil {
			return err
		}
		return runSession(cmd, session.Options{
			Mode:    session.ModeSave,
			Argv:    argv,
			LogPath: args[0],
		})
	},
}

func init() {
	saveFlags.register(saveCmd)
	rootCmd.AddCommand(saveCmd)
}
