package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/user/termtrace/internal/session"
)

var (
	receiveFlags sessionFlags
	flagRecord   string
	flagListenOn string
)

var receiveCmd = &cobra.Command{
	Use:   "receive [port] [-- command [args...]]",
	Short: "Run a program that also accepts input over UDP",
	Long: `Run a program on a pseudo-terminal and additionally type every UDP
datagram received on <port> into it, exactly as if it had been typed on
the keyboard. Port 0 or no port picks a free one; the bound port is
printed before the session starts.

Datagrams are not authenticated. Anyone who can reach the port can type
into the session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := receiveFlags.apply(cmd); err != nil {
			return err
		}
		if flagListenOn == "" {
			flagListenOn = cfg.ListenHost
		}

		// Everything after "--" is the command.
		positional, extra := args, []string(nil)
		if dash := cmd.ArgsLenAtDash(); dash >= 0 {
			positional, extra = args[:dash], args[dash:]
		}
		if len(positional) > 1 {
			return fmt.Errorf("unexpected arguments %q", positional[1:])
		}
		port := 0
		if len(positional) == 1 {
			p, err := strconv.Atoi(positional[0])
			if err != nil {
				return fmt.Errorf("invalid port %q: %w", positional[0], err)
			}
			port = p
		}

		argv, err := receiveFlags.argv(extra)
		if err != nil {
			return err
		}
		return runSession(cmd, session.Options{
			Mode:       session.ModeReceive,
			Argv:       argv,
			LogPath:    flagRecord,
			Port:       port,
			ListenHost: flagListenOn,
		})
	},
}

func init() {
	receiveFlags.register(receiveCmd)
	receiveCmd.Flags().StringVar(&flagRecord, "record", "", "also record the session to this log file")
	receiveCmd.Flags().StringVar(&flagListenOn, "host", "", "address to bind the UDP socket to (default: listen_host from config)")
	rootCmd.AddCommand(receiveCmd)
}
