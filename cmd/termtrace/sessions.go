package main

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/user/termtrace/internal/db"
)

var (
	flagLimit int
	flagMode  string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded and received sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagMode != "" && flagMode != db.ModeSave && flagMode != db.ModeReceive {
			return fmt.Errorf("invalid mode %q (supported: save, receive)", flagMode)
		}
		database, err := openCatalog(cmd.Context())
		if err != nil {
			return err
		}
		if database == nil {
			return errors.New("session catalog is disabled")
		}
		defer database.Close()

		list, err := database.Sessions().List(cmd.Context(), db.SessionFilter{Mode: flagMode, Limit: flagLimit})
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 0, 3, ' ', 0)
		fmt.Fprintf(tw, "ID\tMODE\tSTARTED\tDURATION\tEND\tUSER\tHOST\tTARGET\n")
		for _, s := range list {
			end := s.EndReason
			if s.Running() {
				end = "running"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				shortID(s.ID), s.Mode, humanize.Time(s.StartedAt), s.Duration().Round(time.Second),
				end, humanize.Bytes(uint64(s.UserBytes+s.InjectedBytes)), humanize.Bytes(uint64(s.HostBytes)), target(s))
		}
		return tw.Flush()
	},
}

func init() {
	sessionsCmd.Flags().IntVarP(&flagLimit, "limit", "n", 20, "maximum number of sessions to show (0 for all)")
	sessionsCmd.Flags().StringVar(&flagMode, "mode", "", "only show sessions of this mode: save, receive")
	rootCmd.AddCommand(sessionsCmd)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func target(s *db.Session) string {
	switch {
	case s.Mode == db.ModeReceive && s.LogPath != "":
		return "udp/" + strconv.Itoa(s.Port) + " > " + s.LogPath
	case s.Mode == db.ModeReceive:
		return "udp/" + strconv.Itoa(s.Port)
	default:
		return s.LogPath
	}
}

