package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/user/termtrace/internal/parser"
	"github.com/user/termtrace/internal/record"
)

const previewLen = 48

var flagPlain bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <logfile>",
	Short: "Summarise a session log",
	Long: `Print one line per record of a session log: the time since the first
record, the origin and the payload size with a short preview.

With --plain, print only the program's output with escape sequences and
control characters removed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open session log: %w", err)
		}
		defer f.Close()

		out := bufio.NewWriter(cmd.OutOrStdout())
		defer out.Flush()

		if flagPlain {
			return printPlain(out, record.NewReader(f))
		}
		return printRecords(out, record.NewReader(f))
	},
}

func init() {
	inspectCmd.Flags().BoolVar(&flagPlain, "plain", false, "print program output as plain text")
	rootCmd.AddCommand(inspectCmd)
}

func printRecords(w io.Writer, r *record.Reader) error {
	var (
		first, last uint64
		stats       record.Stats
	)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("record %d: %w", stats.Records+1, err)
		}
		if stats.Records == 0 {
			first = rec.Timestamp
		}
		last = rec.Timestamp
		stats.Records++

		offset := float64(rec.Timestamp-first) / 1e6
		switch rec.Origin {
		case record.OriginResize:
			stats.Resizes++
			fmt.Fprintf(w, "%12.6f  %-4s  %dx%d\n", offset, rec.Origin, rec.Cols, rec.Rows)
		default:
			if rec.Origin == record.OriginUser {
				stats.UserBytes += int64(len(rec.Payload))
			} else {
				stats.HostBytes += int64(len(rec.Payload))
			}
			fmt.Fprintf(w, "%12.6f  %-4s  %6d  %s\n", offset, rec.Origin, len(rec.Payload), preview(rec.Payload))
		}
	}

	duration := time.Duration(last-first) * time.Microsecond
	fmt.Fprintf(w, "\n%s records over %s: user %s, host %s, %d resizes\n",
		humanize.Comma(stats.Records), duration.Round(time.Millisecond),
		humanize.Bytes(uint64(stats.UserBytes)), humanize.Bytes(uint64(stats.HostBytes)), stats.Resizes)
	return nil
}

func preview(p []byte) string {
	if len(p) <= previewLen {
		return strconv.Quote(string(p))
	}
	return strconv.Quote(string(p[:previewLen])) + "..."
}

func printPlain(w io.Writer, r *record.Reader) error {
	plain := parser.NewPlain(w)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if rec.Origin != record.OriginHost {
			continue
		}
		if _, err := plain.Write(rec.Payload); err != nil {
			return err
		}
	}
	return plain.Flush()
}
