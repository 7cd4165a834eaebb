package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/termtrace/internal/inject"
)

var flagNewline bool

var injectCmd = &cobra.Command{
	Use:   "inject <host:port> [text...]",
	Short: "Type text into a receiving session",
	Long: `Send text to a session started with "termtrace receive". The text
arguments are joined with spaces and sent as one datagram. Without text,
standard input is sent in datagrams of at most 65507 bytes.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		addr := args[0]

		if len(args) > 1 {
			text := strings.Join(args[1:], " ")
			if flagNewline {
				text += "\r"
			}
			return inject.Send(ctx, addr, []byte(text))
		}

		in := bufio.NewReaderSize(cmd.InOrStdin(), inject.MaxDatagram)
		buf := make([]byte, inject.MaxDatagram)
		sent := 0
		for {
			n, err := in.Read(buf)
			if n > 0 {
				if err := inject.Send(ctx, addr, buf[:n]); err != nil {
					return err
				}
				sent++
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
		}
		if flagNewline {
			return inject.Send(ctx, addr, []byte("\r"))
		}
		if sent == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "termtrace: nothing to send")
		}
		return nil
	},
}

func init() {
	injectCmd.Flags().BoolVar(&flagNewline, "newline", false, "send a carriage return after the text")
	rootCmd.AddCommand(injectCmd)
}
