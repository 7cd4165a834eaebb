package main

import (
	"github.com/spf13/cobra"

	"github.com/user/termtrace/configs"
)

var flagDefault bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if flagDefault {
			_, err := out.Write(configs.DefaultConfig)
			return err
		}
		if cfg.ConfigPath != "" {
			cmd.Printf("# loaded from %s\n", cfg.ConfigPath)
		}
		data, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	},
}

func init() {
	configCmd.Flags().BoolVar(&flagDefault, "default", false, "print the built-in default configuration file")
	rootCmd.AddCommand(configCmd)
}
