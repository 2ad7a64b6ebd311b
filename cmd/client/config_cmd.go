package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the client configuration",
	}
	configCmd.AddCommand(newConfigPathCmd())
	configCmd.AddCommand(newConfigShowCmd())
	rootCmd.AddCommand(configCmd)
}

func newConfigPathCmd() *cobra.Command {
	var withSource bool

	cmd := &cobra.Command{
		Use:   "path",
		Short: "Print the resolved config file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			loc := locateConfig(cmd)
			w := cmd.OutOrStdout()
			if withSource {
				_, err := fmt.Fprintf(w, "%s %s\n", loc.Path, gray.Render("("+string(loc.Source)+")"))
				return err
			}
			_, err := fmt.Fprintln(w, loc.Path)
			return err
		},
	}
	cmd.Flags().BoolVar(&withSource, "source", false, "also print where the path came from")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration, secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			printConfig(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}
