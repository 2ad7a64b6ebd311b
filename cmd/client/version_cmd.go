package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/swissdisk/swissdisk/internal/version"
)

func init() {
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print SwissDisk version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := version.Detailed()
			if short {
				v = version.Version
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.AppName, v)
			return err
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print only the version number")
	return cmd
}
