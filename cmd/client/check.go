package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/swissdisk/swissdisk/internal/client"
	"github.com/swissdisk/swissdisk/internal/client/connvalidator"
)

func init() {
	rootCmd.AddCommand(newCheckCmd())
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check that the server is reachable and the credentials work",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			c, err := client.New(cfg, client.WithPasswordPrompt(terminalPasswordPrompt))
			if err != nil {
				return err
			}

			res := c.CheckConnection(cmd.Context())
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s %s\n", gray.Render("Server "), cfg.ServerURL)
			if res.Server != nil {
				fmt.Fprintf(w, "%s %s\n", gray.Render("Version"), res.Server.VersionString)
			}
			fmt.Fprintf(w, "%s %s\n", gray.Render("User   "), cfg.User)
			for _, msg := range res.Errors {
				fmt.Fprintf(w, "  %s\n", red.Render(msg))
			}

			if res.Status != connvalidator.Connected {
				return fmt.Errorf("connection check: %s", res.Status)
			}
			fmt.Fprintln(w, green.Render(res.Status.String()))
			return nil
		},
	}
}
