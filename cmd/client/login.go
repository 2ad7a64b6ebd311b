package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/swissdisk/swissdisk/internal/client"
	"github.com/swissdisk/swissdisk/internal/client/config"
	"github.com/swissdisk/swissdisk/internal/client/connvalidator"
	"github.com/swissdisk/swissdisk/internal/utils"
)

func init() {
	rootCmd.AddCommand(newLoginCmd())
}

func newLoginCmd() *cobra.Command {
	var quiet bool
	var force bool

	cmd := &cobra.Command{
		Use:     "login",
		Aliases: []string{"init"},
		Short:   "Set up the account and local directory to sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			w := cmd.OutOrStdout()

			configPath, err := utils.ResolvePath(resolveConfigPath(cmd))
			if err != nil {
				return err
			}

			if !force {
				if cfg, err := readValidConfig(configPath); err == nil {
					if !quiet {
						fmt.Fprintln(w, green.Render("**Already logged in**"))
						printConfig(w, cfg)
					}
					return nil
				}
			}

			cfg := config.Default()
			cfg.Path = configPath
			cfg.ServerURL, _ = cmd.Flags().GetString("server")
			cfg.User, _ = cmd.Flags().GetString("user")
			cfg.LocalDir, _ = cmd.Flags().GetString("localdir")
			cfg.RemoteFolder, _ = cmd.Flags().GetString("remote-folder")

			check := func(user, password string) error {
				cfg.User = user
				cfg.Password = password
				return checkCredentials(cmd.Context(), cfg)
			}

			if password := os.Getenv(envPrefix + "_PASSWORD"); password != "" && cfg.User != "" {
				// scripted login
				if err := check(cfg.User, password); err != nil {
					return err
				}
			} else {
				if !isatty.IsTerminal(os.Stdin.Fd()) {
					return errors.New("login needs a terminal, or --user with SWISSDISK_PASSWORD set")
				}
				if _, err := RunLoginTUI(LoginTUIOpts{
					User:               cfg.User,
					ServerURL:          cfg.ServerURL,
					LocalDir:           cfg.LocalDir,
					ConfigPath:         cfg.Path,
					CredentialsHandler: check,
				}); err != nil {
					return err
				}
			}

			if err := cfg.Save(); err != nil {
				return err
			}
			if err := utils.EnsureDir(cfg.LocalDir); err != nil {
				return err
			}

			if !quiet {
				fmt.Fprintln(w, green.Render("SwissDisk account set up"))
				printConfig(w, cfg)
			}
			return nil
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().BoolVarP(&force, "force", "f", false, "set up again even if a config exists")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "disable output")

	return cmd
}

// readValidConfig loads the config file at path. A config without a user is not set up.
func readValidConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadClientConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// checkCredentials validates cfg and runs the connection checks with its password.
func checkCredentials(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c, err := client.New(cfg)
	if err != nil {
		return err
	}
	res := c.CheckConnection(ctx)
	if res.Status == connvalidator.Connected {
		return nil
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("%s: %s", res.Status, strings.Join(res.Errors, "; "))
	}
	return errors.New(res.Status.String())
}
