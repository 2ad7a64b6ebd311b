package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/swissdisk/swissdisk/internal/client/config"
	"github.com/swissdisk/swissdisk/internal/utils"
)

type configSource string

const (
	sourceFlag    configSource = "flag"
	sourceEnv     configSource = "env"
	sourceFound   configSource = "found"
	sourceDefault configSource = "default"
)

// configLocation is where the config file is read from and why.
type configLocation struct {
	Path   string
	Source configSource
}

// configCandidates are probed in order when neither --config nor
// SWISSDISK_CONFIG_PATH names a file. XDG_CONFIG_HOME wins over ~/.config.
func configCandidates() []string {
	xdg := os.Getenv("XDG_CONFIG_HOME")
	if xdg == "" {
		xdg = filepath.Join(home, ".config")
	}
	return []string{
		filepath.Join(home, ".swissdisk", "config.json"),
		filepath.Join(xdg, "swissdisk", "config.json"),
	}
}

func locateConfig(cmd *cobra.Command) configLocation {
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return configLocation{Path: f.Value.String(), Source: sourceFlag}
	}
	if p := os.Getenv(envPrefix + "_CONFIG_PATH"); p != "" {
		return configLocation{Path: p, Source: sourceEnv}
	}
	for _, p := range configCandidates() {
		if utils.FileExists(p) {
			return configLocation{Path: p, Source: sourceFound}
		}
	}
	return configLocation{Path: config.DefaultConfigPath, Source: sourceDefault}
}

func resolveConfigPath(cmd *cobra.Command) string {
	return locateConfig(cmd).Path
}
