package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/swissdisk/swissdisk/internal/client/config"
	"github.com/swissdisk/swissdisk/internal/utils"
)

var (
	// https://github.com/muesli/termenv/blob/master/ansicolors.go
	// https://github.com/fidian/ansi
	red       = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	yellow    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	cyan      = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	gray      = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	lightGray = lipgloss.NewStyle().Foreground(lipgloss.Color("248"))
)

const swissDiskArt = `
 ___        _         ___  _    _
/ __|_ __ _(_)______ |   \(_)__| |__
\__ \ V  V / (_-<_-< | |) | (_-< / /
|___/\_/\_/|_/__/__/ |___/|_/__/_\_\
`

func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s: %s\n", red.Bold(true).Render("ERROR"), err)
}

func printConfig(w io.Writer, cfg *config.Config) {
	row := func(key, value string) {
		fmt.Fprintf(w, "%s %s\n", gray.Render(fmt.Sprintf("%-16s", key)), cyan.Render(value))
	}

	fmt.Fprintln(w, green.Bold(true).Render("SWISSDISK CONFIG"))
	row("Config", cfg.Path)
	row("Server", cfg.ServerURL)
	row("User", cfg.User)
	if cfg.Password != "" {
		row("Password", utils.MaskSecret(cfg.Password))
	}
	row("Local dir", cfg.LocalDir)
	if cfg.RemoteFolder != "" {
		row("Remote folder", cfg.RemoteFolder)
	}
	row("Upload limit", limitString(cfg.UseUploadLimit, cfg.UploadLimitBytes()))
	row("Download limit", limitString(cfg.UseDownloadLimit, cfg.DownloadLimitBytes()))
	if cfg.ClientCertificatePath != "" {
		row("Client cert", cfg.ClientCertificatePath)
	}
	if cfg.ProxyURL != "" {
		row("Proxy", cfg.ProxyURL)
	}
}

func limitString(enabled bool, bytesPerSec int64) string {
	if !enabled || bytesPerSec <= 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(bytesPerSec)) + "/s"
}

func showHeader(w io.Writer) {
	fmt.Fprintln(w, cyan.Bold(true).Render(strings.TrimPrefix(swissDiskArt, "\n")))
}
