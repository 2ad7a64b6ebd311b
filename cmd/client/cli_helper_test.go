package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/swissdisk/swissdisk/internal/client/config"
)

const helperEnv = "SWISSDISK_CLI_HELPER"

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}

// runCLI runs the swissdisk command line in a child test process with a
// throwaway HOME, so the log file and default paths never touch the real one.
// It returns combined output and the exit code.
func runCLI(t *testing.T, args ...string) (string, int) {
	t.Helper()

	cmd := exec.Command(os.Args[0], append([]string{"-test.run=^TestHelperProcess$", "--"}, args...)...)
	cmd.Env = append(os.Environ(),
		helperEnv+"=1",
		"HOME="+t.TempDir(),
		"NO_COLOR=1",
		"TERM=dumb",
	)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return buf.String(), 0
	case errors.As(err, &exitErr):
		return buf.String(), exitErr.ExitCode()
	default:
		t.Fatalf("run swissdisk %s: %v", strings.Join(args, " "), err)
		return "", -1
	}
}

// TestHelperProcess is the entry point of the child started by runCLI.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		t.Skip("only runs as a child of runCLI")
	}

	sep := slices.Index(os.Args, "--")
	if sep < 0 || sep == len(os.Args)-1 {
		os.Exit(2)
	}

	rootCmd.SetArgs(os.Args[sep+1:])
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, strings.TrimSpace(stripANSI(err.Error())))
		os.Exit(1)
	}
	os.Exit(0)
}

// writeTestConfig saves a config for user with localDir, against serverURL if given.
func writeTestConfig(t *testing.T, path, user, localDir string, serverURL ...string) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.User = user
	cfg.LocalDir = localDir
	cfg.Path = path
	cfg.Timeout = 10
	if len(serverURL) > 0 {
		cfg.ServerURL = serverURL[0]
	}
	require.NoError(t, cfg.Validate())
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, cfg.Save())
	return cfg
}
