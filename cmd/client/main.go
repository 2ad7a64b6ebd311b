package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/swissdisk/swissdisk/internal/client/config"
	"github.com/swissdisk/swissdisk/internal/utils"
	"github.com/swissdisk/swissdisk/internal/version"
)

const envPrefix = "SWISSDISK"

var (
	home, _  = os.UserHomeDir()
	logLevel = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:     "swissdisk",
	Short:   "SwissDisk sync client",
	Version: version.Detailed(),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			logLevel.Set(slog.LevelDebug)
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.SortFlags = false
	flags.StringP("config", "c", config.DefaultConfigPath, "SwissDisk config file")
	flags.StringP("server", "s", config.DefaultServerURL, "SwissDisk server")
	flags.StringP("user", "u", "", "Account user name")
	flags.StringP("localdir", "d", config.DefaultLocalDir, "Local sync directory")
	flags.StringP("remote-folder", "r", "", "Remote folder to sync into")
	flags.BoolP("verbose", "v", false, "Log debug output to stdout")
}

func main() {
	// a .env next to the working directory may carry SWISSDISK_* settings
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
	}

	// TODO rotate the log file instead of truncating it on every start
	logFile := config.DefaultLogFilePath
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
		os.Exit(1)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	logLevel.Set(slog.LevelInfo)
	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      logLevel,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	fileHandler := slog.NewTextHandler(utils.NewLogInterceptor(file), &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// the interceptor stamps the time
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges the config file, SWISSDISK_* environment and flags, in
// increasing precedence, and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()

	configPath, err := utils.ResolvePath(resolveConfigPath(cmd))
	if err != nil {
		return nil, err
	}
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	def := config.Default()
	v.SetDefault("server_url", def.ServerURL)
	v.SetDefault("local_dir", def.LocalDir)
	v.SetDefault("timeout", def.Timeout)
	v.SetDefault("upload_limit", def.UploadLimit)
	v.SetDefault("download_limit", def.DownloadLimit)

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return nil, fmt.Errorf("config read '%s': %w", configPath, err)
		}
	}

	bindFlag(v, cmd, "server_url", "server")
	bindFlag(v, cmd, "user", "user")
	bindFlag(v, cmd, "local_dir", "localdir")
	bindFlag(v, cmd, "remote_folder", "remote-folder")

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	cfg := &config.Config{
		ServerURL:                 v.GetString("server_url"),
		User:                      v.GetString("user"),
		DavPath:                   v.GetString("dav_path"),
		LocalDir:                  v.GetString("local_dir"),
		RemoteFolder:              v.GetString("remote_folder"),
		Timeout:                   v.GetInt("timeout"),
		UseUploadLimit:            v.GetBool("use_upload_limit"),
		UploadLimit:               v.GetInt64("upload_limit"),
		UseDownloadLimit:          v.GetBool("use_download_limit"),
		DownloadLimit:             v.GetInt64("download_limit"),
		ChunkSize:                 v.GetInt64("chunk_size"),
		MaxParallel:               v.GetInt("max_parallel"),
		MaxChunkParallel:          v.GetInt("max_chunk_parallel"),
		MaxActiveJobs:             v.GetInt64("max_active_jobs"),
		ClientCertificatePath:     v.GetString("client_certificate_path"),
		ClientCertificatePassword: v.GetString("client_certificate_password"),
		CACertificatesPath:        v.GetString("ca_certificates_path"),
		ProxyURL:                  v.GetString("proxy_url"),
		Password:                  v.GetString("password"),
		Path:                      configPath,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindFlag ties a viper key to a flag, local or persistent.
func bindFlag(v *viper.Viper, cmd *cobra.Command, key, flag string) {
	if f := cmd.Flag(flag); f != nil {
		v.BindPFlag(key, f)
	}
}
