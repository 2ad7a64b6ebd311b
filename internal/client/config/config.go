package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/swissdisk/swissdisk/internal/utils"
)

const (
	DefaultUploadLimit   = 10 // KB/s
	DefaultDownloadLimit = 80 // KB/s
	DefaultTimeout       = 300
)

var (
	home, _            = os.UserHomeDir()
	DefaultConfigPath  = filepath.Join(home, ".swissdisk", "config.json")
	DefaultLogFilePath = filepath.Join(home, ".swissdisk", "logs", "swissdisk.log")
	DefaultLocalDir    = filepath.Join(home, "SwissDisk")
	DefaultServerURL   = "https://cloud.swissdisk.com"
)

var (
	ErrNoServerURL = errors.New("config: `server_url` is required")
	ErrNoUser      = errors.New("config: `user` is required")
	ErrNoLocalDir  = errors.New("config: `local_dir` is required")
)

type Config struct {
	ServerURL    string `json:"server_url"`
	User         string `json:"user"`
	DavPath      string `json:"dav_path,omitempty"`
	LocalDir     string `json:"local_dir"`
	RemoteFolder string `json:"remote_folder,omitempty"`
	Timeout      int    `json:"timeout"` // seconds

	UseUploadLimit   bool  `json:"use_upload_limit"`
	UploadLimit      int64 `json:"upload_limit"` // KB/s
	UseDownloadLimit bool  `json:"use_download_limit"`
	DownloadLimit    int64 `json:"download_limit"` // KB/s

	ChunkSize        int64 `json:"chunk_size,omitempty"`
	MaxParallel      int   `json:"max_parallel,omitempty"`
	MaxChunkParallel int   `json:"max_chunk_parallel,omitempty"`
	MaxActiveJobs    int64 `json:"max_active_jobs,omitempty"`

	ClientCertificatePath     string `json:"client_certificate_path,omitempty"`
	ClientCertificatePassword string `json:"client_certificate_password,omitempty"`
	CACertificatesPath        string `json:"ca_certificates_path,omitempty"`
	ProxyURL                  string `json:"proxy_url,omitempty"`

	// Password comes from the environment or a prompt, never from the file
	Password string `json:"-"`
	Path     string `json:"-"`
}

// Default returns a config with every optional value at its default.
func Default() *Config {
	return &Config{
		ServerURL:     DefaultServerURL,
		LocalDir:      DefaultLocalDir,
		Timeout:       DefaultTimeout,
		UploadLimit:   DefaultUploadLimit,
		DownloadLimit: DefaultDownloadLimit,
		Path:          DefaultConfigPath,
	}
}

// Validate checks required values and normalizes paths and urls in place.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return ErrNoServerURL
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("config: invalid server url %q: %w", c.ServerURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: invalid server url %q: want http(s)://host", c.ServerURL)
	}
	c.ServerURL = strings.TrimSuffix(u.String(), "/")

	if c.User = strings.TrimSpace(c.User); c.User == "" {
		return ErrNoUser
	}

	if c.LocalDir == "" {
		return ErrNoLocalDir
	}
	if c.LocalDir, err = utils.ResolvePath(c.LocalDir); err != nil {
		return fmt.Errorf("config: local dir: %w", err)
	}

	if c.Path != "" {
		if c.Path, err = utils.ResolvePath(c.Path); err != nil {
			return fmt.Errorf("config: path: %w", err)
		}
	}

	if c.RemoteFolder != "" {
		c.RemoteFolder = strings.Trim(path.Clean("/"+c.RemoteFolder), "/")
	}

	if c.Timeout < 0 {
		return fmt.Errorf("config: `timeout` must not be negative")
	}
	if c.UploadLimit < 0 || c.DownloadLimit < 0 {
		return fmt.Errorf("config: bandwidth limits must not be negative")
	}
	if c.ChunkSize < 0 || c.MaxParallel < 0 || c.MaxChunkParallel < 0 || c.MaxActiveJobs < 0 {
		return fmt.Errorf("config: transfer limits must not be negative")
	}

	if c.ProxyURL != "" {
		if _, err := url.Parse(c.ProxyURL); err != nil {
			return fmt.Errorf("config: invalid proxy url %q: %w", c.ProxyURL, err)
		}
	}
	for _, p := range []string{c.ClientCertificatePath, c.CACertificatesPath} {
		if p != "" && !utils.FileExists(p) {
			return fmt.Errorf("config: certificate file %q not found", p)
		}
	}

	return nil
}

// UploadLimitBytes is the upload limit in bytes per second, 0 when unlimited.
func (c *Config) UploadLimitBytes() int64 {
	if !c.UseUploadLimit {
		return 0
	}
	return c.UploadLimit * 1024
}

// DownloadLimitBytes is the download limit in bytes per second, 0 when unlimited.
func (c *Config) DownloadLimitBytes() int64 {
	if !c.UseDownloadLimit {
		return 0
	}
	return c.DownloadLimit * 1024
}

func (c *Config) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func (c *Config) Save() error {
	if c.Path == "" {
		return fmt.Errorf("config: no path to save to")
	}
	if err := utils.EnsureParent(c.Path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(c.Path, data, 0o600)
}

func LoadClientConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.Path = path
	return cfg, nil
}
