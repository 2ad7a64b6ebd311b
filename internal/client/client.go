package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/swissdisk/swissdisk/internal/client/bandwidth"
	"github.com/swissdisk/swissdisk/internal/client/config"
	"github.com/swissdisk/swissdisk/internal/client/connvalidator"
	"github.com/swissdisk/swissdisk/internal/client/journal"
	"github.com/swissdisk/swissdisk/internal/client/propagator"
	"github.com/swissdisk/swissdisk/internal/client/workspace"
	"github.com/swissdisk/swissdisk/internal/davsdk"
)

var (
	ErrNotConnected = errors.New("client: not connected")
	ErrNotOpen      = errors.New("client: not open")
)

// Report is what one Sync call did.
type Report struct {
	Connection connvalidator.Result
	Passes     []*propagator.Result
}

// Last is the result of the final pass, nil when nothing ran.
func (r *Report) Last() *propagator.Result {
	if len(r.Passes) == 0 {
		return nil
	}
	return r.Passes[len(r.Passes)-1]
}

// Failed returns the items of the final pass that ended in a Normal or Fatal error.
func (r *Report) Failed() []*propagator.SyncItem {
	if last := r.Last(); last != nil {
		return last.Failed()
	}
	return nil
}

// AnotherSyncNeeded reports whether the final pass still asked for one more.
func (r *Report) AnotherSyncNeeded() bool {
	last := r.Last()
	return last != nil && last.AnotherSyncNeeded
}

type Client struct {
	config    *config.Config
	opts      options
	workspace *workspace.Workspace
	account   *davsdk.Account
	bandwidth *bandwidth.Manager

	mu      sync.Mutex
	journal *journal.SyncJournal
	current *propagator.Propagator
	cancel  context.CancelFunc
}

func New(cfg *config.Config, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ws, err := workspace.NewWorkspace(cfg.LocalDir, cfg.User)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	creds := davsdk.NewHTTPCredentials(cfg.User, cfg.Password, o.prompt)
	account, err := davsdk.NewAccount(&davsdk.AccountConfig{
		ServerURL:          cfg.ServerURL,
		DavPath:            cfg.DavPath,
		Credentials:        creds,
		ClientCertPath:     cfg.ClientCertificatePath,
		ClientCertPassword: cfg.ClientCertificatePassword,
		CACertsPath:        cfg.CACertificatesPath,
		ProxyURL:           cfg.ProxyURL,
		Timeout:            cfg.TimeoutDuration(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	bwOpts := []bandwidth.Option{
		bandwidth.WithUploadLimit(cfg.UploadLimitBytes()),
		bandwidth.WithDownloadLimit(cfg.DownloadLimitBytes()),
	}
	if o.clock != nil {
		bwOpts = append(bwOpts, bandwidth.WithClock(o.clock))
	}

	return &Client{
		config:    cfg,
		opts:      o,
		workspace: ws,
		account:   account,
		bandwidth: bandwidth.NewManager(bwOpts...),
	}, nil
}

func (c *Client) Account() *davsdk.Account {
	return c.account
}

func (c *Client) Workspace() *workspace.Workspace {
	return c.workspace
}

// Open locks the workspace, opens the journal and starts the bandwidth ticker.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.journal != nil {
		return nil
	}

	if err := c.workspace.Setup(); err != nil {
		return fmt.Errorf("failed to setup workspace: %w", err)
	}

	j, err := journal.NewSyncJournal(c.workspace.JournalPath)
	if err != nil {
		c.workspace.Unlock()
		return err
	}
	if err := j.Open(); err != nil {
		c.workspace.Unlock()
		return fmt.Errorf("failed to open journal: %w", err)
	}
	c.journal = j

	bwCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.bandwidth.Start(bwCtx)

	slog.Info("swissdisk client open",
		"localDir", c.workspace.Root,
		"server", c.config.ServerURL,
		"user", c.config.User,
		"remoteFolder", c.config.RemoteFolder)
	return nil
}

// Close stops the ticker, commits and closes the journal and releases the workspace.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.journal == nil {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.bandwidth.Stop()

	var errs []error
	if err := c.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("journal close: %w", err))
	}
	c.journal = nil
	if err := c.workspace.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("workspace unlock: %w", err))
	}

	slog.Info("swissdisk client closed")
	return errors.Join(errs...)
}

// Journal is the open journal, nil before Open.
func (c *Client) Journal() *journal.SyncJournal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.journal
}

// CheckConnection runs the connection validator. When credentials have to be
// fetched first it waits for them and validates once more.
func (c *Client) CheckConnection(ctx context.Context) connvalidator.Result {
	creds := c.account.Credentials()
	fetched := make(chan struct{}, 1)
	if creds != nil {
		remove := creds.OnFetched(func() {
			select {
			case fetched <- struct{}{}:
			default:
			}
		})
		defer remove()
	}

	res, ok := connvalidator.New(c.account).CheckServerAndAuth(ctx)
	if ok {
		return res
	}

	slog.Info("waiting for credentials", "user", c.config.User)
	select {
	case <-ctx.Done():
		return connvalidator.Result{Status: connvalidator.UserCanceledCredentials, Errors: []string{ctx.Err().Error()}}
	case <-fetched:
	}

	if res, ok = connvalidator.New(c.account).CheckServerAndAuth(ctx); ok {
		return res
	}
	// the fetch did not yield usable credentials
	return connvalidator.Result{Status: connvalidator.UserCanceledCredentials}
}

// Sync validates the connection, resolves pending polls and propagates the
// items of src. While a pass asks for another sync and src supplies more
// items, it runs again, up to the configured number of passes.
func (c *Client) Sync(ctx context.Context, src ManifestSource) (*Report, error) {
	j := c.Journal()
	if j == nil {
		return nil, ErrNotOpen
	}

	report := &Report{}
	report.Connection = c.CheckConnection(ctx)
	if report.Connection.Status != connvalidator.Connected {
		return report, fmt.Errorf("%w: %s", ErrNotConnected, report.Connection.Status)
	}

	for pass := 1; pass <= c.opts.maxPasses; pass++ {
		items, err := src.Next(ctx, pass)
		if err != nil {
			return report, fmt.Errorf("manifest pass %d: %w", pass, err)
		}
		if items == nil {
			break
		}
		items = c.filterItems(items)

		p, err := propagator.New(c.account, j, c.bandwidth, c.propagatorOptions())
		if err != nil {
			return report, err
		}
		c.setCurrent(p)

		if pass == 1 {
			if err := p.CleanupPolls(ctx); err != nil && ctx.Err() == nil {
				slog.Error("poll cleanup", "error", err)
			}
		}

		start := time.Now()
		res, err := p.Propagate(ctx, items)
		c.setCurrent(nil)
		if err != nil {
			return report, err
		}
		report.Passes = append(report.Passes, res)

		slog.Info("sync pass done",
			"pass", pass,
			"items", len(items),
			"failed", len(res.Failed()),
			"anotherSyncNeeded", res.AnotherSyncNeeded,
			"took", time.Since(start))

		if res.Aborted || !res.AnotherSyncNeeded || ctx.Err() != nil {
			break
		}
	}

	return report, nil
}

// Abort stops the running pass, if any.
func (c *Client) Abort() {
	c.mu.Lock()
	p := c.current
	c.mu.Unlock()
	if p != nil {
		p.Abort()
	}
}

func (c *Client) setCurrent(p *propagator.Propagator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = p
}

func (c *Client) filterItems(items []*propagator.SyncItem) []*propagator.SyncItem {
	out := make([]*propagator.SyncItem, 0, len(items))
	for _, it := range items {
		if c.workspace.IsMetadataPath(it.File) {
			slog.Debug("skip metadata path", "path", it.File)
			continue
		}
		out = append(out, it)
	}
	return out
}

func (c *Client) propagatorOptions() *propagator.Options {
	return &propagator.Options{
		LocalDir:         c.workspace.Root,
		RemoteFolder:     c.config.RemoteFolder,
		ChunkSize:        c.config.ChunkSize,
		MaxParallel:      c.config.MaxParallel,
		MaxChunkParallel: c.config.MaxChunkParallel,
		MaxActiveJobs:    c.config.MaxActiveJobs,
		MinFileAge:       c.opts.minFileAge,
		PollInterval:     c.opts.pollInterval,
		Clock:            c.opts.clock,
	}
}
