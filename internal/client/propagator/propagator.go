// Package propagator turns discovered differences into transfers and records their results.
package propagator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/swissdisk/swissdisk/internal/client/bandwidth"
	"github.com/swissdisk/swissdisk/internal/client/journal"
	"github.com/swissdisk/swissdisk/internal/davsdk"
	"github.com/swissdisk/swissdisk/internal/utils"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultChunkSize        = 10 << 20
	DefaultMaxParallel      = 3
	DefaultMaxChunkParallel = 3
	DefaultMaxActiveJobs    = 6
	DefaultMinFileAge       = 2 * time.Second
	DefaultPollInterval     = 5 * time.Second
	pollTimeout             = 120 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("propagator: already running")
	ErrNoJournal      = errors.New("propagator: journal missing")
	ErrNoAccount      = errors.New("propagator: account missing")
)

type Options struct {
	LocalDir     string
	RemoteFolder string

	// ChunkSize splits uploads larger than this into chunks
	ChunkSize int64
	// MaxParallel bounds files propagated at the same time
	MaxParallel int
	// MaxChunkParallel bounds chunk requests in flight per file
	MaxChunkParallel int
	// MaxActiveJobs bounds network requests in flight across the whole run
	MaxActiveJobs int64
	// MinFileAge skips uploads of files modified more recently than this
	MinFileAge   time.Duration
	PollInterval time.Duration
	Clock        clockwork.Clock
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.MaxParallel <= 0 {
		out.MaxParallel = DefaultMaxParallel
	}
	if out.MaxChunkParallel <= 0 {
		out.MaxChunkParallel = DefaultMaxChunkParallel
	}
	if out.MaxActiveJobs <= 0 {
		out.MaxActiveJobs = DefaultMaxActiveJobs
	}
	if out.MinFileAge < 0 {
		out.MinFileAge = 0
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.Clock == nil {
		out.Clock = clockwork.NewRealClock()
	}
	return out
}

// Result is the outcome of one run.
type Result struct {
	Items             []*SyncItem
	AnotherSyncNeeded bool
	Aborted           bool
}

// Failed returns the items that ended in a Normal or Fatal error.
func (r *Result) Failed() []*SyncItem {
	var out []*SyncItem
	for _, it := range r.Items {
		if it.Status.IsFailure() {
			out = append(out, it)
		}
	}
	return out
}

// Propagator runs the jobs of one sync. Create a new one for every run.
type Propagator struct {
	account   *davsdk.Account
	journal   *journal.SyncJournal
	bandwidth *bandwidth.Manager
	opts      Options
	status    *SyncStatus

	sem               *semaphore.Weighted
	abortRequested    atomic.Bool
	anotherSyncNeeded atomic.Bool
	activeJobs        atomic.Int32
	running           atomic.Bool

	mu       sync.Mutex
	cancel   context.CancelFunc
	finished map[*SyncItem]struct{}
}

func New(account *davsdk.Account, j *journal.SyncJournal, bw *bandwidth.Manager, opts *Options) (*Propagator, error) {
	if account == nil {
		return nil, ErrNoAccount
	}
	if j == nil {
		return nil, ErrNoJournal
	}
	if bw == nil {
		bw = bandwidth.NewManager()
	}
	if opts == nil {
		opts = &Options{}
	}
	o := opts.withDefaults()

	return &Propagator{
		account:   account,
		journal:   j,
		bandwidth: bw,
		opts:      o,
		status:    NewSyncStatus(),
		sem:       semaphore.NewWeighted(o.MaxActiveJobs),
		finished:  make(map[*SyncItem]struct{}),
	}, nil
}

// Status is the live progress of the current run.
func (p *Propagator) Status() *SyncStatus {
	return p.status
}

// AnotherSyncNeeded reports whether the run saw changes that need a follow-up sync.
func (p *Propagator) AnotherSyncNeeded() bool {
	return p.anotherSyncNeeded.Load()
}

// ActiveJobs is the number of network requests in flight.
func (p *Propagator) ActiveJobs() int {
	return int(p.activeJobs.Load())
}

// Abort stops the run. Jobs not yet started never start, running requests are cancelled.
func (p *Propagator) Abort() {
	if p.abortRequested.Swap(true) {
		return
	}
	slog.Info("propagator abort requested")

	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Propagator) aborted() bool {
	return p.abortRequested.Load()
}

// abortableContext derives the context Abort cancels. It is already done when
// Abort came first.
func (p *Propagator) abortableContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	if p.aborted() {
		cancel()
	}
	return ctx, cancel
}

// Propagate runs items in phases: renames, directory creations shallow first,
// files concurrently, then removals deep first. Item failures are reported on
// the items; the error is only for runs that could not start.
func (p *Propagator) Propagate(ctx context.Context, items []*SyncItem) (*Result, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer p.running.Store(false)

	ctx, cancel := p.abortableContext(ctx)
	defer cancel()

	start := time.Now()
	var renames, mkdirs, files, removals []*SyncItem
	for _, it := range items {
		switch {
		case it.Instruction == InstructionNone, it.Instruction == InstructionIgnore:
			continue
		case it.Instruction == InstructionRename:
			renames = append(renames, it)
		case it.Instruction == InstructionRemove:
			removals = append(removals, it)
		case it.IsDirectory() && it.Instruction != InstructionError:
			mkdirs = append(mkdirs, it)
		default:
			files = append(files, it)
		}
	}

	sort.SliceStable(mkdirs, func(a, b int) bool { return mkdirs[a].depth() < mkdirs[b].depth() })
	sort.SliceStable(removals, func(a, b int) bool { return removals[a].depth() > removals[b].depth() })

	slog.Info("propagation start",
		"renames", len(renames),
		"mkdirs", len(mkdirs),
		"files", len(files),
		"removals", len(removals))

	for _, it := range renames {
		p.runItem(ctx, it)
	}
	for _, it := range mkdirs {
		p.runItem(ctx, it)
	}

	eg := new(errgroup.Group)
	eg.SetLimit(p.opts.MaxParallel)
	for _, it := range files {
		if p.aborted() {
			break
		}
		it := it
		eg.Go(func() error {
			p.runItem(ctx, it)
			return nil
		})
	}
	_ = eg.Wait()

	for _, it := range removals {
		p.runItem(ctx, it)
	}

	if err := p.journal.Commit("all jobs done"); err != nil {
		slog.Error("journal commit", "error", err)
	}

	result := &Result{
		Items:             items,
		AnotherSyncNeeded: p.AnotherSyncNeeded(),
		Aborted:           p.aborted(),
	}
	slog.Info("propagation done",
		"items", len(items),
		"failed", len(result.Failed()),
		"anotherSyncNeeded", result.AnotherSyncNeeded,
		"aborted", result.Aborted,
		"took", time.Since(start))
	return result, nil
}

// runItem checks the blacklist, runs the job for it and records the result.
func (p *Propagator) runItem(ctx context.Context, item *SyncItem) {
	if p.aborted() {
		return
	}

	if !utils.IsSubPath(item.File) || (item.RenameTarget != "" && !utils.IsSubPath(item.RenameTarget)) {
		p.done(item, StatusNormalError, msgOutsideSyncFolder)
		return
	}

	if item.Instruction == InstructionError {
		msg := item.ErrorString
		if msg == "" {
			msg = "Discovery reported an error for this item"
		}
		p.done(item, StatusNormalError, msg)
		return
	}

	if skip, msg := p.checkBlacklist(item); skip {
		p.done(item, StatusSoftError, msg)
		return
	}

	job := p.jobFor(item)
	if job == nil {
		slog.Debug("propagator nothing to do", "item", item.String())
		return
	}

	p.status.SetRunning(item.File, item.Size)
	status, msg := job(ctx)
	if status == StatusNoStatus {
		// aborted before it started
		return
	}
	if ctx.Err() != nil && status != StatusSuccess {
		if msg == "" {
			msg = "Operation canceled"
		}
	}
	p.done(item, status, msg)
}

type jobFunc func(ctx context.Context) (Status, string)

func (p *Propagator) jobFor(item *SyncItem) jobFunc {
	up := item.Direction == DirectionUp
	switch item.Instruction {
	case InstructionRename:
		if up {
			return func(ctx context.Context) (Status, string) { return p.remoteMove(ctx, item) }
		}
		return func(ctx context.Context) (Status, string) { return p.localRename(item) }
	case InstructionRemove:
		if up {
			return func(ctx context.Context) (Status, string) { return p.remoteDelete(ctx, item) }
		}
		return func(ctx context.Context) (Status, string) { return p.localRemove(item) }
	case InstructionNew, InstructionSync, InstructionConflict:
		if item.IsDirectory() {
			if up {
				return func(ctx context.Context) (Status, string) { return p.remoteMkdir(ctx, item) }
			}
			return func(ctx context.Context) (Status, string) { return p.localMkdir(item) }
		}
		if up {
			return newUploadFileJob(p, item).run
		}
		return newDownloadFileJob(p, item).run
	default:
		return nil
	}
}

// done is the only writer of terminal item status. A second call for the same item is ignored.
func (p *Propagator) done(item *SyncItem, status Status, errorString string) {
	p.mu.Lock()
	if _, ok := p.finished[item]; ok {
		p.mu.Unlock()
		slog.Warn("propagator item already finished", "path", item.File, "status", item.Status, "ignored", status)
		return
	}
	p.finished[item] = struct{}{}
	item.Status = status
	item.ErrorString = errorString
	p.mu.Unlock()

	p.updateBlacklist(item)
	p.status.SetFinished(item.File, status, errorString)

	if status == StatusSuccess {
		slog.Info("propagated", "item", item.String(), "etag", item.ETag, "took", item.RequestDuration)
	} else {
		slog.Warn("propagation failed", "item", item.String(), "status", status, "error", errorString, "http", item.HTTPStatusCode)
	}
}

// acquire takes one of the global request slots.
func (p *Propagator) acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.activeJobs.Add(1)
	return nil
}

func (p *Propagator) release() {
	p.activeJobs.Add(-1)
	p.sem.Release(1)
}

// startJob issues a request while holding a global slot.
func (p *Propagator) startJob(ctx context.Context, job *davsdk.NetworkJob) *davsdk.Reply {
	if err := p.acquire(ctx); err != nil {
		return &davsdk.Reply{Err: err, Outcome: davsdk.Classify(err, 0)}
	}
	defer p.release()
	return job.Start(ctx)
}

func (p *Propagator) streamJob(ctx context.Context, job *davsdk.NetworkJob, handle davsdk.ResponseHandler) *davsdk.Reply {
	if err := p.acquire(ctx); err != nil {
		return &davsdk.Reply{Err: err, Outcome: davsdk.Classify(err, 0)}
	}
	defer p.release()
	return job.Stream(ctx, handle)
}

func (p *Propagator) localPath(rel string) string {
	return filepath.Join(p.opts.LocalDir, filepath.FromSlash(rel))
}

func (p *Propagator) remotePath(rel string) string {
	return strings.TrimPrefix(path.Join("/", p.opts.RemoteFolder, rel), "/")
}

func (p *Propagator) commit(label string) {
	if err := p.journal.Commit(label); err != nil {
		slog.Error("journal commit", "label", label, "error", err)
	}
}

func replyError(reply *davsdk.Reply) (Status, string) {
	msg := reply.ErrorString()
	if msg == "" {
		msg = fmt.Sprintf("request failed with status %d", reply.StatusCode)
	}
	return statusFor(reply.Outcome), msg
}
