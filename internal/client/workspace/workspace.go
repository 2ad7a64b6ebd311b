package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/swissdisk/swissdisk/internal/utils"
)

const (
	metadataDir = ".swissdisk"
	logsDir     = "logs"
	lockFile    = "swissdisk.lock"
	journalFile = "sync_journal.db"
)

var (
	ErrWorkspaceLocked = errors.New("workspace locked by another process")
)

// Workspace is the local directory that is kept in sync, plus the metadata
// directory inside it holding the journal and the lock.
type Workspace struct {
	Owner       string
	Root        string
	MetadataDir string
	JournalPath string
	LogsDir     string

	flock *flock.Flock
}

func NewWorkspace(rootDir string, user string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", rootDir, err)
	}

	meta := filepath.Join(root, metadataDir)
	return &Workspace{
		Owner:       user,
		Root:        root,
		MetadataDir: meta,
		JournalPath: filepath.Join(meta, journalFile),
		LogsDir:     filepath.Join(meta, logsDir),
		flock:       flock.New(filepath.Join(meta, lockFile)),
	}, nil
}

// Lock makes sure no other client runs on this workspace, and so on its journal.
func (w *Workspace) Lock() error {
	if err := utils.EnsureDir(w.MetadataDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.MetadataDir, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}

	return nil
}

func (w *Workspace) Unlock() error {
	// if this process hasn't locked the workspace, then don't delete the lock file
	if !w.flock.Locked() {
		return nil
	}

	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}

	return os.Remove(w.flock.Path())
}

// Setup locks the workspace and creates its directories.
func (w *Workspace) Setup() error {
	if err := w.Lock(); err != nil {
		return err
	}

	slog.Info("workspace", "root", w.Root, "owner", w.Owner)

	for _, dir := range []string{w.Root, w.MetadataDir, w.LogsDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// LocalPath returns the absolute path of a sync relative path.
func (w *Workspace) LocalPath(relPath string) string {
	return filepath.Join(w.Root, filepath.FromSlash(relPath))
}

// RelPath returns the sync relative path of an absolute path inside the workspace.
func (w *Workspace) RelPath(absPath string) (string, error) {
	relPath, err := filepath.Rel(w.Root, absPath)
	if err != nil {
		return "", err
	}
	return NormPath(relPath), nil
}

// IsMetadataPath is true for paths that belong to the client and are never synced.
func (w *Workspace) IsMetadataPath(relPath string) bool {
	return IsMetadataPath(relPath)
}
