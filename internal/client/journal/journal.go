package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/swissdisk/swissdisk/internal/db"
	"github.com/swissdisk/swissdisk/internal/utils"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS metadata (
    path TEXT PRIMARY KEY,
    type INTEGER NOT NULL DEFAULT 0,
    modtime INTEGER NOT NULL,
    size INTEGER NOT NULL,
    etag TEXT NOT NULL,
    fileid TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS uploadinfo (
    path TEXT PRIMARY KEY,
    chunk INTEGER NOT NULL,
    transferid INTEGER NOT NULL,
    errorcount INTEGER NOT NULL DEFAULT 0,
    size INTEGER NOT NULL,
    modtime INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS downloadinfo (
    path TEXT PRIMARY KEY,
    tmpfile TEXT NOT NULL,
    etag TEXT NOT NULL,
    errorcount INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS poll (
    path TEXT PRIMARY KEY,
    modtime INTEGER NOT NULL,
    pollpath TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS blacklist (
    path TEXT PRIMARY KEY,
    lasttryetag TEXT NOT NULL DEFAULT '',
    lasttrymodtime INTEGER NOT NULL DEFAULT 0,
    retrycount INTEGER NOT NULL DEFAULT 0,
    errorstring TEXT NOT NULL DEFAULT '',
    lasttrytime INTEGER NOT NULL DEFAULT 0,
    ignoreduration INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_metadata_type ON metadata(type);
`

var (
	ErrJournalOpen    = errors.New("journal: already open")
	ErrJournalNotOpen = errors.New("journal: not open")
)

// SyncJournal is the durable per-file sync state of one sync folder.
//
// Writes join a lazily started transaction which stays open until Commit, so a
// burst of progress updates costs a single fsync. All statements are serialized
// by one mutex; reads run inside the open transaction so they observe pending writes.
type SyncJournal struct {
	mu     sync.Mutex
	db     *sqlx.DB
	tx     *sqlx.Tx
	dbPath string
}

func NewSyncJournal(dbPath string) (*SyncJournal, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	return &SyncJournal{dbPath: dbPath}, nil
}

// Open the sync journal and the underlying database
func (s *SyncJournal) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return ErrJournalOpen
	}

	if err := utils.EnsureParent(s.dbPath); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	conn, err := openDB(s.dbPath)
	if errors.Is(err, db.ErrCorrupt) {
		slog.Warn("sync journal is corrupt, starting a new one", "path", s.dbPath, "error", err)
		if err := moveAside(s.dbPath, "corrupt"); err != nil {
			return err
		}
		conn, err = openDB(s.dbPath)
	}
	if err != nil {
		return fmt.Errorf("failed to open sync journal: %w", err)
	}

	s.db = conn
	slog.Debug("sync journal open", "path", s.dbPath)
	return nil
}

// Close commits pending writes and closes the database.
func (s *SyncJournal) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrJournalNotOpen
	}

	commitErr := s.commitLocked("close")
	if err := s.db.Close(); err != nil {
		slog.Error("failed to close sync journal", "error", err)
		return err
	}
	s.db = nil
	slog.Debug("sync journal closed")
	return commitErr
}

// Destroy closes the journal and moves the database aside.
func (s *SyncJournal) Destroy() error {
	if err := s.Close(); err != nil && !errors.Is(err, ErrJournalNotOpen) {
		return fmt.Errorf("failed to close journal: %w", err)
	}

	return moveAside(s.dbPath, "bak")
}

// one connection, the open transaction must be visible to every statement
func openDB(path string) (*sqlx.DB, error) {
	return db.NewSqliteDB(
		db.WithPath(path),
		db.WithMaxOpenConns(1),
		db.WithQuickCheck(),
		db.WithSchema(schemaVersion, schema),
	)
}

// moveAside renames the database and its WAL files to <path>.<timestamp>.<suffix>.
func moveAside(path, suffix string) error {
	target := fmt.Sprintf("%s.%s.%s", path, time.Now().Format("20060102150405"), suffix)
	for _, ext := range []string{"", "-wal", "-shm"} {
		if err := os.Rename(path+ext, target+ext); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to move journal file aside: %w", err)
		}
	}
	return nil
}

// Commit flushes the pending write transaction. The label only shows up in logs.
func (s *SyncJournal) Commit(label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(label)
}

func (s *SyncJournal) commitLocked(label string) error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal commit %q: %w", label, err)
	}
	slog.Debug("sync journal commit", "label", label)
	return nil
}

func (s *SyncJournal) writer() (sqlx.Ext, error) {
	if s.db == nil {
		return nil, ErrJournalNotOpen
	}
	if s.tx == nil {
		tx, err := s.db.Beginx()
		if err != nil {
			return nil, fmt.Errorf("journal begin: %w", err)
		}
		s.tx = tx
	}
	return s.tx, nil
}

func (s *SyncJournal) reader() (sqlx.Queryer, error) {
	if s.db == nil {
		return nil, ErrJournalNotOpen
	}
	if s.tx != nil {
		return s.tx, nil
	}
	return s.db, nil
}

func (s *SyncJournal) exec(query string, args ...any) error {
	w, err := s.writer()
	if err != nil {
		return err
	}
	_, err = w.Exec(query, args...)
	return err
}

func (s *SyncJournal) namedExec(query string, arg any) error {
	w, err := s.writer()
	if err != nil {
		return err
	}
	_, err = sqlx.NamedExec(w, query, arg)
	return err
}

func (s *SyncJournal) get(dest any, query string, args ...any) (bool, error) {
	r, err := s.reader()
	if err != nil {
		return false, err
	}
	if err := sqlx.Get(r, dest, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *SyncJournal) selectAll(dest any, query string, args ...any) error {
	r, err := s.reader()
	if err != nil {
		return err
	}
	return sqlx.Select(r, dest, query, args...)
}

// ===================================================================================================
// file records

// GetFileRecord returns nil when the path is unknown.
func (s *SyncJournal) GetFileRecord(path string) (*FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row dbFileRecord
	found, err := s.get(&row, "SELECT path, type, modtime, size, etag, fileid FROM metadata WHERE path = ?", path)
	if err != nil {
		return nil, fmt.Errorf("failed to query record %s: %w", path, err)
	}
	if !found {
		return nil, nil
	}
	return &FileRecord{
		Path:    row.Path,
		Type:    ItemType(row.Type),
		ModTime: unixOrZero(row.ModTime),
		Size:    row.Size,
		ETag:    row.ETag,
		FileID:  row.FileID,
	}, nil
}

// SetFileRecord stores the metadata a finished item produced, for future diffing.
func (s *SyncJournal) SetFileRecord(rec *FileRecord) error {
	if rec == nil || rec.Path == "" {
		return fmt.Errorf("cannot set empty file record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := dbFileRecord{
		Path:    rec.Path,
		Type:    int(rec.Type),
		ModTime: toUnix(rec.ModTime),
		Size:    rec.Size,
		ETag:    rec.ETag,
		FileID:  rec.FileID,
	}
	err := s.namedExec(`INSERT OR REPLACE INTO metadata (path, type, modtime, size, etag, fileid)
	          VALUES (:path, :type, :modtime, :size, :etag, :fileid)`, row)
	if err != nil {
		return fmt.Errorf("failed to set record %s: %w", rec.Path, err)
	}
	slog.Debug("sync journal set", "path", rec.Path, "etag", rec.ETag)
	return nil
}

// DeleteFileRecord removes a path, and everything below it when recursive is set.
func (s *SyncJournal) DeleteFileRecord(path string, recursive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if recursive {
		// '0' sorts right after '/', so the range covers exactly the children
		err = s.exec("DELETE FROM metadata WHERE path = ? OR (path > ? AND path < ?)", path, path+"/", path+"0")
	} else {
		err = s.exec("DELETE FROM metadata WHERE path = ?", path)
	}
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", path, err)
	}
	return nil
}

// AvoidReadFromDbOnNextSync invalidates the etag of every ancestor directory of path,
// so the next discovery has to ask the server instead of trusting the journal.
func (s *SyncJournal) AvoidReadFromDbOnNextSync(path string) error {
	parents := utils.ParentDirs(path)
	if len(parents) == 0 {
		return nil
	}

	query, args, err := sqlx.In("UPDATE metadata SET etag = ? WHERE type = ? AND path IN (?)", InvalidEtag, int(ItemTypeDirectory), parents)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.exec(query, args...); err != nil {
		return fmt.Errorf("failed to invalidate parent etags of %s: %w", path, err)
	}
	slog.Debug("sync journal invalidated parent etags", "path", path, "parents", parents)
	return nil
}

// ===================================================================================================
// upload progress

func (s *SyncJournal) GetUploadInfo(path string) (UploadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row dbUploadInfo
	found, err := s.get(&row, "SELECT path, chunk, transferid, errorcount, size, modtime FROM uploadinfo WHERE path = ?", path)
	if err != nil {
		return UploadInfo{}, fmt.Errorf("failed to query upload info %s: %w", path, err)
	}
	if !found {
		return UploadInfo{}, nil
	}
	return UploadInfo{
		Valid:      true,
		Chunk:      row.Chunk,
		TransferID: uint32(row.TransferID),
		ErrorCount: row.ErrorCount,
		Size:       row.Size,
		ModTime:    unixOrZero(row.ModTime),
	}, nil
}

// SetUploadInfo upserts the progress of path. An invalid info deletes it.
func (s *SyncJournal) SetUploadInfo(path string, info UploadInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if info.Valid {
		err = s.namedExec(`INSERT OR REPLACE INTO uploadinfo (path, chunk, transferid, errorcount, size, modtime)
		          VALUES (:path, :chunk, :transferid, :errorcount, :size, :modtime)`, dbUploadInfo{
			Path:       path,
			Chunk:      info.Chunk,
			TransferID: int64(info.TransferID),
			ErrorCount: info.ErrorCount,
			Size:       info.Size,
			ModTime:    toUnix(info.ModTime),
		})
	} else {
		err = s.exec("DELETE FROM uploadinfo WHERE path = ?", path)
	}
	if err != nil {
		return fmt.Errorf("failed to set upload info %s: %w", path, err)
	}
	return nil
}

// UploadInfos lists every resumable upload, keyed by path.
func (s *SyncJournal) UploadInfos() (map[string]UploadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []dbUploadInfo
	if err := s.selectAll(&rows, "SELECT path, chunk, transferid, errorcount, size, modtime FROM uploadinfo"); err != nil {
		return nil, fmt.Errorf("failed to list upload infos: %w", err)
	}
	infos := make(map[string]UploadInfo, len(rows))
	for _, row := range rows {
		infos[row.Path] = UploadInfo{
			Valid:      true,
			Chunk:      row.Chunk,
			TransferID: uint32(row.TransferID),
			ErrorCount: row.ErrorCount,
			Size:       row.Size,
			ModTime:    unixOrZero(row.ModTime),
		}
	}
	return infos, nil
}

// ===================================================================================================
// download progress

func (s *SyncJournal) GetDownloadInfo(path string) (DownloadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row dbDownloadInfo
	found, err := s.get(&row, "SELECT path, tmpfile, etag, errorcount FROM downloadinfo WHERE path = ?", path)
	if err != nil {
		return DownloadInfo{}, fmt.Errorf("failed to query download info %s: %w", path, err)
	}
	if !found {
		return DownloadInfo{}, nil
	}
	return DownloadInfo{Valid: true, TmpFile: row.TmpFile, ETag: row.ETag, ErrorCount: row.ErrorCount}, nil
}

// SetDownloadInfo upserts the download state of path. An invalid info deletes it.
func (s *SyncJournal) SetDownloadInfo(path string, info DownloadInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if info.Valid {
		err = s.namedExec(`INSERT OR REPLACE INTO downloadinfo (path, tmpfile, etag, errorcount)
		          VALUES (:path, :tmpfile, :etag, :errorcount)`, dbDownloadInfo{
			Path:       path,
			TmpFile:    info.TmpFile,
			ETag:       info.ETag,
			ErrorCount: info.ErrorCount,
		})
	} else {
		err = s.exec("DELETE FROM downloadinfo WHERE path = ?", path)
	}
	if err != nil {
		return fmt.Errorf("failed to set download info %s: %w", path, err)
	}
	return nil
}

// ===================================================================================================
// poll

// SetPollInfo stores a pending poll. An info without URL removes it.
func (s *SyncJournal) SetPollInfo(info PollInfo) error {
	if info.File == "" {
		return fmt.Errorf("poll info without file")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if info.URL == "" {
		slog.Debug("sync journal remove poll info", "path", info.File)
		err = s.exec("DELETE FROM poll WHERE path = ?", info.File)
	} else {
		err = s.namedExec(`INSERT OR REPLACE INTO poll (path, modtime, pollpath) VALUES (:path, :modtime, :pollpath)`, dbPollInfo{
			Path:     info.File,
			ModTime:  toUnix(info.ModTime),
			PollPath: info.URL,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to set poll info %s: %w", info.File, err)
	}
	return nil
}

func (s *SyncJournal) GetPollInfos() ([]PollInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []dbPollInfo
	if err := s.selectAll(&rows, "SELECT path, modtime, pollpath FROM poll ORDER BY path"); err != nil {
		return nil, fmt.Errorf("failed to list poll infos: %w", err)
	}
	infos := make([]PollInfo, 0, len(rows))
	for _, row := range rows {
		infos = append(infos, PollInfo{File: row.Path, URL: row.PollPath, ModTime: unixOrZero(row.ModTime)})
	}
	return infos, nil
}

// ===================================================================================================
// error blacklist

// ErrorBlacklistEntry returns nil when path is not blacklisted.
func (s *SyncJournal) ErrorBlacklistEntry(path string) (*ErrorBlacklistRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row dbBlacklist
	found, err := s.get(&row, `SELECT path, lasttryetag, lasttrymodtime, retrycount, errorstring, lasttrytime, ignoreduration
	          FROM blacklist WHERE path = ?`, path)
	if err != nil {
		return nil, fmt.Errorf("failed to query blacklist %s: %w", path, err)
	}
	if !found {
		return nil, nil
	}
	return row.record(), nil
}

// ErrorBlacklist lists every entry, ordered by path.
func (s *SyncJournal) ErrorBlacklist() ([]*ErrorBlacklistRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []dbBlacklist
	if err := s.selectAll(&rows, `SELECT path, lasttryetag, lasttrymodtime, retrycount, errorstring, lasttrytime, ignoreduration
	          FROM blacklist ORDER BY path`); err != nil {
		return nil, fmt.Errorf("failed to list blacklist: %w", err)
	}
	out := make([]*ErrorBlacklistRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out, nil
}

func (s *SyncJournal) UpdateErrorBlacklistEntry(rec *ErrorBlacklistRecord) error {
	if !rec.IsValid() {
		return fmt.Errorf("invalid blacklist record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.namedExec(`INSERT OR REPLACE INTO blacklist (path, lasttryetag, lasttrymodtime, retrycount, errorstring, lasttrytime, ignoreduration)
	          VALUES (:path, :lasttryetag, :lasttrymodtime, :retrycount, :errorstring, :lasttrytime, :ignoreduration)`, dbBlacklist{
		Path:           rec.File,
		LastTryEtag:    rec.LastTryEtag,
		LastTryModTime: toUnix(rec.LastTryModTime),
		RetryCount:     rec.RetryCount,
		ErrorString:    rec.ErrorString,
		LastTryTime:    toUnix(rec.LastTryTime),
		IgnoreDuration: int64(rec.IgnoreDuration / time.Second),
	})
	if err != nil {
		return fmt.Errorf("failed to update blacklist %s: %w", rec.File, err)
	}
	return nil
}

func (s *SyncJournal) WipeErrorBlacklistEntry(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.exec("DELETE FROM blacklist WHERE path = ?", path); err != nil {
		return fmt.Errorf("failed to wipe blacklist %s: %w", path, err)
	}
	return nil
}

// WipeErrorBlacklist forgets every entry so the next sync retries all of them.
func (s *SyncJournal) WipeErrorBlacklist() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.writer()
	if err != nil {
		return 0, err
	}
	res, err := w.Exec("DELETE FROM blacklist")
	if err != nil {
		return 0, fmt.Errorf("failed to wipe blacklist: %w", err)
	}
	return res.RowsAffected()
}
