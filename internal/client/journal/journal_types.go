package journal

import (
	"fmt"
	"time"
)

// InvalidEtag marks a directory whose cached etag must not be trusted by the next discovery.
const InvalidEtag = "_invalid_"

// ItemType is the kind of filesystem entry a record describes.
type ItemType int

const (
	ItemTypeFile      ItemType = 0
	ItemTypeSymlink   ItemType = 1
	ItemTypeDirectory ItemType = 2
)

func (t ItemType) String() string {
	switch t {
	case ItemTypeFile:
		return "file"
	case ItemTypeSymlink:
		return "symlink"
	case ItemTypeDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// FileRecord is the authoritative post-sync metadata of one path.
type FileRecord struct {
	Path    string
	Type    ItemType
	ModTime time.Time
	Size    int64
	ETag    string
	FileID  string
}

// UploadInfo is the resumable progress of a chunked upload.
// It is only meaningful while ModTime matches the local file.
type UploadInfo struct {
	Valid      bool
	Chunk      int
	TransferID uint32
	ModTime    time.Time
	Size       int64
	ErrorCount int
}

// DownloadInfo remembers the temporary file of an interrupted download.
type DownloadInfo struct {
	Valid      bool
	TmpFile    string
	ETag       string
	ErrorCount int
}

// PollInfo is a pending asynchronous server side completion.
// An empty URL means the entry should be removed.
type PollInfo struct {
	File    string
	URL     string
	ModTime time.Time
}

// ErrorBlacklistRecord tracks a path that keeps failing so it can be skipped for a while.
type ErrorBlacklistRecord struct {
	File           string
	RetryCount     int
	ErrorString    string
	LastTryModTime time.Time
	LastTryEtag    string
	LastTryTime    time.Time
	IgnoreDuration time.Duration
}

// IsValid reports whether the record carries anything worth persisting.
func (r *ErrorBlacklistRecord) IsValid() bool {
	return r != nil && r.File != "" && (r.LastTryEtag != "" || !r.LastTryModTime.IsZero()) && r.LastTryTime.Unix() > 0
}

// ---------------------------------------------------------------------------

// rows as stored in sqlite, times are unix seconds

type dbFileRecord struct {
	Path    string `db:"path"`
	Type    int    `db:"type"`
	ModTime int64  `db:"modtime"`
	Size    int64  `db:"size"`
	ETag    string `db:"etag"`
	FileID  string `db:"fileid"`
}

type dbUploadInfo struct {
	Path       string `db:"path"`
	Chunk      int    `db:"chunk"`
	TransferID int64  `db:"transferid"`
	ErrorCount int    `db:"errorcount"`
	Size       int64  `db:"size"`
	ModTime    int64  `db:"modtime"`
}

type dbDownloadInfo struct {
	Path       string `db:"path"`
	TmpFile    string `db:"tmpfile"`
	ETag       string `db:"etag"`
	ErrorCount int    `db:"errorcount"`
}

type dbPollInfo struct {
	Path     string `db:"path"`
	ModTime  int64  `db:"modtime"`
	PollPath string `db:"pollpath"`
}

type dbBlacklist struct {
	Path           string `db:"path"`
	LastTryEtag    string `db:"lasttryetag"`
	LastTryModTime int64  `db:"lasttrymodtime"`
	RetryCount     int    `db:"retrycount"`
	ErrorString    string `db:"errorstring"`
	LastTryTime    int64  `db:"lasttrytime"`
	IgnoreDuration int64  `db:"ignoreduration"`
}

func (row dbBlacklist) record() *ErrorBlacklistRecord {
	return &ErrorBlacklistRecord{
		File:           row.Path,
		RetryCount:     row.RetryCount,
		ErrorString:    row.ErrorString,
		LastTryModTime: unixOrZero(row.LastTryModTime),
		LastTryEtag:    row.LastTryEtag,
		LastTryTime:    unixOrZero(row.LastTryTime),
		IgnoreDuration: time.Duration(row.IgnoreDuration) * time.Second,
	}
}

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func (t ItemType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *ItemType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "file", "":
		*t = ItemTypeFile
	case "symlink":
		*t = ItemTypeSymlink
	case "directory", "dir":
		*t = ItemTypeDirectory
	default:
		return fmt.Errorf("unknown item type %q", string(b))
	}
	return nil
}
