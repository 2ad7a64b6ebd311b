// Package db opens the sqlite databases used for client side state.
package db

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/swissdisk/swissdisk/internal/utils"
)

const memoryPath = ":memory:"

// The sync journal sees short bursts of small writes from several transfer goroutines.
const defaultPragma = `
PRAGMA journal_mode=WAL;
PRAGMA synchronous=NORMAL;
PRAGMA temp_store=MEMORY;
PRAGMA cache_size=4000;
`

// ErrCorrupt is returned when an existing database fails to open or its
// integrity check fails. Callers usually move the file aside and start over.
var ErrCorrupt = errors.New("db: database is corrupt")

type options struct {
	path          string
	pragmas       string
	busyTimeout   time.Duration
	maxOpenConns  int
	quickCheck    bool
	schemaVersion int
	schema        string
}

// SqliteOption configures NewSqliteDB
type SqliteOption func(*options)

// WithPath sets the database file, ":memory:" keeps it in memory
func WithPath(path string) SqliteOption {
	return func(o *options) {
		o.path = path
	}
}

// WithPragmas replaces the default pragma block
func WithPragmas(pragmas string) SqliteOption {
	return func(o *options) {
		o.pragmas = pragmas
	}
}

func WithBusyTimeout(d time.Duration) SqliteOption {
	return func(o *options) {
		o.busyTimeout = d
	}
}

func WithMaxOpenConns(n int) SqliteOption {
	return func(o *options) {
		o.maxOpenConns = n
	}
}

// WithQuickCheck runs PRAGMA quick_check before anything else touches the file.
func WithQuickCheck() SqliteOption {
	return func(o *options) {
		o.quickCheck = true
	}
}

// WithSchema applies ddl when the stored user_version is below version, then
// stores version. The ddl must be safe to run on an older schema.
func WithSchema(version int, ddl string) SqliteOption {
	return func(o *options) {
		o.schemaVersion = version
		o.schema = ddl
	}
}

// NewSqliteDB connects to a sqlite database, checks it and applies the pragmas and schema.
func NewSqliteDB(opts ...SqliteOption) (*sqlx.DB, error) {
	o := &options{
		path:        memoryPath,
		pragmas:     defaultPragma,
		busyTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}

	dsn := memoryPath
	existing := false
	if o.path != memoryPath {
		if err := utils.EnsureParent(o.path); err != nil {
			return nil, fmt.Errorf("ensure parent directory: %w", err)
		}
		existing = utils.FileExists(o.path)
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", o.path)
	}

	slog.Debug("db", "driver", driverID, "path", o.path, "existing", existing)
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		if existing && o.quickCheck {
			return nil, fmt.Errorf("%w: connect: %v", ErrCorrupt, err)
		}
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if o.maxOpenConns > 0 {
		db.SetMaxOpenConns(o.maxOpenConns)
		db.SetMaxIdleConns(o.maxOpenConns)
	}

	if o.quickCheck {
		if err := quickCheck(db); err != nil {
			db.Close()
			return nil, err
		}
	}

	pragmas := o.pragmas
	if o.busyTimeout > 0 {
		pragmas += fmt.Sprintf("\nPRAGMA busy_timeout=%d;", o.busyTimeout.Milliseconds())
	}
	if _, err := db.Exec(pragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	if o.schema != "" {
		if err := migrate(db, o.schemaVersion, o.schema); err != nil {
			db.Close()
			return nil, err
		}
	}

	return db, nil
}

func quickCheck(db *sqlx.DB) error {
	var result string
	if err := db.Get(&result, "PRAGMA quick_check;"); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrCorrupt, result)
	}
	return nil
}

func migrate(db *sqlx.DB, version int, ddl string) error {
	var current int
	if err := db.Get(&current, "PRAGMA user_version;"); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current >= version {
		return nil
	}

	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("begin schema update: %w", err)
	}
	if _, err := tx.Exec(ddl); err != nil {
		tx.Rollback()
		return fmt.Errorf("apply schema v%d: %w", version, err)
	}
	// PRAGMA does not take bind parameters
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", version)); err != nil {
		tx.Rollback()
		return fmt.Errorf("store schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema v%d: %w", version, err)
	}

	slog.Debug("db schema updated", "from", current, "to", version)
	return nil
}
