package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ekaya-inc/tap-loganalytics/pkg/config"
	"github.com/ekaya-inc/tap-loganalytics/pkg/logging"
)

func init() {
	Register(BackendRegistration{
		Info: BackendInfo{Name: "sqlite", Description: "Local SQLite database file"},
		Factory: func(ctx context.Context, cfg config.StateConfig, logger *zap.Logger) (Store, error) {
			return NewSQLiteStore(ctx, cfg.Path, logger)
		},
	})
}

// Bookmarks are compared by unix nanoseconds; the text column is for
// humans reading the file.
const sqliteSchema = `CREATE TABLE IF NOT EXISTS tap_bookmarks (
	stream TEXT PRIMARY KEY,
	replication_key_value TEXT NOT NULL,
	replication_key_nanos INTEGER NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

const sqliteUpsert = `INSERT INTO tap_bookmarks (stream, replication_key_value, replication_key_nanos, updated_at)
VALUES (?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT (stream) DO UPDATE SET
	replication_key_value = excluded.replication_key_value,
	replication_key_nanos = excluded.replication_key_nanos,
	updated_at = excluded.updated_at
WHERE excluded.replication_key_nanos > tap_bookmarks.replication_key_nanos`

// SQLiteStore keeps bookmarks in a SQLite database file.
type SQLiteStore struct {
	conn   *sql.DB
	logger *zap.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite state path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// SQLite has a single writer.
	conn.SetMaxOpenConns(1)

	if _, err := conn.ExecContext(ctx, sqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create bookmarks table: %w", err)
	}

	return &SQLiteStore{conn: conn, logger: logging.OrNop(logger).Named("state")}, nil
}

// Load reads all bookmarks.
func (s *SQLiteStore) Load(ctx context.Context) (State, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT stream, replication_key_nanos FROM tap_bookmarks`)
	if err != nil {
		return State{}, fmt.Errorf("failed to query bookmarks: %w", err)
	}
	defer rows.Close()

	st := New()
	for rows.Next() {
		var stream string
		var nanos int64
		if err := rows.Scan(&stream, &nanos); err != nil {
			return State{}, fmt.Errorf("failed to scan bookmark: %w", err)
		}
		st.Bookmarks[stream] = Bookmark{ReplicationKeyValue: FormatBookmark(time.Unix(0, nanos))}
	}
	if err := rows.Err(); err != nil {
		return State{}, fmt.Errorf("failed to read bookmarks: %w", err)
	}
	return st, nil
}

// Save upserts stream's bookmark unless the stored one is later.
func (s *SQLiteStore) Save(ctx context.Context, stream string, bookmark time.Time) error {
	bookmark = bookmark.UTC()
	if _, err := s.conn.ExecContext(ctx, sqliteUpsert, stream, FormatBookmark(bookmark), bookmark.UnixNano()); err != nil {
		return fmt.Errorf("failed to save bookmark for stream %q: %w", stream, err)
	}
	s.logger.Debug("Bookmark saved",
		zap.String("stream", stream),
		zap.Time("bookmark", bookmark))
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}
