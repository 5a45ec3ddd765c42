package state

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/ekaya-inc/tap-loganalytics/pkg/config"
	"github.com/ekaya-inc/tap-loganalytics/pkg/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

func init() {
	Register(BackendRegistration{
		Info: BackendInfo{Name: "postgres", Description: "PostgreSQL table shared by many runners"},
		Factory: func(ctx context.Context, cfg config.StateConfig, logger *zap.Logger) (Store, error) {
			return NewPostgresStore(ctx, cfg.PostgresDSN(), logger)
		},
	})
}

// RunRecord summarizes one stream of one run.
type RunRecord struct {
	RunID            uuid.UUID
	Stream           string
	Status           string
	WindowsCompleted int
	RowsEmitted      int64
	Warnings         int
	Bookmark         *time.Time
	Error            string
}

// RunRecorder is implemented by stores that keep run history.
type RunRecorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

// PostgresStore keeps bookmarks in the tap_bookmarks table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var (
	_ Store       = (*PostgresStore)(nil)
	_ RunRecorder = (*PostgresStore)(nil)
)

// NewPostgresStore connects to dsn and applies pending migrations.
func NewPostgresStore(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	logger = logging.OrNop(logger).Named("state")

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if poolConfig.MaxConnIdleTime == 0 {
		poolConfig.MaxConnIdleTime = 5 * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database (%s): %w", logging.SanitizeDSN(dsn), err)
	}

	if err := RunMigrations(poolConfig.ConnConfig, logger); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// migrationStatementTimeout keeps a migration blocked on missing schema
// privileges from hanging forever.
const migrationStatementTimeout = "60000"

// RunMigrations applies the embedded migrations over a dedicated
// connection. It is idempotent.
func RunMigrations(connConfig *pgx.ConnConfig, logger *zap.Logger) error {
	logger = logging.OrNop(logger)

	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	cc := connConfig.Copy()
	if cc.RuntimeParams == nil {
		cc.RuntimeParams = map[string]string{}
	}
	cc.RuntimeParams["statement_timeout"] = migrationStatementTimeout
	db := stdlib.OpenDB(*cc)
	driver, err := migratepg.WithInstance(db, &migratepg.Config{MigrationsTable: "tap_schema_migrations"})
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			logger.Warn("Failed to close migration source", zap.Error(srcErr))
		}
		if dbErr != nil {
			logger.Warn("Failed to close migration database", zap.Error(dbErr))
		}
	}()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Debug("No state migrations to apply")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, _, _ := m.Version()
	logger.Info("Applied state migrations", zap.Uint("version", version))
	return nil
}

// Load reads all bookmarks.
func (p *PostgresStore) Load(ctx context.Context) (State, error) {
	rows, err := p.pool.Query(ctx, `SELECT stream, replication_key_value FROM tap_bookmarks`)
	if err != nil {
		return State{}, fmt.Errorf("failed to query bookmarks: %w", err)
	}
	defer rows.Close()

	st := New()
	for rows.Next() {
		var stream string
		var value time.Time
		if err := rows.Scan(&stream, &value); err != nil {
			return State{}, fmt.Errorf("failed to scan bookmark: %w", err)
		}
		st.Bookmarks[stream] = Bookmark{ReplicationKeyValue: FormatBookmark(value)}
	}
	if err := rows.Err(); err != nil {
		return State{}, fmt.Errorf("failed to read bookmarks: %w", err)
	}
	return st, nil
}

// Save upserts stream's bookmark; GREATEST keeps concurrent writers from
// moving it backwards.
func (p *PostgresStore) Save(ctx context.Context, stream string, bookmark time.Time) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO tap_bookmarks (stream, replication_key_value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (stream) DO UPDATE SET
			replication_key_value = GREATEST(tap_bookmarks.replication_key_value, EXCLUDED.replication_key_value),
			updated_at = now()`,
		stream, bookmark.UTC())
	if err != nil {
		return fmt.Errorf("failed to save bookmark for stream %q: %w", stream, err)
	}
	p.logger.Debug("Bookmark saved",
		zap.String("stream", stream),
		zap.Time("bookmark", bookmark))
	return nil
}

// RecordRun stores the outcome of one stream of one run.
func (p *PostgresStore) RecordRun(ctx context.Context, rec RunRecord) error {
	var errText *string
	if rec.Error != "" {
		errText = &rec.Error
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO tap_stream_runs (run_id, stream, status, windows_completed, rows_emitted, warnings, bookmark, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, stream) DO NOTHING`,
		rec.RunID, rec.Stream, rec.Status, rec.WindowsCompleted, rec.RowsEmitted, rec.Warnings, rec.Bookmark, errText)
	if err != nil {
		return fmt.Errorf("failed to record run for stream %q: %w", rec.Stream, err)
	}
	return nil
}

// Close closes the pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
