package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/confidant-bot/confidant/internal/domain"

	_ "modernc.org/sqlite"
)

const maxWriteRetries = 3

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets the API read transcripts while turns are being written.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		channel_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		phase TEXT NOT NULL DEFAULT '',
		input TEXT NOT NULL,
		reply TEXT NOT NULL,
		crisis INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_key ON turns(channel_id, user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_turns_created ON turns(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordTurn inserts a turn. Missing ids and timestamps are filled in.
func (s *SQLiteStore) RecordTurn(ctx context.Context, turn domain.Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	query := `
	INSERT INTO turns (id, channel_id, user_id, kind, phase, input, reply, crisis, failed, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`

	return s.withRetry(ctx, "record turn", func() error {
		_, err := s.db.ExecContext(ctx, query,
			turn.ID, turn.Key.ChannelID, turn.Key.UserID,
			string(turn.Kind), string(turn.Phase), turn.Input, turn.Reply,
			boolToInt(turn.Crisis), boolToInt(turn.Failed),
			turn.CreatedAt.UnixMilli(),
		)
		return err
	})
}

// RecentTurns returns the latest turns for key, oldest first.
func (s *SQLiteStore) RecentTurns(ctx context.Context, key domain.SessionKey, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, channel_id, user_id, kind, phase, input, reply, crisis, failed, created_at
		FROM (
			SELECT rowid AS rid, id, channel_id, user_id, kind, phase, input, reply, crisis, failed, created_at
			FROM turns
			WHERE channel_id = ? AND user_id = ?
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, rid ASC`

	rows, err := s.db.QueryContext(ctx, query, key.ChannelID, key.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		var (
			t              domain.Turn
			kind, phase    string
			crisis, failed int
			createdAt      int64
		)
		if err := rows.Scan(&t.ID, &t.Key.ChannelID, &t.Key.UserID, &kind, &phase,
			&t.Input, &t.Reply, &crisis, &failed, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Kind = domain.TurnKind(kind)
		t.Phase = domain.Phase(phase)
		t.Crisis = crisis != 0
		t.Failed = failed != 0
		t.CreatedAt = time.UnixMilli(createdAt)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return turns, nil
}

// DeleteOlderThan removes turns created before cutoff.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.withRetry(ctx, "delete old turns", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE created_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// withRetry runs a write and retries SQLITE_BUSY and locked errors with
// exponential backoff.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if IsConflictError(err) {
			s.logger.Debug("SQLite write conflict, retrying", "op", op, "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, maxWriteRetries), ctx))
	if err != nil {
		return fmt.Errorf("%s after %d attempts: %w", op, attempt, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
