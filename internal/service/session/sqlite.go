package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	model "github.com/zhouzirui/memorial-call/backend/internal/model/session"
	"github.com/zhouzirui/memorial-call/backend/internal/service/session/migrations"
	"github.com/zhouzirui/memorial-call/backend/pkg/sqlitemigrate"
)

// SQLiteStore persists sessions in a single SQLite table so that several
// orchestrator processes on one host can share session state.
type SQLiteStore struct {
	sqlDB *sql.DB
	opts  Options
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLite opens (or creates) the store at path and applies migrations.
func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(ctx, sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB, opts: opts.withDefaults()}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLiteStore) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// Create inserts a new INITIALIZING session.
func (s *SQLiteStore) Create(ctx context.Context, contactName string, memorialRef, ownerID int64) (*model.Session, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	sess := newSession(contactName, memorialRef, ownerID, s.opts)
	data, err := Encode(sess)
	if err != nil {
		return nil, err
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO call_sessions (session_key, owner_id, payload, revision, expires_at, last_activity_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.Key, sess.OwnerID, data, sess.Revision,
		toMillis(sess.ExpiresAt), toMillis(sess.LastActivityAt), toMillis(sess.CreatedAt),
	)
	if err != nil {
		if isPrimaryKeyViolation(err) {
			return nil, fmt.Errorf("session key collision: %s", sess.Key)
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// Save performs a compare-and-swap on the revision column.
func (s *SQLiteStore) Save(ctx context.Context, sess *model.Session) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if sess == nil || sess.Key == "" {
		return fmt.Errorf("save session: key is required")
	}
	now := s.opts.Now().UTC()

	next := sess.Clone()
	next.Revision = sess.Revision + 1
	next.ExpiresAt = now.Add(s.opts.TTL)
	next.LastActivityAt = now
	data, err := Encode(next)
	if err != nil {
		return err
	}

	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE call_sessions
SET payload = ?, revision = ?, expires_at = ?, last_activity_at = ?
WHERE session_key = ? AND revision = ? AND expires_at > ?`,
		data, next.Revision, toMillis(next.ExpiresAt), toMillis(now),
		sess.Key, sess.Revision, toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if affected == 0 {
		var found int
		err := s.sqlDB.QueryRowContext(ctx,
			"SELECT 1 FROM call_sessions WHERE session_key = ? AND expires_at > ?",
			sess.Key, toMillis(now),
		).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		return model.ErrConflict
	}

	sess.Revision = next.Revision
	sess.ExpiresAt = next.ExpiresAt
	sess.LastActivityAt = now
	return nil
}

// Get reads key straight from the table; forceRefresh only matters to
// caching wrappers.
func (s *SQLiteStore) Get(ctx context.Context, key string, _ bool) (*model.Session, bool, error) {
	if err := s.ready(ctx); err != nil {
		return nil, false, err
	}
	var (
		data           []byte
		revision       int64
		expiresAt      int64
		lastActivityAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT payload, revision, expires_at, last_activity_at FROM call_sessions WHERE session_key = ?",
		key,
	).Scan(&data, &revision, &expiresAt, &lastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get session: %w", err)
	}

	if expiresAt <= toMillis(s.opts.Now()) {
		s.deleteIfRevision(ctx, key, revision)
		return nil, false, nil
	}
	sess, err := Decode(data)
	if err != nil {
		if errors.Is(err, model.ErrSerialization) {
			s.opts.Logger.WithError(err).WithField("session", key).Warn("discarding unreadable session record")
			s.deleteIfRevision(ctx, key, revision)
			return nil, false, nil
		}
		return nil, false, err
	}
	sess.Revision = revision
	sess.ExpiresAt = fromMillis(expiresAt)
	sess.LastActivityAt = fromMillis(lastActivityAt)
	return sess, true, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM call_sessions WHERE session_key = ?", key); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListActive returns every unexpired, readable session ordered by creation.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]*model.Session, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT session_key FROM call_sessions WHERE expires_at > ? ORDER BY created_at, session_key",
		toMillis(s.opts.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan session key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	_ = rows.Close()

	out := make([]*model.Session, 0, len(keys))
	for _, key := range keys {
		sess, ok, err := s.Get(ctx, key, false)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, sess)
		}
	}
	return out, nil
}

// ExtendTTL resets the TTL of a live record to the full window.
func (s *SQLiteStore) ExtendTTL(ctx context.Context, key string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	now := s.opts.Now().UTC()
	res, err := s.sqlDB.ExecContext(ctx,
		"UPDATE call_sessions SET expires_at = ?, last_activity_at = ? WHERE session_key = ? AND expires_at > ?",
		toMillis(now.Add(s.opts.TTL)), toMillis(now), key, toMillis(now),
	)
	if err != nil {
		return false, fmt.Errorf("extend session ttl: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend session ttl: %w", err)
	}
	return affected > 0, nil
}

// CleanupExpired deletes every row whose TTL lapsed.
func (s *SQLiteStore) CleanupExpired(ctx context.Context) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	res, err := s.sqlDB.ExecContext(ctx, "DELETE FROM call_sessions WHERE expires_at <= ?", toMillis(s.opts.Now()))
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	return int(affected), nil
}

func (s *SQLiteStore) deleteIfRevision(ctx context.Context, key string, revision int64) {
	if _, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM call_sessions WHERE session_key = ? AND revision = ?", key, revision,
	); err != nil {
		s.opts.Logger.WithError(err).WithField("session", key).Warn("failed to drop stale session row")
	}
}

func isPrimaryKeyViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var (
	_ model.Store = (*SQLiteStore)(nil)
	_ model.Store = (*MemoryStore)(nil)
)
