package client

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/mailsense/realtime/errors"
	"github.com/mailsense/realtime/notification"
)

// Store persists notifications marked persistent plus the sync
// watermark. Failures here degrade durability, never delivery; the
// pipeline logs store errors and keeps going.
type Store interface {
	Save(ctx context.Context, n notification.Notification) error
	Load(ctx context.Context, limit int) ([]notification.Notification, error)
	Delete(ctx context.Context, id string) error
	Sweep(ctx context.Context, now time.Time, retention time.Duration) (int, error)
	Watermark(ctx context.Context) (time.Time, error)
	SetWatermark(ctx context.Context, t time.Time) error
	Close() error
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	priority   TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP,
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_created ON notifications(created_at);

CREATE TABLE IF NOT EXISTS sync_state (
	key       TEXT PRIMARY KEY,
	watermark TIMESTAMP NOT NULL
);
`

// SQLStore is the sqlite-backed Store. The row bound keeps local state
// small: saving beyond the bound deletes the oldest rows first.
type SQLStore struct {
	db     *sqlx.DB
	limit  int
	logger *slog.Logger
}

// NewSQLStore opens (or creates) the store at dsn. Use ":memory:" for
// an ephemeral store in tests.
func NewSQLStore(dsn string, limit int, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = 100
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "SQLStore", "New", "open database")
	}
	// sqlite serializes writers; a single connection avoids lock
	// contention errors under concurrent saves.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(storeSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "SQLStore", "New", "apply schema")
	}

	return &SQLStore{db: db, limit: limit, logger: logger}, nil
}

// Save stores one notification. Saving an id that already exists is a
// no-op, which makes replays across transports idempotent.
func (s *SQLStore) Save(ctx context.Context, n notification.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return errors.WrapInvalid(err, "SQLStore", "Save", "encode notification")
	}

	var expires any
	if n.ExpiresAt != nil {
		expires = n.ExpiresAt.UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO notifications (id, type, priority, created_at, expires_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, string(n.Type), string(n.Priority), n.Timestamp.UTC(), expires, string(payload))
	if err != nil {
		return errors.WrapTransient(err, "SQLStore", "Save", "insert notification")
	}

	return s.enforceBound(ctx)
}

func (s *SQLStore) enforceBound(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE id NOT IN (
			SELECT id FROM notifications ORDER BY created_at DESC LIMIT ?
		)`, s.limit)
	if err != nil {
		return errors.WrapTransient(err, "SQLStore", "Save", "enforce row bound")
	}
	return nil
}

// Load returns stored notifications, newest first.
func (s *SQLStore) Load(ctx context.Context, limit int) ([]notification.Notification, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}

	var payloads []string
	err := s.db.SelectContext(ctx, &payloads,
		`SELECT payload FROM notifications ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLStore", "Load", "select notifications")
	}

	notifications := make([]notification.Notification, 0, len(payloads))
	for _, raw := range payloads {
		var n notification.Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			s.logger.Warn("skipping corrupt stored notification", "error", err)
			continue
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}

// Delete removes one notification by id.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, id)
	if err != nil {
		return errors.WrapTransient(err, "SQLStore", "Delete", "delete notification")
	}
	return nil
}

// Sweep removes expired rows and rows older than the retention window.
func (s *SQLStore) Sweep(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	cutoff := now.Add(-retention).UTC()
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications
		 WHERE (expires_at IS NOT NULL AND expires_at < ?) OR created_at < ?`,
		now.UTC(), cutoff)
	if err != nil {
		return 0, errors.WrapTransient(err, "SQLStore", "Sweep", "delete expired rows")
	}
	removed, _ := result.RowsAffected()
	return int(removed), nil
}

// Watermark returns the timestamp of the last successfully processed
// notification, zero when none has been recorded.
func (s *SQLStore) Watermark(ctx context.Context) (time.Time, error) {
	var watermark time.Time
	err := s.db.GetContext(ctx, &watermark,
		`SELECT watermark FROM sync_state WHERE key = 'last_sync'`)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, errors.WrapTransient(err, "SQLStore", "Watermark", "select watermark")
	}
	return watermark, nil
}

// SetWatermark advances the sync watermark. Callers only invoke this
// after the corresponding notifications were fully processed, so a
// crash never skips entries.
func (s *SQLStore) SetWatermark(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_state (key, watermark) VALUES ('last_sync', ?)
		 ON CONFLICT(key) DO UPDATE SET watermark = excluded.watermark`,
		t.UTC())
	if err != nil {
		return errors.WrapTransient(err, "SQLStore", "SetWatermark", "upsert watermark")
	}
	return nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
