package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/RichardoC/Pad-i/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    tier TEXT NOT NULL DEFAULT 'anonymous',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS threads (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT,
    model TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS threads_user_created ON threads(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT NOT NULL,
    thread_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (thread_id, id),
    FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS daily_usage (
    user_id TEXT NOT NULL,
    day TEXT NOT NULL,
    used INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (user_id, day)
);`

type Database struct {
	db  *sql.DB
	now func() time.Time
}

func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY between goroutines.
	db.SetMaxOpenConns(1)

	return &Database{db: db, now: time.Now}, nil
}

func (db *Database) Close() error {
	return db.db.Close()
}

func (db *Database) EnsureUser(ctx context.Context, id string) error {
	_, err := db.db.ExecContext(ctx, `INSERT INTO users (id) VALUES (?) ON CONFLICT(id) DO NOTHING`, id)
	return err
}

// ResolveTier returns the user's tier, creating an anonymous user on first sight.
func (db *Database) ResolveTier(ctx context.Context, userID string) (string, error) {
	if err := db.EnsureUser(ctx, userID); err != nil {
		return "", err
	}
	var tier string
	err := db.db.QueryRowContext(ctx, `SELECT tier FROM users WHERE id = ?`, userID).Scan(&tier)
	return tier, err
}

func (db *Database) SetTier(ctx context.Context, userID, tier string) error {
	if err := db.EnsureUser(ctx, userID); err != nil {
		return err
	}
	_, err := db.db.ExecContext(ctx, `UPDATE users SET tier = ? WHERE id = ?`, tier, userID)
	return err
}

func (db *Database) CreateThread(ctx context.Context, id, model, ownerID string) (models.Thread, error) {
	if err := db.EnsureUser(ctx, ownerID); err != nil {
		return models.Thread{}, fmt.Errorf("failed to ensure user: %w", err)
	}

	now := db.now().UTC()
	_, err := db.db.ExecContext(ctx, `
        INSERT INTO threads (id, user_id, title, model, created_at, updated_at)
        VALUES (?, ?, NULL, ?, ?, ?)`,
		id, ownerID, model, now, now)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return models.Thread{}, fmt.Errorf("thread %s: %w", id, ErrConflict)
		}
		return models.Thread{}, err
	}

	return models.Thread{
		ID:        id,
		Model:     model,
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (db *Database) UpdateThreadTitle(ctx context.Context, id, title string) error {
	return db.updateThread(ctx, "UPDATE threads SET title = ?, updated_at = ? WHERE id = ?", title, id)
}

func (db *Database) UpdateThreadModel(ctx context.Context, id, model string) error {
	return db.updateThread(ctx, "UPDATE threads SET model = ?, updated_at = ? WHERE id = ?", model, id)
}

func (db *Database) updateThread(ctx context.Context, query, value, id string) error {
	res, err := db.db.ExecContext(ctx, query, value, db.now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return nil
}

func (db *Database) DeleteThread(ctx context.Context, id string) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Delete messages
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE thread_id = ?", id); err != nil {
		return err
	}

	// Delete thread
	res, err := tx.ExecContext(ctx, "DELETE FROM threads WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}

	return tx.Commit()
}

func (db *Database) GetThread(ctx context.Context, id string) (models.Thread, error) {
	row := db.db.QueryRowContext(ctx, `
        SELECT id, user_id, title, model, created_at, updated_at
        FROM threads
        WHERE id = ?`, id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Thread{}, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (db *Database) ListThreads(ctx context.Context, ownerID string) ([]models.Thread, error) {
	query := `
        SELECT id, user_id, title, model, created_at, updated_at
        FROM threads
        WHERE user_id = ?
        ORDER BY created_at DESC`

	rows, err := db.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return []models.Thread{}, err
	}
	defer rows.Close()

	threads := make([]models.Thread, 0)
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return []models.Thread{}, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanThread(s scanner) (models.Thread, error) {
	var (
		t     models.Thread
		title sql.NullString
	)
	if err := s.Scan(&t.ID, &t.OwnerID, &title, &t.Model, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return models.Thread{}, err
	}
	if title.Valid {
		t.Title = models.StringPtr(title.String)
	}
	return t, nil
}

func (db *Database) FetchMessages(ctx context.Context, threadID string) ([]models.Message, error) {
	rows, err := db.db.QueryContext(ctx, `
        SELECT content
        FROM messages
        WHERE thread_id = ?
        ORDER BY position ASC`, threadID)
	if err != nil {
		return []models.Message{}, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return []models.Message{}, err
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return []models.Message{}, fmt.Errorf("failed to decode message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ReplaceMessages swaps the thread's whole message set for msgs.
func (db *Database) ReplaceMessages(ctx context.Context, threadID string, msgs []models.Message) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT 1 FROM threads WHERE id = ?", threadID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE thread_id = ?", threadID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO messages (id, thread_id, position, content, created_at)
        VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := db.now().UTC()
	for i, msg := range msgs {
		msg.ThreadID = threadID
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		content, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, msg.ID, threadID, i, string(content), msg.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
		}
	}

	return tx.Commit()
}

func (db *Database) DailyCount(ctx context.Context, userID, day string) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx,
		"SELECT used FROM daily_usage WHERE user_id = ? AND day = ?", userID, day).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

func (db *Database) IncrementDaily(ctx context.Context, userID, day string, limit int) (bool, error) {
	res, err := db.db.ExecContext(ctx, `
        INSERT INTO daily_usage (user_id, day, used) VALUES (?, ?, 1)
        ON CONFLICT(user_id, day) DO UPDATE SET used = used + 1 WHERE used < ?`,
		userID, day, limit)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
