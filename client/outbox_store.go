package client

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/founditure/realtime/internal/protocol"
)

// MemoryOutboxStore loses its entries when the process exits.
type MemoryOutboxStore struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryOutboxStore() *MemoryOutboxStore {
	return &MemoryOutboxStore{}
}

func (s *MemoryOutboxStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryOutboxStore) Peek(context.Context) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		return Entry{}, ErrEmpty
	}
	return s.entries[0], nil
}

func (s *MemoryOutboxStore) Remove(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if e.Token == token {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryOutboxStore) IncrementAttempts(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if s.entries[i].Token == token {
			s.entries[i].Attempts++
		}
	}
	return nil
}

func (s *MemoryOutboxStore) List(context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *MemoryOutboxStore) Close() error { return nil }

// SQLiteOutboxStore keeps the outbox on disk so queued messages survive an
// app restart.
type SQLiteOutboxStore struct {
	db *sql.DB
}

// NewSQLiteOutboxStore opens or creates the database at dbPath.
// If dbPath is empty, defaults to "./data/outbox.db".
func NewSQLiteOutboxStore(ctx context.Context, dbPath string) (*SQLiteOutboxStore, error) {
	if dbPath == "" {
		dbPath = "./data/outbox.db"
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases shared and writes ordered.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteOutboxStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteOutboxStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		token TEXT UNIQUE NOT NULL,
		frame_type TEXT NOT NULL,
		payload BLOB NOT NULL,
		enqueued_at DATETIME NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteOutboxStore) Append(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (token, frame_type, payload, enqueued_at, attempts)
		VALUES (?, ?, ?, ?, ?)
	`, e.Token, string(e.Type), []byte(e.Payload), e.EnqueuedAt.UTC(), e.Attempts)
	return err
}

func (s *SQLiteOutboxStore) Peek(ctx context.Context) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token, frame_type, payload, enqueued_at, attempts
		FROM outbox ORDER BY seq LIMIT 1
	`)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrEmpty
	}
	return e, err
}

func (s *SQLiteOutboxStore) Remove(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE token = ?`, token)
	return err
}

func (s *SQLiteOutboxStore) IncrementAttempts(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE token = ?`, token)
	return err
}

func (s *SQLiteOutboxStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, frame_type, payload, enqueued_at, attempts
		FROM outbox ORDER BY seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteOutboxStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e         Entry
		frameType string
		payload   []byte
		enqueued  time.Time
	)
	if err := row.Scan(&e.Token, &frameType, &payload, &enqueued, &e.Attempts); err != nil {
		return Entry{}, err
	}
	e.Type = protocol.FrameType(frameType)
	e.Payload = payload
	e.EnqueuedAt = enqueued.UTC()
	return e, nil
}
