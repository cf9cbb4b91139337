package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/founditure/realtime/internal/chat"
	"github.com/founditure/realtime/internal/delivery"
	"github.com/founditure/realtime/internal/thread"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	sender_id         TEXT NOT NULL,
	recipient_id      TEXT NOT NULL,
	thread_id         TEXT NOT NULL,
	context_ref       TEXT NOT NULL DEFAULT '',
	content           TEXT NOT NULL,
	type              TEXT NOT NULL,
	status            TEXT NOT NULL,
	sent_at           TIMESTAMPTZ NOT NULL,
	delivered_at      TIMESTAMPTZ,
	read_at           TIMESTAMPTZ,
	idempotency_token TEXT NOT NULL,
	UNIQUE (sender_id, idempotency_token)
);

CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, sent_at);
CREATE INDEX IF NOT EXISTS idx_messages_pending ON messages(recipient_id, status, sent_at);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id);
`

const messageColumns = `id, sender_id, recipient_id, thread_id, context_ref, content, type, status,
	sent_at, delivered_at, read_at, idempotency_token`

// PostgresStore persists messages in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and creates the schema if needed.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate messages schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Save(ctx context.Context, msg *chat.Message) (*chat.Message, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (sender_id, idempotency_token) DO NOTHING
		RETURNING `+messageColumns,
		msg.ID, msg.SenderID, msg.RecipientID, msg.ThreadID, msg.ContextRef, msg.Content,
		string(msg.Type), string(msg.Status), msg.SentAt.UTC(), msg.DeliveredAt, msg.ReadAt, msg.IdempotencyToken,
	)
	saved, err := scanMessage(row)
	if errors.Is(err, ErrNotFound) {
		return s.FindByIdempotencyToken(ctx, msg.SenderID, msg.IdempotencyToken)
	}
	return saved, err
}

func (s *PostgresStore) FindByIdempotencyToken(ctx context.Context, senderID, token string) (*chat.Message, error) {
	return scanMessage(s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages WHERE sender_id = $1 AND idempotency_token = $2
	`, senderID, token))
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*chat.Message, error) {
	return scanMessage(s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE id = $1
	`, id))
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status delivery.Status, at time.Time) (*chat.Message, bool, error) {
	var (
		msg     *chat.Message
		changed bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		msg, err = scanMessage(tx.QueryRow(ctx, `
			SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE
		`, id))
		if err != nil {
			return err
		}
		if changed, err = msg.Apply(status, at); err != nil || !changed {
			return err
		}
		return writeState(ctx, tx, msg)
	})
	return msg, changed, err
}

func (s *PostgresStore) Delete(ctx context.Context, id, by string, at time.Time) (*chat.Message, error) {
	var msg *chat.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		msg, err = scanMessage(tx.QueryRow(ctx, `
			SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE
		`, id))
		if err != nil {
			return err
		}
		if msg.SenderID != by {
			msg = nil
			return ErrNotSender
		}
		changed, err := msg.Apply(delivery.StatusDeleted, at)
		if err != nil || !changed {
			return err
		}
		return writeState(ctx, tx, msg)
	})
	return msg, err
}

func (s *PostgresStore) ListThread(ctx context.Context, userID, otherUserID, contextRef string, limit int) ([]chat.Message, error) {
	threadID, err := thread.Resolve(userID, otherUserID, contextRef)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE thread_id = $1
			ORDER BY sent_at DESC, id DESC
			LIMIT $2
		) recent ORDER BY sent_at ASC, id ASC
	`, threadID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (s *PostgresStore) ListPending(ctx context.Context, recipientID string, after Cursor, limit int) ([]chat.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE recipient_id = $1 AND status = $2 AND (sent_at, id) > ($3, $4)
		ORDER BY sent_at ASC, id ASC
		LIMIT $5
	`, recipientID, string(delivery.StatusSent), after.SentAt.UTC(), after.ID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (s *PostgresStore) ListThreads(ctx context.Context, userID string) ([]chat.Thread, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (m.thread_id) `+prefixed("m")+`,
			(SELECT COUNT(*) FROM messages u
			 WHERE u.thread_id = m.thread_id AND u.recipient_id = $1 AND u.status IN ($2, $3)) AS unread
		FROM messages m
		WHERE m.sender_id = $1 OR m.recipient_id = $1
		ORDER BY m.thread_id, m.sent_at DESC, m.id DESC
	`, userID, string(delivery.StatusSent), string(delivery.StatusDelivered))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []chat.Thread
	for rows.Next() {
		var unreadCount int
		msg, err := scan(rows, &unreadCount)
		if err != nil {
			return nil, err
		}
		key, err := thread.Parse(msg.ThreadID)
		if err != nil {
			continue
		}
		threads = append(threads, chat.Thread{
			ID:           msg.ThreadID,
			Participants: [2]string{key.A, key.B},
			ContextRef:   key.ContextRef,
			LastActivity: msg.SentAt,
			Unread:       unreadCount,
			LastMessage:  msg,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortThreads(threads)
	return threads, nil
}

func (s *PostgresStore) MarkThreadRead(ctx context.Context, userID, threadID string, at time.Time) ([]chat.Message, error) {
	var changed []chat.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE thread_id = $1 AND recipient_id = $2 AND status IN ($3, $4)
			ORDER BY sent_at ASC, id ASC
			FOR UPDATE
		`, threadID, userID, string(delivery.StatusSent), string(delivery.StatusDelivered))
		if err != nil {
			return err
		}
		msgs, err := collectMessages(rows)
		if err != nil {
			return err
		}
		for i := range msgs {
			ok, err := msgs[i].Apply(delivery.StatusRead, at)
			if err != nil || !ok {
				continue
			}
			if err := writeState(ctx, tx, &msgs[i]); err != nil {
				return err
			}
			changed = append(changed, msgs[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func writeState(ctx context.Context, tx pgx.Tx, msg *chat.Message) error {
	_, err := tx.Exec(ctx, `
		UPDATE messages SET status = $2, content = $3, delivered_at = $4, read_at = $5
		WHERE id = $1
	`, msg.ID, string(msg.Status), msg.Content, msg.DeliveredAt, msg.ReadAt)
	return err
}

func prefixed(alias string) string {
	return alias + ".id, " + alias + ".sender_id, " + alias + ".recipient_id, " + alias + ".thread_id, " +
		alias + ".context_ref, " + alias + ".content, " + alias + ".type, " + alias + ".status, " +
		alias + ".sent_at, " + alias + ".delivered_at, " + alias + ".read_at, " + alias + ".idempotency_token"
}

func scanMessage(row pgx.Row) (*chat.Message, error) {
	msg, err := scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

func scan(row pgx.Row, extra ...any) (*chat.Message, error) {
	var (
		msg         chat.Message
		msgType     string
		status      string
		deliveredAt *time.Time
		readAt      *time.Time
	)
	dest := []any{
		&msg.ID, &msg.SenderID, &msg.RecipientID, &msg.ThreadID, &msg.ContextRef, &msg.Content,
		&msgType, &status, &msg.SentAt, &deliveredAt, &readAt, &msg.IdempotencyToken,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	msg.Type = chat.MessageType(msgType)
	msg.Status = delivery.Status(status)
	msg.SentAt = msg.SentAt.UTC()
	if deliveredAt != nil {
		t := deliveredAt.UTC()
		msg.DeliveredAt = &t
	}
	if readAt != nil {
		t := readAt.UTC()
		msg.ReadAt = &t
	}
	return &msg, nil
}

func collectMessages(rows pgx.Rows) ([]chat.Message, error) {
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		msg, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}
