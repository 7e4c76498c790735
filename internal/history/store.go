// Package history records the messages seen and sent on each transport so the
// context assembler can read a chat back, newest first. Transports whose APIs
// offer no history endpoint (WhatsApp Cloud API, Telegram Bot API) use it as
// their FetchHistory backend.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"relaybot/internal/domain"
)

// DefaultDSN keeps the history in process memory.
const DefaultDSN = "file:relaybot?mode=memory&cache=shared"

// SQLiteStore stores chat messages in SQLite.
type SQLiteStore struct {
	db         *sql.DB
	maxPerChat int
	logger     *slog.Logger
}

func NewSQLiteStore(dsn string, maxPerChat int, logger *slog.Logger) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open history database: %w", err)
	}

	// One connection: an in-memory database lives as long as its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure history database: %w", err)
	}
	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("history migration failed: %w", err)
	}
	return &SQLiteStore{db: db, maxPerChat: maxPerChat, logger: logger}, nil
}

// Record stores msg for channel. Recording the same message id twice updates it.
func (s *SQLiteStore) Record(ctx context.Context, channel string, msg domain.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (channel, message_id, chat_id, sender, sender_name, sent_at, body, type, from_self, has_media, media_ref, mime_type)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel, message_id) DO UPDATE SET
			body = excluded.body,
			has_media = excluded.has_media,
			media_ref = excluded.media_ref,
			mime_type = excluded.mime_type`,
		channel, msg.ID, msg.ChatID, msg.Sender, msg.SenderName, msg.Timestamp.UnixNano(),
		msg.Body, string(msg.Type), msg.FromSelf, msg.HasMedia, msg.MediaRef, msg.MimeType,
	)
	if err != nil {
		return fmt.Errorf("record message %s: %w", msg.ID, err)
	}
	if s.maxPerChat > 0 {
		s.prune(ctx, channel, msg.ChatID)
	}
	return nil
}

// prune keeps the newest maxPerChat messages of a chat.
func (s *SQLiteStore) prune(ctx context.Context, channel, chatID string) {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE channel = ? AND chat_id = ? AND seq NOT IN (
			SELECT seq FROM messages WHERE channel = ? AND chat_id = ?
			ORDER BY sent_at DESC, seq DESC LIMIT ?
		)`,
		channel, chatID, channel, chatID, s.maxPerChat,
	)
	if err != nil {
		s.logger.Warn("history prune failed", "channel", channel, "chat", chatID, "err", err)
	}
}

// Recent returns up to limit messages of a chat, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, channel, chatID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, chat_id, sender, sender_name, sent_at, body, type, from_self, has_media, media_ref, mime_type
		 FROM messages WHERE channel = ? AND chat_id = ?
		 ORDER BY sent_at DESC, seq DESC LIMIT ?`,
		channel, chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history of %s: %w", chatID, err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var (
			m      domain.Message
			sentAt int64
			typ    string
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Sender, &m.SenderName, &sentAt, &m.Body, &typ,
			&m.FromSelf, &m.HasMedia, &m.MediaRef, &m.MimeType); err != nil {
			return nil, err
		}
		m.Timestamp = time.Unix(0, sentAt)
		m.Type = domain.MessageType(typ)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Count returns the number of stored messages for channel.
func (s *SQLiteStore) Count(ctx context.Context, channel string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE channel = ?`, channel).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
