package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/eleven-am/pondchat/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/pondchat.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/pondchat.db"
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL DEFAULT 'dm',
		name TEXT DEFAULT '',
		last_message TEXT DEFAULT '',
		last_message_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		PRIMARY KEY (conversation_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		sender_username TEXT DEFAULT '',
		sender_avatar TEXT DEFAULT '',
		content TEXT NOT NULL,
		reply_id TEXT,
		reply_content TEXT,
		reply_sender_name TEXT,
		created_at DATETIME NOT NULL,
		deleted INTEGER DEFAULT 0,
		deleted_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS message_reads (
		message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		read_at DATETIME NOT NULL,
		PRIMARY KEY (message_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS presence (
		user_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		last_seen DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_participants_user ON conversation_participants(user_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sqliteMessageColumns = `
	id, conversation_id, sender_id, sender_username, sender_avatar, content,
	reply_id, reply_content, reply_sender_name, created_at, deleted, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var replyID, replyContent, replyName sql.NullString
	var deletedAt sql.NullTime
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.Sender.ID,
		&msg.Sender.Username,
		&msg.Sender.Avatar,
		&msg.Content,
		&replyID,
		&replyContent,
		&replyName,
		&msg.CreatedAt,
		&msg.Deleted,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}
	if replyID.Valid {
		msg.ReplyTo = &models.ReplyRef{ID: replyID.String, Content: replyContent.String, SenderName: replyName.String}
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		msg.DeletedAt = &t
	}
	return msg, nil
}

// InsertMessage stores a message and its initial readers in one transaction.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	stored := prepareMessage(msg, ulid.Make().String(), time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var replyID, replyContent, replyName any
	if stored.ReplyTo != nil {
		replyID, replyContent, replyName = stored.ReplyTo.ID, stored.ReplyTo.Content, stored.ReplyTo.SenderName
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, sender_username, sender_avatar, content,
			reply_id, reply_content, reply_sender_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, stored.ID, stored.ConversationID, stored.Sender.ID, stored.Sender.Username, stored.Sender.Avatar,
		stored.Content, replyID, replyContent, replyName, stored.CreatedAt)
	if err != nil {
		return nil, err
	}

	for _, reader := range stored.ReadBy {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO message_reads (message_id, user_id, read_at) VALUES (?, ?, ?)
		`, stored.ID, reader, stored.CreatedAt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stored, nil
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanSQLiteMessage(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteMessageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := s.loadReaders(ctx, []*models.Message{msg}); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns a page of a conversation, newest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, page, limit int) ([]*models.Message, models.Pagination, error) {
	page, limit = NormalizePage(page, limit)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&total); err != nil {
		return nil, models.Pagination{}, err
	}
	pagination := models.NewPagination(page, limit, total)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteMessageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, conversationID, limit, pagination.Skip())
	if err != nil {
		return nil, pagination, err
	}
	defer rows.Close()

	msgs := make([]*models.Message, 0, limit)
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, pagination, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, pagination, err
	}

	if err := s.loadReaders(ctx, msgs); err != nil {
		return nil, pagination, err
	}
	return msgs, pagination, nil
}

func (s *SQLiteStore) loadReaders(ctx context.Context, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	index := make(map[string]*models.Message, len(msgs))
	args := make([]any, 0, len(msgs))
	for _, m := range msgs {
		index[m.ID] = m
		m.ReadBy = []string{}
		args = append(args, m.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(msgs)), ",")

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_id FROM message_reads
		WHERE message_id IN (`+placeholders+`)
		ORDER BY read_at, user_id
	`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, userID string
		if err := rows.Scan(&messageID, &userID); err != nil {
			return err
		}
		if m, ok := index[messageID]; ok {
			m.ReadBy = append(m.ReadBy, userID)
		}
	}
	return rows.Err()
}

// MarkRead adds userID to every message of the conversation it has not read.
func (s *SQLiteStore) MarkRead(ctx context.Context, conversationID, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_reads (message_id, user_id, read_at)
		SELECT id, ?, ? FROM messages WHERE conversation_id = ?
	`, userID, time.Now().UTC(), conversationID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// UnreadCount counts messages in the conversation userID neither sent nor read.
func (s *SQLiteStore) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages m
		WHERE m.conversation_id = ? AND m.sender_id <> ?
		AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?)
	`, conversationID, userID, userID).Scan(&count)
	return count, err
}

// SoftDelete replaces the content of a message sent by userID.
func (s *SQLiteStore) SoftDelete(ctx context.Context, messageID, userID string) (*models.Message, error) {
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Sender.ID != userID {
		return nil, ErrForbidden
	}
	if msg.Deleted {
		return msg, nil
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = ?, deleted = 1, deleted_at = ? WHERE id = ? AND deleted = 0
	`, models.DeletedContent, now, messageID); err != nil {
		return nil, err
	}
	return s.GetMessage(ctx, messageID)
}

// CreateConversation creates a conversation with its participants.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, error) {
	id := conv.ID
	if id == "" {
		id = ulid.Make().String()
	}
	kind := conv.Type
	if kind == "" {
		kind = models.ConversationDM
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, type, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
	`, id, string(kind), conv.Name, now, now); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrConflict
		}
		return nil, err
	}
	for _, p := range conv.Participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id) VALUES (?, ?)
		`, id, p); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, id)
}

// GetConversation retrieves a conversation and its participants.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var kind string
	var lastAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, name, last_message, last_message_at, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id).Scan(&conv.ID, &kind, &conv.Name, &conv.LastMessage, &lastAt, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	conv.Type = models.ConversationType(kind)
	if lastAt.Valid {
		t := lastAt.Time
		conv.LastMessageAt = &t
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM conversation_participants WHERE conversation_id = ? ORDER BY rowid
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conv.Participants = []string{}
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		conv.Participants = append(conv.Participants, userID)
	}
	return conv, rows.Err()
}

// IsParticipant reports whether userID belongs to the conversation.
func (s *SQLiteStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM conversation_participants WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, err := s.GetConversation(ctx, conversationID); err != nil {
				return false, err
			}
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListConversations lists the conversations of userID, most recently active first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]*models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.updated_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]*models.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		if conv.UnreadCount, err = s.UnreadCount(ctx, id, userID); err != nil {
			return nil, err
		}
		result = append(result, conv)
	}
	return result, nil
}

// TouchConversation records the latest message preview.
func (s *SQLiteStore) TouchConversation(ctx context.Context, conversationID, lastMessage string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET last_message = ?, last_message_at = ?, updated_at = ? WHERE id = ?
	`, lastMessage, at.UTC(), at.UTC(), conversationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus upserts the presence row of a user. last_seen only moves forward.
func (s *SQLiteStore) SetStatus(ctx context.Context, state models.PresenceState) error {
	var lastSeen any
	if state.LastSeen != nil {
		lastSeen = state.LastSeen.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (user_id, status, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET status = excluded.status,
			last_seen = MAX(COALESCE(excluded.last_seen, presence.last_seen), COALESCE(presence.last_seen, excluded.last_seen))
	`, state.UserID, string(state.Status), lastSeen)
	return err
}

// GetStatus returns the stored presence of a user, offline when unknown.
func (s *SQLiteStore) GetStatus(ctx context.Context, userID string) (models.PresenceState, error) {
	var status string
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT status, last_seen FROM presence WHERE user_id = ?
	`, userID).Scan(&status, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return offlineState(userID), nil
		}
		return models.PresenceState{}, err
	}
	state := models.PresenceState{UserID: userID, Status: models.PresenceStatus(status)}
	if lastSeen.Valid {
		t := lastSeen.Time
		state.LastSeen = &t
	}
	return state, nil
}
