package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/eleven-am/pondchat/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL DEFAULT 'dm',
		name TEXT NOT NULL DEFAULT '',
		last_message TEXT NOT NULL DEFAULT '',
		last_message_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		position SERIAL,
		PRIMARY KEY (conversation_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		sender_username TEXT NOT NULL DEFAULT '',
		sender_avatar TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		reply_id TEXT,
		reply_content TEXT,
		reply_sender_name TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		deleted_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS message_reads (
		message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		read_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (message_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS presence (
		user_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		last_seen TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_participants_user ON conversation_participants(user_id);
	`)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const pgMessageColumns = `
	id, conversation_id, sender_id, sender_username, sender_avatar, content,
	reply_id, reply_content, reply_sender_name, created_at, deleted, deleted_at,
	COALESCE((SELECT array_agg(r.user_id ORDER BY r.read_at, r.user_id) FROM message_reads r WHERE r.message_id = messages.id), '{}')`

func scanPgMessage(row pgx.Row) (*models.Message, error) {
	msg := &models.Message{}
	var replyID, replyContent, replyName *string
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
		&msg.DeletedAt,
		&msg.ReadBy,
	)
	if err != nil {
		return nil, err
	}
	if replyID != nil {
		msg.ReplyTo = &models.ReplyRef{ID: *replyID}
		if replyContent != nil {
			msg.ReplyTo.Content = *replyContent
		}
		if replyName != nil {
			msg.ReplyTo.SenderName = *replyName
		}
	}
	return msg, nil
}

// InsertMessage stores a message and its initial readers in one transaction.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	stored := prepareMessage(msg, ulid.Make().String(), time.Now())

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var replyID, replyContent, replyName *string
	if stored.ReplyTo != nil {
		replyID, replyContent, replyName = &stored.ReplyTo.ID, &stored.ReplyTo.Content, &stored.ReplyTo.SenderName
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, sender_username, sender_avatar, content,
			reply_id, reply_content, reply_sender_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, stored.ID, stored.ConversationID, stored.Sender.ID, stored.Sender.Username, stored.Sender.Avatar,
		stored.Content, replyID, replyContent, replyName, stored.CreatedAt)
	if err != nil {
		return nil, err
	}

	for _, reader := range stored.ReadBy {
		if _, err := tx.Exec(ctx, `
			INSERT INTO message_reads (message_id, user_id, read_at) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, stored.ID, reader, stored.CreatedAt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return stored, nil
}

// GetMessage retrieves a message by ID.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanPgMessage(s.pool.QueryRow(ctx, `SELECT `+pgMessageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return msg, nil
}

// ListMessages returns a page of a conversation, newest first.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, page, limit int) ([]*models.Message, models.Pagination, error) {
	page, limit = NormalizePage(page, limit)

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&total); err != nil {
		return nil, models.Pagination{}, err
	}
	pagination := models.NewPagination(page, limit, total)

	rows, err := s.pool.Query(ctx, `
		SELECT `+pgMessageColumns+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, conversationID, limit, pagination.Skip())
	if err != nil {
		return nil, pagination, err
	}
	defer rows.Close()

	msgs := make([]*models.Message, 0, limit)
	for rows.Next() {
		msg, err := scanPgMessage(rows)
		if err != nil {
			return nil, pagination, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, pagination, rows.Err()
}

// MarkRead adds userID to every message of the conversation it has not read.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, userID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO message_reads (message_id, user_id, read_at)
		SELECT id, $1, $2 FROM messages WHERE conversation_id = $3
		ON CONFLICT DO NOTHING
	`, userID, time.Now().UTC(), conversationID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// UnreadCount counts messages in the conversation userID neither sent nor read.
func (s *PostgresStore) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages m
		WHERE m.conversation_id = $1 AND m.sender_id <> $2
		AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = $2)
	`, conversationID, userID).Scan(&count)
	return count, err
}

// SoftDelete replaces the content of a message sent by userID.
func (s *PostgresStore) SoftDelete(ctx context.Context, messageID, userID string) (*models.Message, error) {
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

	if _, err := s.pool.Exec(ctx, `
		UPDATE messages SET content = $1, deleted = TRUE, deleted_at = $2 WHERE id = $3 AND NOT deleted
	`, models.DeletedContent, time.Now().UTC(), messageID); err != nil {
		return nil, err
	}
	return s.GetMessage(ctx, messageID)
}

// CreateConversation creates a conversation with its participants.
func (s *PostgresStore) CreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, error) {
	id := conv.ID
	if id == "" {
		id = ulid.Make().String()
	}
	kind := conv.Type
	if kind == "" {
		kind = models.ConversationDM
	}
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO conversations (id, type, name, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)
	`, id, string(kind), conv.Name, now); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrConflict
		}
		return nil, err
	}
	for _, p := range conv.Participants {
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, id, p); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, id)
}

// GetConversation retrieves a conversation and its participants.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var kind string
	err := s.pool.QueryRow(ctx, `
		SELECT id, type, name, last_message, last_message_at, created_at, updated_at,
			COALESCE((SELECT array_agg(p.user_id ORDER BY p.position) FROM conversation_participants p
				WHERE p.conversation_id = conversations.id), '{}')
		FROM conversations WHERE id = $1
	`, id).Scan(&conv.ID, &kind, &conv.Name, &conv.LastMessage, &conv.LastMessageAt,
		&conv.CreatedAt, &conv.UpdatedAt, &conv.Participants)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	conv.Type = models.ConversationType(kind)
	return conv, nil
}

// IsParticipant reports whether userID belongs to the conversation.
func (s *PostgresStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return conv.HasParticipant(userID), nil
}

// ListConversations lists the conversations of userID, most recently active first.
func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]*models.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1
		ORDER BY c.updated_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
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
func (s *PostgresStore) TouchConversation(ctx context.Context, conversationID, lastMessage string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET last_message = $1, last_message_at = $2, updated_at = $2 WHERE id = $3
	`, lastMessage, at.UTC(), conversationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus upserts the presence row of a user. last_seen only moves forward.
func (s *PostgresStore) SetStatus(ctx context.Context, state models.PresenceState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO presence (user_id, status, last_seen) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET status = EXCLUDED.status,
			last_seen = GREATEST(EXCLUDED.last_seen, presence.last_seen)
	`, state.UserID, string(state.Status), state.LastSeen)
	return err
}

// GetStatus returns the stored presence of a user, offline when unknown.
func (s *PostgresStore) GetStatus(ctx context.Context, userID string) (models.PresenceState, error) {
	state := models.PresenceState{UserID: userID}
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT status, last_seen FROM presence WHERE user_id = $1
	`, userID).Scan(&status, &state.LastSeen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return offlineState(userID), nil
		}
		return models.PresenceState{}, err
	}
	state.Status = models.PresenceStatus(status)
	return state, nil
}
