package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"shipchat/models"
)

// SaveMessage inserts a canonical message, or refreshes its reactions when
// the id is already cached. Content and timestamps are immutable.
func (s *Store) SaveMessage(message models.Message) error {
	if message.ID == "" {
		return errors.New("message_id is required")
	}
	if message.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if message.SenderID == "" {
		return errors.New("sender_id is required")
	}

	reactions, err := encodeJSONColumn(message.Reactions.Normalize())
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO messages (
			message_id,
			conversation_id,
			sender_id,
			content,
			created_at,
			reactions
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET reactions = excluded.reactions`,
		message.ID,
		message.ConversationID,
		message.SenderID,
		message.Content,
		unixMilli(message.CreatedAt),
		reactions,
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.ID, err)
	}

	return nil
}

// SaveMessages stores a batch of canonical messages in one transaction.
func (s *Store) SaveMessages(messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save messages: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.Prepare(
		`INSERT INTO messages (
			message_id,
			conversation_id,
			sender_id,
			content,
			created_at,
			reactions
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET reactions = excluded.reactions`,
	)
	if err != nil {
		return fmt.Errorf("prepare save messages: %w", err)
	}
	defer stmt.Close()

	for _, message := range messages {
		if message.ID == "" || message.ConversationID == "" {
			return errors.New("message_id and conversation_id are required")
		}
		reactions, err := encodeJSONColumn(message.Reactions.Normalize())
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(
			message.ID,
			message.ConversationID,
			message.SenderID,
			message.Content,
			unixMilli(message.CreatedAt),
			reactions,
		); err != nil {
			return fmt.Errorf("insert message %q: %w", message.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save messages: %w", err)
	}
	return nil
}

// UpdateReactions replaces the cached reaction aggregate of one message.
func (s *Store) UpdateReactions(messageID string, reactions models.ReactionAggregate) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}

	encoded, err := encodeJSONColumn(reactions.Normalize())
	if err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE messages SET reactions = ? WHERE message_id = ?`,
		encoded,
		messageID,
	)
	if err != nil {
		return fmt.Errorf("update reactions for message %q: %w", messageID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for update reactions %q: %w", messageID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetMessages returns cached messages of one conversation ordered by creation time.
func (s *Store) GetMessages(conversationID string, limit, offset int) ([]models.Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT
			message_id,
			conversation_id,
			sender_id,
			content,
			created_at,
			reactions
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ? OFFSET ?`,
		conversationID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for conversation %q: %w", conversationID, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// GetMessageByID fetches one message by message ID.
func (s *Store) GetMessageByID(messageID string) (*models.Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRow(
		`SELECT
			message_id,
			conversation_id,
			sender_id,
			content,
			created_at,
			reactions
		FROM messages
		WHERE message_id = ?`,
		messageID,
	)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		message   models.Message
		createdAt int64
		reactions sql.NullString
	)

	if err := row.Scan(
		&message.ID,
		&message.ConversationID,
		&message.SenderID,
		&message.Content,
		&createdAt,
		&reactions,
	); err != nil {
		return nil, err
	}

	message.CreatedAt = fromUnixMilli(createdAt)
	if err := decodeJSONColumn(reactions, &message.Reactions); err != nil {
		return nil, err
	}

	return &message, nil
}
