package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"shipchat/models"
)

// SaveConversation inserts or replaces one conversation summary.
func (s *Store) SaveConversation(conversation models.Conversation) error {
	if conversation.ID == "" {
		return errors.New("conversation_id is required")
	}
	if conversation.RequestID == "" {
		return errors.New("request_id is required")
	}

	participants, err := encodeJSONColumn(conversation.Participants)
	if err != nil {
		return err
	}
	var lastMessage sql.NullString
	var lastActivity int64
	if conversation.LastMessage != nil {
		lastMessage, err = encodeJSONColumn(conversation.LastMessage)
		if err != nil {
			return err
		}
		lastActivity = unixMilli(conversation.LastMessage.CreatedAt)
	}
	if !participants.Valid {
		participants = sql.NullString{String: "[]", Valid: true}
	}

	_, err = s.db.Exec(
		`INSERT INTO conversations (
			conversation_id,
			request_id,
			participants,
			is_active,
			last_message,
			unread_count,
			last_activity,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			request_id = excluded.request_id,
			participants = excluded.participants,
			is_active = excluded.is_active,
			last_message = excluded.last_message,
			unread_count = excluded.unread_count,
			last_activity = excluded.last_activity,
			updated_at = excluded.updated_at`,
		conversation.ID,
		conversation.RequestID,
		participants.String,
		boolToInt(conversation.IsActive),
		lastMessage,
		conversation.UnreadCount,
		lastActivity,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save conversation %q: %w", conversation.ID, err)
	}

	return nil
}

// ReplaceConversations swaps the cached list for a fresh server listing.
// Messages of conversations missing from the listing are dropped with them.
func (s *Store) ReplaceConversations(conversations []models.Conversation) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin replace conversations: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	keep := make(map[string]struct{}, len(conversations))
	for _, c := range conversations {
		keep[c.ID] = struct{}{}
	}

	rows, err := tx.Query(`SELECT conversation_id FROM conversations`)
	if err != nil {
		return fmt.Errorf("list cached conversation ids: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan cached conversation id: %w", err)
		}
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate cached conversation ids: %w", err)
	}
	rows.Close()

	for _, id := range stale {
		if _, err := tx.Exec(`DELETE FROM conversations WHERE conversation_id = ?`, id); err != nil {
			return fmt.Errorf("delete stale conversation %q: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace conversations: %w", err)
	}

	for _, c := range conversations {
		if err := s.SaveConversation(c); err != nil {
			return err
		}
	}
	return nil
}

// GetConversation fetches one cached conversation by id.
func (s *Store) GetConversation(conversationID string) (*models.Conversation, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}

	row := s.db.QueryRow(
		`SELECT
			c.conversation_id,
			c.request_id,
			c.participants,
			c.is_active,
			c.last_message,
			c.unread_count,
			r.read_at
		FROM conversations c
		LEFT JOIN read_markers r ON r.conversation_id = c.conversation_id
		WHERE c.conversation_id = ?`,
		conversationID,
	)

	conversation, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation %q: %w", conversationID, err)
	}
	return conversation, nil
}

// ListConversations returns cached summaries, most recent activity first.
func (s *Store) ListConversations() ([]models.Conversation, error) {
	rows, err := s.db.Query(
		`SELECT
			c.conversation_id,
			c.request_id,
			c.participants,
			c.is_active,
			c.last_message,
			c.unread_count,
			r.read_at
		FROM conversations c
		LEFT JOIN read_markers r ON r.conversation_id = c.conversation_id
		ORDER BY c.last_activity DESC, c.conversation_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		conversations = append(conversations, *conversation)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}

	return conversations, nil
}

// SetConversationActive updates the active flag of a cached conversation.
func (s *Store) SetConversationActive(conversationID string, active bool) error {
	if conversationID == "" {
		return errors.New("conversation_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE conversations SET is_active = ?, updated_at = ? WHERE conversation_id = ?`,
		boolToInt(active),
		nowUnixMilli(),
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("set conversation %q active: %w", conversationID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for set active %q: %w", conversationID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func scanConversation(row scanner) (*models.Conversation, error) {
	var (
		conversation models.Conversation
		participants sql.NullString
		isActive     int
		lastMessage  sql.NullString
		readAt       sql.NullInt64
	)

	if err := row.Scan(
		&conversation.ID,
		&conversation.RequestID,
		&participants,
		&isActive,
		&lastMessage,
		&conversation.UnreadCount,
		&readAt,
	); err != nil {
		return nil, err
	}

	if err := decodeJSONColumn(participants, &conversation.Participants); err != nil {
		return nil, err
	}
	if lastMessage.Valid {
		var preview models.MessagePreview
		if err := decodeJSONColumn(lastMessage, &preview); err != nil {
			return nil, err
		}
		conversation.LastMessage = &preview
	}
	conversation.IsActive = isActive == 1
	conversation.LastReadAt = timePtr(readAt)

	return &conversation, nil
}
