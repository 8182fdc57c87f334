package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetReadMarker records the viewer's last-read time for a conversation.
// Markers only move forward.
func (s *Store) SetReadMarker(conversationID string, readAt time.Time) error {
	if conversationID == "" {
		return errors.New("conversation_id is required")
	}
	if readAt.IsZero() {
		readAt = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO read_markers (conversation_id, read_at)
		VALUES (?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET read_at = MAX(read_at, excluded.read_at)`,
		conversationID,
		readAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set read marker %q: %w", conversationID, err)
	}

	if _, err := s.db.Exec(
		`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE conversation_id = ?`,
		nowUnixMilli(),
		conversationID,
	); err != nil {
		return fmt.Errorf("reset unread count %q: %w", conversationID, err)
	}

	return nil
}

// GetReadMarker returns the stored last-read time for a conversation.
func (s *Store) GetReadMarker(conversationID string) (time.Time, error) {
	if conversationID == "" {
		return time.Time{}, errors.New("conversation_id is required")
	}

	var readAt int64
	err := s.db.QueryRow(
		`SELECT read_at FROM read_markers WHERE conversation_id = ?`,
		conversationID,
	).Scan(&readAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("get read marker %q: %w", conversationID, err)
	}

	return fromUnixMilli(readAt), nil
}

// PruneReadMarkers removes markers older than cutoff whose conversation is
// no longer cached.
func (s *Store) PruneReadMarkers(cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, errors.New("cutoff must be set")
	}

	res, err := s.db.Exec(
		`DELETE FROM read_markers
		WHERE read_at < ?
		AND conversation_id NOT IN (SELECT conversation_id FROM conversations)`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune read markers: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for read marker prune: %w", err)
	}

	return rowsAffected, nil
}
