package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// DefaultMessageLimit caps GetMessages when no limit is given.
const DefaultMessageLimit = 500

type scanner interface {
	Scan(dest ...any) error
}

func encodeJSONColumn(value any) (sql.NullString, error) {
	if value == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode json column: %w", err)
	}
	if string(raw) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeJSONColumn(raw sql.NullString, target any) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw.String), target); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullTime(ptr *time.Time) sql.NullInt64 {
	if ptr == nil || ptr.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ptr.UnixMilli(), Valid: true}
}

func timePtr(ni sql.NullInt64) *time.Time {
	if !ni.Valid || ni.Int64 == 0 {
		return nil
	}
	v := time.UnixMilli(ni.Int64).UTC()
	return &v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
