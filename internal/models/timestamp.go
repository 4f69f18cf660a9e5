package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Timestamp is a point in time persisted as Unix milliseconds.
// The zero value is stored as NULL and rendered as JSON null.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t, normalised to UTC.
func NewTimestamp(t time.Time) Timestamp {
	if t.IsZero() {
		return Timestamp{}
	}
	return Timestamp{Time: t.UTC()}
}

// Valid reports whether the timestamp holds a time.
func (t Timestamp) Valid() bool {
	return !t.IsZero()
}

// Value implements driver.Valuer.
func (t Timestamp) Value() (driver.Value, error) {
	if t.IsZero() {
		return nil, nil
	}
	return t.UnixMilli(), nil
}

// Scan implements sql.Scanner.
func (t *Timestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
	case int64:
		t.Time = time.UnixMilli(v).UTC()
	case float64:
		t.Time = time.UnixMilli(int64(v)).UTC()
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	case time.Time:
		t.Time = v.UTC()
	default:
		return fmt.Errorf("models.Timestamp: unsupported source type %T", src)
	}
	return nil
}

func (t *Timestamp) parse(s string) error {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("models.Timestamp: %w", err)
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

// MarshalJSON renders RFC 3339, or null for the zero value.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time)
}
