// Package models - audit_log.go defines the AuditLog entry written for every
// successful state-changing request.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// AuditLog records who changed what, and from where
type AuditLog struct {
	ID           string        `db:"id"`
	UserID       *string       `db:"user_id"` // nil for anonymous routes such as /register
	Action       string        `db:"action"`  // "user.register", "sensor_readings.purge"
	ResourceType *string       `db:"resource_type"`
	Metadata     AuditMetadata `db:"metadata"`
	IPAddress    *string       `db:"ip_address"`
	CreatedAt    time.Time     `db:"created_at"`
}

// AuditMetadata is stored as a JSONB column. A nil map is stored as NULL.
type AuditMetadata map[string]interface{}

// Value implements driver.Valuer.
func (m AuditMetadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal audit metadata: %w", err)
	}
	return b, nil
}

// Scan implements sql.Scanner.
func (m *AuditMetadata) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported audit metadata type %T", src)
	}
	return json.Unmarshal(raw, (*map[string]interface{})(m))
}
