package reconciler

import (
	"database/sql"
	"encoding/json"
)

// connectionIDFromInfo extracts the gateway connection id from a session's
// stored connection_info JSON, or "" if absent/unparseable.
func connectionIDFromInfo(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var info struct {
		ConnectionID string `json:"connection_id"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return ""
	}
	return info.ConnectionID
}

// nullString wraps a non-empty string as a valid sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
