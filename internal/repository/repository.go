// Package repository provides persistence for feature flags, API keys and
// flag events. [PostgresRepository] is the read-write store and handles
// LISTEN/NOTIFY-based cache invalidation; [FileRepository] serves a static
// flag document read-only.
package repository

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// DefaultProjectID is the project assigned to flags that do not name one.
const DefaultProjectID = "default"

var (
	// ErrNotFound is returned when a flag, key or project does not exist.
	ErrNotFound = errors.New("not found")
	// ErrReadOnly is returned by write operations on a read-only store.
	ErrReadOnly = errors.New("repository is read-only")
)

// Flag is the repository-level representation of a feature flag row. Rules
// holds the JSON-encoded rule list; nil or JSON null means the flag has no
// rules. The service layer decodes it for the rule engine.
type Flag struct {
	Key         string          `json:"key"`
	ProjectID   string          `json:"-"`
	Description string          `json:"description"`
	Status      bool            `json:"status"`
	Rules       json.RawMessage `json:"rules"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// HasRules reports whether the stored rule document is present and not null.
func (f Flag) HasRules() bool {
	return !isNullJSON(f.Rules)
}

// APIKeyMeta contains non-sensitive metadata for an API key, suitable for
// listing keys without exposing secrets.
type APIKeyMeta struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// FlagEvent represents a change event for a flag, stored in the flag_events
// table and used to drive SSE streaming.
type FlagEvent struct {
	EventID   int64           `json:"event_id"`
	ProjectID string          `json:"project_id"`
	FlagKey   string          `json:"flag_key"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func isNullJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
