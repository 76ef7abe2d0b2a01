// Package store provides SQLite-backed persistence for geofenced.
package store

import (
	"encoding/json"
	"time"

	"geofenced/internal/region"
)

// Source records where a region definition came from.
type Source string

const (
	// SourceClient marks regions registered over IPC.
	SourceClient Source = "client"
	// SourceFile marks regions imported from the regions file.
	SourceFile Source = "file"
)

// StoredRegion is a persisted region definition.
type StoredRegion struct {
	Definition region.Definition
	Position   int64
	Source     Source
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PermissionRecord is one recorded permission state change.
type PermissionRecord struct {
	ID   int64     `json:"id"`
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// EventRecord is one event kept in the delivery log.
type EventRecord struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	RegionID  string          `json:"region_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Outcome   string          `json:"outcome"`
}
