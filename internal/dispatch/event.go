package dispatch

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type names an event pushed to the consumer.
type Type string

const (
	TypeEnter   Type = "enter"
	TypeExit    Type = "exit"
	TypeDwell   Type = "dwell"
	TypeRanging Type = "ranging"
)

// MethodPrefix namespaces event names across the consumer boundary.
const MethodPrefix = "geoFence"

// Method returns the boundary name of the event, e.g. "geoFence.enter".
func (t Type) Method() string {
	return fmt.Sprintf("%s.%s", MethodPrefix, t)
}

// Event is one occupancy or ranging notification.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	RegionID  string    `json:"region_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// NewEvent creates an event with a fresh id.
func NewEvent(t Type, regionID string, at time.Time, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		RegionID:  regionID,
		Timestamp: at,
		Payload:   payload,
	}
}
