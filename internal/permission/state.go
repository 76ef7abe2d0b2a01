// Package permission tracks the host's location capability and serializes
// every change to it through a single goroutine.
package permission

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDenied is returned when location access is not available.
	ErrDenied = errors.New("permission: denied")

	// ErrNotRunning is returned when the gate has not been started or was stopped.
	ErrNotRunning = errors.New("permission: gate not running")

	// ErrAlreadyRunning is returned by Start on a running gate.
	ErrAlreadyRunning = errors.New("permission: gate already running")
)

// State is the process-wide location capability state.
type State int

const (
	NotDetermined State = iota
	Denied
	Restricted
	GrantedForeground
	GrantedBackground
)

var stateNames = map[State]string{
	NotDetermined:     "not_determined",
	Denied:            "denied",
	Restricted:        "restricted",
	GrantedForeground: "granted_foreground",
	GrantedBackground: "granted_background",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Granted reports whether monitoring may run in this state.
func (s State) Granted() bool {
	return s == GrantedForeground || s == GrantedBackground
}

// Revoked reports whether moving into s must tear down occupancy.
func (s State) Revoked() bool {
	return s == Denied || s == Restricted
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState parses the snake_case name of a state.
func ParseState(name string) (State, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return NotDetermined, fmt.Errorf("permission: unknown state %q", name)
}

// FromResult maps a host grant result onto a State.
func FromResult(granted, background bool) State {
	switch {
	case granted && background:
		return GrantedBackground
	case granted:
		return GrantedForeground
	default:
		return Denied
	}
}
