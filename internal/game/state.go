package game

import "fmt"

// Status is the lifecycle state of a game session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusCancelled},
	StatusActive:  {StatusCompleted, StatusCancelled},
}

// ParseStatus validates a stored or requested status value.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusActive, StatusCompleted, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown session status %q", s)
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// AcceptsCalls reports whether numbers may be called in s.
func (s Status) AcceptsCalls() bool { return s == StatusActive }

// AcceptsSales reports whether cards may be sold in s.  Selling after the
// first call is a hall policy.
func (s Status) AcceptsSales(allowMidGame bool) bool {
	switch s {
	case StatusPending:
		return true
	case StatusActive:
		return allowMidGame
	}
	return false
}
