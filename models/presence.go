package models

import "time"

type PresenceStatus string

const (
	Online  PresenceStatus = "online"
	Offline PresenceStatus = "offline"
)

// PresenceState is the canonical status of one user. LastSeen is only set by a
// transition to offline and never moves backwards.
type PresenceState struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen *time.Time     `json:"lastSeen,omitempty"`
}

// WithOffline returns the state after going offline at t, keeping LastSeen monotonic.
func (p PresenceState) WithOffline(t time.Time) PresenceState {
	next := PresenceState{UserID: p.UserID, Status: Offline}
	seen := t
	if p.LastSeen != nil && p.LastSeen.After(t) {
		seen = *p.LastSeen
	}
	next.LastSeen = &seen
	return next
}

// WithOnline returns the state after coming online; LastSeen is kept for display.
func (p PresenceState) WithOnline() PresenceState {
	return PresenceState{UserID: p.UserID, Status: Online, LastSeen: p.LastSeen}
}
