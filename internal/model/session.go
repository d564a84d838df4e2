package model

import "time"

// Session status values as stored in waiting_sessions.status.  A session
// is created waiting or active depending on free capacity, and every
// terminal transition lands on completed.  Completed rows are retained
// for audit and never re-read for admission decisions.
const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Session represents one client inside the waiting room of a single
// event.  At most one non-completed session exists per
// (event_id, client_session_id) pair.
//
// Fields:
//
//	ID              – primary key identifier, store assigned.
//	EventID         – event whose checkout capacity is being gated.
//	ClientSessionID – caller-supplied identifier (session-<ts>-<rand>).
//	Status          – waiting, active or completed.
//	CreatedAt       – arrival time; defines FIFO order among waiting rows.
//	EnteredAt       – when the session was promoted to active (nil while waiting).
//	UpdatedAt       – last mutation timestamp.
type Session struct {
	ID              uint64     // waiting_sessions.id
	EventID         string     // waiting_sessions.event_id
	ClientSessionID string     // waiting_sessions.client_session_id
	Status          string     // waiting_sessions.status
	CreatedAt       time.Time  // waiting_sessions.created_at
	EnteredAt       *time.Time // waiting_sessions.entered_at (nullable)
	UpdatedAt       time.Time  // waiting_sessions.updated_at
}

// Open reports whether the session still participates in admission
// decisions, i.e. it has not reached the terminal completed state.
func (s *Session) Open() bool {
	return s.Status == StatusWaiting || s.Status == StatusActive
}
