// Package queue defines message payloads exchanged over the message broker.
package queue

// SessionPromotedEvent is published whenever a waiting session becomes
// active, regardless of what freed the slot (an exit, a cleanup, the
// background reaper, or a re-polled enter).  Downstream consumers use it
// for wait-time analytics and operational logging without touching the
// primary database.
type SessionPromotedEvent struct {
	EventID         string `json:"event_id"`
	ClientSessionID string `json:"client_session_id"`
	QueuedAt        string `json:"queued_at"`
	PromotedAt      string `json:"promoted_at"`
	PromotedBy      string `json:"promoted_by"` // enter | exit | cleanup | reaper
}

// SessionsExpiredEvent is published after a cleanup pass retires stale
// sessions for an event.
type SessionsExpiredEvent struct {
	EventID      string `json:"event_id"`
	ExpiredCount int64  `json:"expired_count"`
	ExpiredAt    string `json:"expired_at"`
	TriggeredBy  string `json:"triggered_by"` // cleanup | reaper
}
