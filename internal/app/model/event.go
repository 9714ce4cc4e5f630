package model

import "time"

// Event types published to the lifecycle stream.
const (
	EventCreated  = "created"
	EventUpdated  = "updated"
	EventDeleted  = "deleted"
	EventResolved = "resolved"
)

// LifecycleEvent represents a state change of a short link.
type LifecycleEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	ShortCode string    `json:"short_code"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	LifecycleStreamName     = "URLS"
	LifecycleStreamSubject  = "urls.events"
	LifecycleStreamMaxBytes = 1024 * 1024 * 100 // 100MB
)
