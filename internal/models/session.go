package models

import "time"

// SessionMetadata is what the caller knows about the client at login.
type SessionMetadata struct {
	IP        string
	UserAgent string
	Device    string
}

type Session struct {
	ID           string    `json:"id"`
	SubjectID    string    `json:"subject_id"`
	IP           string    `json:"ip"`
	UserAgent    string    `json:"user_agent"`
	Device       string    `json:"device"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}
