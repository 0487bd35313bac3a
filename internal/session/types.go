package session

import "time"

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	UserID     string `json:"user_id"`
	ClientType string `json:"client_type"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	ClientType      string    `json:"client_type"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
