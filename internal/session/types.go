package session

import "time"

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	Title string `json:"title"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID      string    `json:"session_id"`
	Title          string    `json:"title"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	IdleTTLMS      int64     `json:"idle_ttl_ms"`
}
