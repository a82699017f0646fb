package model

import "time"

// Client state constants.
const (
	ClientConnected    = "connected"
	ClientDisconnected = "disconnected"
)

// Client is a fleet member known to the registry. Liveness is tracked by
// heartbeat age; a disconnected client becomes connected again simply by
// making contact with its existing identity.
type Client struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}
