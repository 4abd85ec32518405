package events

import "time"

// Event enumerates high-level topics inside the desk backend.
type Event string

const (
	EventSessionChange Event = "session.change"
	EventRiskUpdated   Event = "risk.updated"
	EventRiskLocked    Event = "risk.locked"
	EventConfigSaved   Event = "config.saved"
)

// Envelope is what subscribers receive: the payload plus the owning user.
type Envelope struct {
	UserID  string    `json:"user_id"`
	Event   Event     `json:"event"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}
