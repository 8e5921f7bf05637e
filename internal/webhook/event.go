package webhook

import "time"

const (
	EventBypassAttempt       = "bypass_attempt"
	EventCheckpointCompleted = "checkpoint_completed"
	EventKeyIssued           = "key_issued"
)

// Event is a notification for an owner-configured endpoint.
type Event struct {
	Name            string         `json:"event"`
	KeysystemID     string         `json:"keysystem_id"`
	SessionID       string         `json:"session_id,omitempty"`
	CheckpointIndex int            `json:"checkpoint_index"`
	Reason          string         `json:"reason,omitempty"`
	Client          ClientMetadata `json:"client"`
	OccurredAt      time.Time      `json:"occurred_at"`

	// Target is the delivery URL and is not part of the payload.
	Target string `json:"-"`
}

type ClientMetadata struct {
	Origin      string `json:"origin,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}
