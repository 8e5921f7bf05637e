package domain

import "time"

// CallbackEntry is the reverse index from a provider callback identifier to the
// (keysystem, checkpoint, session) it was issued for. There is at most one entry
// per (checkpoint, session).
type CallbackEntry struct {
	CallbackID   string    `gorm:"primaryKey;size:64" json:"callback_id"`
	KeysystemID  string    `gorm:"size:64;index;not null" json:"keysystem_id"`
	CheckpointID string    `gorm:"size:64;not null;uniqueIndex:idx_callback_checkpoint_session" json:"checkpoint_id"`
	SessionID    string    `gorm:"size:128;not null;index;uniqueIndex:idx_callback_checkpoint_session" json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
}
