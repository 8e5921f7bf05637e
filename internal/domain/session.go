package domain

import "time"

// Session is a visitor's progress through one keysystem's checkpoints.
// CheckpointIndex stays within [0, len(checkpoints)].
type Session struct {
	KeysystemID     string    `gorm:"primaryKey;size:64" json:"keysystem_id"`
	SessionID       string    `gorm:"primaryKey;size:128" json:"session_id"`
	CheckpointIndex int       `gorm:"not null;default:0" json:"checkpoint_index"`
	Token           *string   `gorm:"size:128" json:"-"`
	TokenIssuedAtMs *int64    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `gorm:"index" json:"updated_at"`
}

func (s *Session) HasToken() bool {
	return s != nil && s.Token != nil && *s.Token != ""
}

// TokenIssuedAt returns the issuance time of the outstanding token, if recorded.
func (s *Session) TokenIssuedAt() (time.Time, bool) {
	if s == nil || s.TokenIssuedAtMs == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*s.TokenIssuedAtMs).UTC(), true
}
