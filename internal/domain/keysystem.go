package domain

import "time"

type Keysystem struct {
	ID               string        `gorm:"primaryKey;size:64" json:"id"`
	OwnerID          string        `gorm:"size:64;index;not null" json:"owner_id"`
	Name             string        `gorm:"size:128;not null" json:"name"`
	Active           bool          `gorm:"not null" json:"active"`
	MaxKeysPerPerson int           `gorm:"not null;default:1" json:"max_keys_per_person"`
	MaxKeyLimit      int           `gorm:"not null;default:1000" json:"max_key_limit"`
	KeyTimer         time.Duration `gorm:"not null;default:0" json:"key_timer"`
	KeyCooldown      time.Duration `gorm:"not null;default:0" json:"key_cooldown"`
	Permanent        bool          `gorm:"not null;default:false" json:"permanent"`
	WebhookURL       string        `gorm:"size:512" json:"-"`
	ProviderToken    string        `gorm:"size:256" json:"-"`
	Checkpoints      []Checkpoint  `gorm:"foreignKey:KeysystemID;constraint:OnDelete:CASCADE" json:"checkpoints"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// CheckpointAt returns the checkpoint at position idx, if any.
func (k *Keysystem) CheckpointAt(idx int) (Checkpoint, bool) {
	if k == nil || idx < 0 || idx >= len(k.Checkpoints) {
		return Checkpoint{}, false
	}
	return k.Checkpoints[idx], true
}

// IndexOfCheckpoint returns the current position of the checkpoint with the given id.
func (k *Keysystem) IndexOfCheckpoint(checkpointID string) (int, bool) {
	if k == nil {
		return 0, false
	}
	for i, cp := range k.Checkpoints {
		if cp.ID == checkpointID {
			return i, true
		}
	}
	return 0, false
}
