package domain

import "time"

type Key struct {
	ID               uint       `gorm:"primaryKey" json:"-"`
	KeysystemID      string     `gorm:"size:64;not null;uniqueIndex:idx_key_keysystem_value;index:idx_key_keysystem_owner" json:"keysystem_id"`
	Value            string     `gorm:"size:128;not null;uniqueIndex:idx_key_keysystem_value" json:"value"`
	OwnerFingerprint string     `gorm:"size:128;not null;index:idx_key_keysystem_owner" json:"owner_fingerprint"`
	ExpiresAt        *time.Time `gorm:"index" json:"expires_at,omitempty"`
	CreatedAt        time.Time  `gorm:"index" json:"created_at"`
}

func (k *Key) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}
