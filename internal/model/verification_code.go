package model

import "time"

// VerificationCode is keyed by the normalized email, so there is never more
// than one code per address.
type VerificationCode struct {
	Email      string    `gorm:"primaryKey"`
	Code       string    `gorm:"size:6;not null"`
	CreatedAt  time.Time `gorm:"not null"`
	ExpiresAt  time.Time `gorm:"index;not null"`
	Consumed   bool      `gorm:"not null"`
	ConsumedAt *time.Time
}
