package model

import "time"

// ResendWindow records the last time a code was issued for an email. It is
// only written through a conditional upsert.
type ResendWindow struct {
	Email        string    `gorm:"primaryKey"`
	LastIssuedAt time.Time `gorm:"index;not null"`
}
