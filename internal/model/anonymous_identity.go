package model

import "time"

// AnonymousIdentity is the public face of a user. Display names are
// generated, never picked by the user.
type AnonymousIdentity struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	UserID      string    `gorm:"index;not null" json:"-"`
	DisplayName string    `gorm:"uniqueIndex;not null" json:"displayName"`
	AvatarKey   *string   `json:"-"`
	Active      bool      `gorm:"not null" json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RetiredName keeps display names of retired identities out of circulation
// until the reuse window passes.
type RetiredName struct {
	DisplayName string    `gorm:"primaryKey"`
	RetiredAt   time.Time `gorm:"index;not null"`
}
