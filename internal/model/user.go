// Package model defines database models
package model

import "time"

type User struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	Email        string    `gorm:"uniqueIndex;not null" json:"email"` // Always stored normalized
	PasswordHash string    `gorm:"not null" json:"-"`
	CreatedAt    time.Time `json:"createdAt"`

	Identities []AnonymousIdentity `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}
