package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User describes registry users with their role assignments and group memberships.
type User struct {
	ID       string `gorm:"primaryKey;type:uuid" json:"id"`
	Username string `gorm:"uniqueIndex;not null" json:"username"`
	Email    string `gorm:"uniqueIndex;not null" json:"email"`
	Password string `gorm:"not null" json:"-"`

	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Institution string `json:"institution"`

	IsActive bool `gorm:"default:true" json:"is_active"`

	Roles  []Role  `gorm:"many2many:user_roles;" json:"roles,omitempty"`
	Groups []Group `gorm:"many2many:user_groups;" json:"groups,omitempty"`

	LastLoginAt *time.Time `json:"last_login_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate ensures a UUID is present before persisting.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}
