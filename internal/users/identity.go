package users

import (
	"strings"
	"time"
)

// Identity maps a provider-specific login onto a canonical sitesmith user id.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// User is the account that owns projects and carries the credit balance.
type User struct {
	ID            string    `gorm:"column:id;primaryKey;size:190;not null"`
	Email         string    `gorm:"column:email;size:320"`
	DisplayName   string    `gorm:"column:display_name;size:320"`
	Credits       int       `gorm:"column:credits;not null;default:0"`
	TotalCreation int       `gorm:"column:total_creation;not null;default:0"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName binds User to the users table.
func (User) TableName() string {
	return "users"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
