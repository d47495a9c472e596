package users

import (
	"strings"
	"time"
)

// Identity maps a provider login to the canonical user id that comments are
// attributed to, and remembers the last profile seen for it.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	AvatarURL   string    `gorm:"column:user_avatar_url;size:512"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Commenter is the profile a signed-in user comments under.
type Commenter struct {
	UserID string
	Name   string
	Email  string
}

// withFallback fills blank profile fields from a stored identity. Session
// values always win.
func (c Commenter) withFallback(identity Identity) Commenter {
	if c.Name == "" {
		c.Name = normalize(identity.DisplayName)
	}
	if c.Email == "" {
		c.Email = normalize(identity.Email)
	}
	return c
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
