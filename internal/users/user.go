package users

import (
	"strings"
	"time"
)

// User is an account known to l1nk. Accounts are keyed by the login provider
// identity and linked by email across providers.
type User struct {
	ID             string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Email          string    `gorm:"column:email;size:320;not null;uniqueIndex" json:"email"`
	AuthProvider   string    `gorm:"column:auth_provider;size:32;not null;index:users_provider_idx" json:"authProvider"`
	AuthProviderID string    `gorm:"column:auth_provider_id;size:190;not null;index:users_provider_idx" json:"authProviderId"`
	Name           string    `gorm:"column:name;size:320" json:"name"`
	DisplayName    string    `gorm:"column:display_name;size:320" json:"displayName"`
	PhotoURL       string    `gorm:"column:photo_url;size:512" json:"photoUrl"`
	CreatedAt      time.Time `gorm:"column:created_at;not null" json:"createdAt"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null" json:"updatedAt"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
