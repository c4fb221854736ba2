package elsewhere

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/platforms"
)

// Account is one external identity bound to exactly one participant.
// (Platform, UserID) is the natural key; ParticipantID is set on creation and
// never reassigned. ConnectToken and ConnectExpires are written together or
// not at all.
type Account struct {
	Platform       string     `gorm:"column:platform;primaryKey;size:32;not null"`
	UserID         string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	UserName       string     `gorm:"column:user_name;size:190;index:idx_elsewhere_platform_user_name,priority:2"`
	DisplayName    string     `gorm:"column:display_name;size:320"`
	AvatarURL      string     `gorm:"column:avatar_url;size:512"`
	ExtraInfo      string     `gorm:"column:extra_info;type:text;not null;default:'null'"`
	Token          string     `gorm:"column:token;type:text"`
	ConnectToken   string     `gorm:"column:connect_token;size:64"`
	ConnectExpires *time.Time `gorm:"column:connect_expires"`
	ParticipantID  string     `gorm:"column:participant_id;size:190;not null;index"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "elsewhere_accounts"
}

// Slug is the path segment identifying this account in local URLs: the
// platform handle when one exists, otherwise the sigil-prefixed user id.
func (a *Account) Slug() string {
	if a.UserName != "" {
		return a.UserName
	}
	return "~" + a.UserID
}

// FriendlyName picks the most recognizable label for the identity. Platforms
// with optional handles prefer the display name, everything else prefers the
// handle.
func (a *Account) FriendlyName(platform platforms.Platform) string {
	if platform != nil && platform.OptionalUserName() {
		return firstNonEmpty(a.DisplayName, a.UserName, a.UserID)
	}
	return firstNonEmpty(a.UserName, a.DisplayName, a.UserID)
}

// FriendlyNameLong appends the display name or handle when it adds information
// beyond FriendlyName.
func (a *Account) FriendlyNameLong(platform platforms.Platform) string {
	name := a.FriendlyName(platform)
	if a.DisplayName != "" && a.DisplayName != name {
		return fmt.Sprintf("%s (%s)", name, a.DisplayName)
	}
	if a.UserName != "" && a.UserName != name {
		return fmt.Sprintf("%s (%s)", name, a.UserName)
	}
	return name
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
