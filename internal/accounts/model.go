package accounts

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const maxUsernameLength = 32

var (
	// ErrUsernameProblem is the base class for naming-policy violations.
	// Both invalid and taken names unwrap to it so callers can absorb the
	// whole class with a single errors.Is check.
	ErrUsernameProblem = errors.New("accounts: problem with username")
	// ErrUsernameInvalid indicates the desired name violates the naming rules.
	ErrUsernameInvalid = fmt.Errorf("%w: invalid", ErrUsernameProblem)
	// ErrUsernameTaken indicates the desired name is already reserved.
	ErrUsernameTaken = fmt.Errorf("%w: taken", ErrUsernameProblem)
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// restrictedUsernames are path segments the router owns; participants can
// never occupy them.
var restrictedUsernames = map[string]struct{}{
	"about":  {},
	"assets": {},
	"auth":   {},
	"claim":  {},
	"on":     {},
	"search": {},
}

// ValidateUsername applies the naming policy to a desired username.
func ValidateUsername(desired string) error {
	if desired == "" || len(desired) > maxUsernameLength {
		return fmt.Errorf("%w: %q", ErrUsernameInvalid, desired)
	}
	if !usernamePattern.MatchString(desired) {
		return fmt.Errorf("%w: %q", ErrUsernameInvalid, desired)
	}
	if _, restricted := restrictedUsernames[strings.ToLower(desired)]; restricted {
		return fmt.Errorf("%w: %q", ErrUsernameInvalid, desired)
	}
	return nil
}

// Participant is the local account an external identity links to. New
// participants start unclaimed with a system-assigned username; claiming flips
// IsClaimed exactly once.
type Participant struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	Username  string    `gorm:"column:username;size:190;not null;uniqueIndex"`
	IsClaimed bool      `gorm:"column:is_claimed;not null;default:false"`
	IsClosed  bool      `gorm:"column:is_closed;not null;default:false"`
	AvatarURL string    `gorm:"column:avatar_url;size:512"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Participant) TableName() string {
	return "participants"
}
