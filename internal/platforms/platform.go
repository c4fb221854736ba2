package platforms

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
)

// LookupKey selects which external identifier a platform lookup is keyed by.
type LookupKey string

const (
	// LookupKeyUserID addresses the platform's stable numeric/opaque identifier.
	LookupKeyUserID LookupKey = "user_id"
	// LookupKeyUserName addresses the platform's mutable handle.
	LookupKeyUserName LookupKey = "user_name"
)

var (
	// ErrUserNotFound signals that the platform confirmed the identity does not exist.
	ErrUserNotFound = errors.New("platforms: user not found")
	// ErrUnsupportedLookupKey signals a lookup key the platform cannot resolve.
	ErrUnsupportedLookupKey = errors.New("platforms: unsupported lookup key")
)

// UserInfo is a freshly fetched snapshot of one external identity.
// Platform and UserID are always set; everything else is optional.
type UserInfo struct {
	Platform    string
	UserID      string
	UserName    string
	DisplayName string
	AvatarURL   string
	ExtraInfo   any
	Token       string
}

// Platform describes one supported external service. Implementations carry
// the per-platform quirks (URL templates, optional handles, API shapes) so
// callers never branch on the platform name.
type Platform interface {
	// Name is the stable lowercase key used in storage and URLs.
	Name() string
	// DisplayName is the human-facing platform label.
	DisplayName() string
	// AccountURL renders the public profile URL for an identity.
	AccountURL(userID, userName string) string
	// OptionalUserName reports whether the platform may omit a handle,
	// which changes how a friendly name is derived.
	OptionalUserName() bool
	// FetchUserInfo resolves an identity by key against the live API.
	// Returns ErrUserNotFound when the platform confirms absence; any other
	// failure is passed through unchanged.
	FetchUserInfo(ctx context.Context, key LookupKey, value string) (UserInfo, error)
	// OAuthConfig exposes the OAuth2 application config used to build
	// authenticated sessions for stored credentials.
	OAuthConfig() *oauth2.Config
}
