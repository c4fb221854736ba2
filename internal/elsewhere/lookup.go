package elsewhere

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tether/internal/platforms"
	"go.uber.org/zap"
)

var (
	// ErrUnknownPlatform indicates a platform name with no registered adapter.
	ErrUnknownPlatform = errors.New("elsewhere: unknown platform")
	// ErrInvalidIdentifier indicates an identifier containing control characters.
	ErrInvalidIdentifier = errors.New("elsewhere: invalid identifier")
	// ErrAccountNotFound indicates neither the store nor (when permitted) the
	// live platform produced the identity.
	ErrAccountNotFound = errors.New("elsewhere: account not found")
)

// userIDSigil prefixes identifiers addressing the stable external user id
// rather than the mutable handle.
const userIDSigil = "~"

// Lookup resolves an identifier of the form `handle` or `~user_id` to a
// stored account. A store miss falls through to a live platform fetch plus
// upsert when allowLiveFetch permits it; otherwise, and when the platform
// confirms the identity does not exist, the result is ErrAccountNotFound.
// Any other platform failure propagates unchanged so callers can tell
// infrastructure trouble from a genuine miss. The boolean result reports
// whether a live fetch produced the returned account.
func (s *Service) Lookup(ctx context.Context, platformName, identifier string, allowLiveFetch bool) (platforms.Platform, *Account, bool, error) {
	platform, ok := s.platforms.Lookup(platformName)
	if !ok {
		return nil, nil, false, fmt.Errorf("%w: %s", ErrUnknownPlatform, platformName)
	}
	if strings.ContainsAny(identifier, "\t\r\n") {
		return nil, nil, false, fmt.Errorf("%w: control character in %q", ErrInvalidIdentifier, identifier)
	}

	key := platforms.LookupKeyUserName
	value := identifier
	if strings.HasPrefix(identifier, userIDSigil) {
		key = platforms.LookupKeyUserID
		value = strings.TrimPrefix(identifier, userIDSigil)
	}

	account, err := s.fromLookupKey(ctx, platform.Name(), key, value)
	if err == nil {
		return platform, account, false, nil
	}
	if !errors.Is(err, ErrUnknownAccount) {
		return nil, nil, false, err
	}
	if !allowLiveFetch {
		return nil, nil, false, fmt.Errorf("%w: %s %s=%s", ErrAccountNotFound, platform.Name(), key, value)
	}

	info, err := platform.FetchUserInfo(ctx, key, value)
	if errors.Is(err, platforms.ErrUserNotFound) {
		return nil, nil, false, fmt.Errorf("%w: not on %s: %s=%s", ErrAccountNotFound, platform.DisplayName(), key, value)
	}
	if err != nil {
		s.logError("lookup", "platform_fetch_failed", err,
			zap.String("platform", platform.Name()), zap.String("key", string(key)))
		return nil, nil, false, err
	}

	account, err = s.Upsert(ctx, info)
	if err != nil {
		return nil, nil, false, err
	}
	return platform, account, true, nil
}

func (s *Service) fromLookupKey(ctx context.Context, platformName string, key platforms.LookupKey, value string) (*Account, error) {
	switch key {
	case platforms.LookupKeyUserID:
		return s.FromUserID(ctx, platformName, value)
	default:
		return s.FromUserName(ctx, platformName, value)
	}
}
