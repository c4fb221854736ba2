package elsewhere

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// connectTokenTimeout bounds how long an issued connect token stays valid.
const connectTokenTimeout = 24 * time.Hour

// IssueConnectToken mints a fresh secret for the linking handshake, persists
// it with its expiry, and returns both. Any previously issued token is
// overwritten, so at most one token is live per account.
func (s *Service) IssueConnectToken(ctx context.Context, account *Account) (string, time.Time, error) {
	identifier, err := uuid.NewRandom()
	if err != nil {
		return "", time.Time{}, err
	}
	token := hex.EncodeToString(identifier[:])
	expires := s.clock().UTC().Add(connectTokenTimeout)

	result := s.db.WithContext(ctx).Model(&Account{}).
		Where("platform = ? AND user_id = ?", account.Platform, account.UserID).
		Updates(map[string]any{
			"connect_token":   token,
			"connect_expires": expires,
		})
	if result.Error != nil {
		s.logError("issue_connect_token", "update_failed", result.Error,
			zap.String("platform", account.Platform), zap.String("user_id", account.UserID))
		return "", time.Time{}, result.Error
	}
	if result.RowsAffected == 0 {
		return "", time.Time{}, fmt.Errorf("%w: %s user_id=%s", ErrUnknownAccount, account.Platform, account.UserID)
	}

	account.ConnectToken = token
	account.ConnectExpires = &expires
	return token, expires, nil
}

// VerifyConnectToken reports whether the presented token matches the stored
// one and has not expired. It deliberately collapses every failure mode into
// false: callers learn nothing about which condition failed, and the
// comparison runs in constant time so the secret cannot be probed
// byte-by-byte.
func (s *Service) VerifyConnectToken(account *Account, presented string) bool {
	if account == nil || account.ConnectToken == "" || account.ConnectExpires == nil {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(account.ConnectToken), []byte(presented)) != 1 {
		return false
	}
	return account.ConnectExpires.After(s.clock().UTC())
}
