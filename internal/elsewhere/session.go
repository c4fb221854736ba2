package elsewhere

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// ErrNoStoredToken indicates the account carries no platform credential.
var ErrNoStoredToken = errors.New("elsewhere: no stored token")

// SaveToken persists a platform credential blob for the account. Only the
// token column changes; profile fields stay as the last upsert left them.
func (s *Service) SaveToken(ctx context.Context, account *Account, token string) error {
	result := s.db.WithContext(ctx).Model(&Account{}).
		Where("platform = ? AND user_id = ?", account.Platform, account.UserID).
		Update("token", token)
	if result.Error != nil {
		s.logError("save_token", "update_failed", result.Error,
			zap.String("platform", account.Platform), zap.String("user_id", account.UserID))
		return result.Error
	}
	account.Token = token
	return nil
}

// AuthSession builds an HTTP client authenticated as the external identity
// using the stored OAuth2 credential. When the provider rotates the token
// during a refresh, the new credential is written back to the account.
func (s *Service) AuthSession(ctx context.Context, account *Account) (*http.Client, error) {
	if account.Token == "" {
		return nil, ErrNoStoredToken
	}
	platform, ok := s.platforms.Lookup(account.Platform)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, account.Platform)
	}

	var token oauth2.Token
	if err := json.Unmarshal([]byte(account.Token), &token); err != nil {
		return nil, fmt.Errorf("elsewhere: decoding stored token: %w", err)
	}

	source := &persistingTokenSource{
		ctx:      ctx,
		service:  s,
		account:  account,
		delegate: platform.OAuthConfig().TokenSource(ctx, &token),
		last:     token.AccessToken,
	}
	return oauth2.NewClient(ctx, source), nil
}

// persistingTokenSource writes refreshed credentials back to storage so the
// next session starts from the rotated token.
type persistingTokenSource struct {
	ctx      context.Context
	service  *Service
	account  *Account
	delegate oauth2.TokenSource
	last     string
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	token, err := p.delegate.Token()
	if err != nil {
		return nil, err
	}
	if token.AccessToken != p.last {
		encoded, err := json.Marshal(token)
		if err != nil {
			return nil, err
		}
		if err := p.service.SaveToken(p.ctx, p.account, string(encoded)); err != nil {
			return nil, err
		}
		p.last = token.AccessToken
	}
	return token, nil
}
