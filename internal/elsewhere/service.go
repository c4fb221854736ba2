package elsewhere

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/accounts"
	"github.com/MarcoPoloResearchLab/tether/internal/platforms"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("elsewhere: database handle is required")
	errMissingAccounts = errors.New("elsewhere: accounts service is required")
	errMissingRegistry = errors.New("elsewhere: platform registry is required")

	// ErrInvalidUserInfo indicates an upsert input without the natural key.
	ErrInvalidUserInfo = errors.New("elsewhere: user info requires platform and user id")
	// ErrUnknownAccount indicates no stored identity matches the lookup key.
	ErrUnknownAccount = errors.New("elsewhere: unknown account")
	// ErrPersistenceInconsistency indicates the insert conflicted on the
	// natural key but the fallback update then matched no row. The unique
	// constraint guarantees this cannot happen in a healthy store, so it is
	// surfaced rather than retried.
	ErrPersistenceInconsistency = errors.New("elsewhere: conflicting row vanished during upsert")
)

// ServiceConfig describes the dependencies of the reconciliation service.
type ServiceConfig struct {
	Database  *gorm.DB
	Accounts  *accounts.Service
	Platforms *platforms.Registry
	// BaseURL is the public origin used to build local profile links.
	BaseURL string
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Service reconciles external identities with participants. All writes to
// elsewhere_accounts rows flow through it (full-row upserts, connect token
// fields, credential refresh); nothing else mutates the table.
type Service struct {
	db        *gorm.DB
	accounts  *accounts.Service
	platforms *platforms.Registry
	baseURL   string
	clock     func() time.Time
	logger    *zap.Logger
}

// NewService constructs the reconciliation service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Accounts == nil {
		return nil, errMissingAccounts
	}
	if cfg.Platforms == nil {
		return nil, errMissingRegistry
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:        cfg.Database,
		accounts:  cfg.Accounts,
		platforms: cfg.Platforms,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		clock:     clock,
		logger:    logger,
	}, nil
}

// Upsert inserts or updates the identity described by info and returns the
// stored account. A brand-new identity also creates a fresh unclaimed
// participant inside the same transaction, so a failed insert rolls the
// reserved username back as well.
//
// Two concurrent upserts for the same new (platform, user_id) race on the
// primary key: exactly one insert wins and the loser falls back to an update
// keyed by (platform, user_id). That fallback is the sole mechanism keeping
// participant creation at-most-once per identity.
func (s *Service) Upsert(ctx context.Context, info platforms.UserInfo) (*Account, error) {
	if info.Platform == "" || info.UserID == "" {
		return nil, ErrInvalidUserInfo
	}

	avatarURL := NormalizeAvatarURL(info.AvatarURL)
	extraInfo, err := canonicalExtraInfo(info.ExtraInfo)
	if err != nil {
		return nil, err
	}

	insertErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		participant, err := s.accounts.ReserveParticipant(tx)
		if err != nil {
			return err
		}
		return tx.Create(&Account{
			Platform:      info.Platform,
			UserID:        info.UserID,
			UserName:      info.UserName,
			DisplayName:   info.DisplayName,
			AvatarURL:     avatarURL,
			ExtraInfo:     extraInfo,
			Token:         info.Token,
			ParticipantID: participant.ID,
		}).Error
	})
	if insertErr != nil {
		if !isDuplicateKey(insertErr) {
			s.logError("upsert", "insert_failed", insertErr,
				zap.String("platform", info.Platform), zap.String("user_id", info.UserID))
			return nil, insertErr
		}

		updates := map[string]any{
			"user_name":    info.UserName,
			"display_name": info.DisplayName,
			"avatar_url":   avatarURL,
			"extra_info":   extraInfo,
		}
		if info.Token != "" {
			updates["token"] = info.Token
		}
		result := s.db.WithContext(ctx).Model(&Account{}).
			Where("platform = ? AND user_id = ?", info.Platform, info.UserID).
			Updates(updates)
		if result.Error != nil {
			s.logError("upsert", "fallback_update_failed", result.Error,
				zap.String("platform", info.Platform), zap.String("user_id", info.UserID))
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			s.logError("upsert", "conflict_row_vanished", insertErr,
				zap.String("platform", info.Platform), zap.String("user_id", info.UserID))
			return nil, fmt.Errorf("%w: %v", ErrPersistenceInconsistency, insertErr)
		}
	}

	account, err := s.FromUserID(ctx, info.Platform, info.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.accounts.UpdateAvatar(ctx, account.ParticipantID, account.AvatarURL); err != nil {
		s.logError("upsert", "avatar_refresh_failed", err,
			zap.String("participant_id", account.ParticipantID))
		return nil, err
	}
	return account, nil
}

// ResolveMany resolves each input identity to a stored account, creating the
// missing ones one at a time via Upsert. Output order matches input order.
// There is no cross-identity atomicity: a failed creation aborts the batch
// without touching identities already resolved.
func (s *Service) ResolveMany(ctx context.Context, platform string, infos []platforms.UserInfo) ([]*Account, error) {
	userIDs := make([]string, 0, len(infos))
	for _, info := range infos {
		userIDs = append(userIDs, info.UserID)
	}

	var existing []Account
	if len(userIDs) > 0 {
		err := s.db.WithContext(ctx).
			Where("platform = ? AND user_id IN ?", platform, userIDs).
			Find(&existing).Error
		if err != nil {
			s.logError("resolve_many", "batch_lookup_failed", err, zap.String("platform", platform))
			return nil, err
		}
	}
	found := make(map[string]*Account, len(existing))
	for index := range existing {
		found[existing[index].UserID] = &existing[index]
	}

	resolved := make([]*Account, 0, len(infos))
	for _, info := range infos {
		if account, ok := found[info.UserID]; ok {
			resolved = append(resolved, account)
			continue
		}
		account, err := s.Upsert(ctx, info)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, account)
	}
	return resolved, nil
}

// FromUserID loads an account by platform and stable external identifier.
func (s *Service) FromUserID(ctx context.Context, platform, userID string) (*Account, error) {
	return s.fromThing(ctx, "user_id", platform, userID)
}

// FromUserName loads an account by platform and external handle.
func (s *Service) FromUserName(ctx context.Context, platform, userName string) (*Account, error) {
	return s.fromThing(ctx, "user_name", platform, userName)
}

func (s *Service) fromThing(ctx context.Context, column, platform, value string) (*Account, error) {
	var account Account
	err := s.db.WithContext(ctx).
		Where(fmt.Sprintf("platform = ? AND %s = ?", column), platform, value).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s %s=%s", ErrUnknownAccount, platform, column, value)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// LocalURL builds the user-facing link to this identity on the local site.
func (s *Service) LocalURL(account *Account) string {
	return fmt.Sprintf("%s/on/%s/%s/", s.baseURL, account.Platform, url.PathEscape(account.Slug()))
}

// PlatformURL builds the public profile link on the external platform.
func (s *Service) PlatformURL(account *Account) (string, error) {
	platform, ok := s.platforms.Lookup(account.Platform)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPlatform, account.Platform)
	}
	return platform.AccountURL(account.UserID, account.UserName), nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", "elsewhere."+operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("elsewhere service error", attrs...)
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
