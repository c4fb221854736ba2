package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const reserveAttempts = 20

var (
	errMissingDatabase    = errors.New("accounts: database handle is required")
	errMissingParticipant = errors.New("accounts: participant identifier is required")

	// ErrParticipantNotFound indicates the referenced participant row is absent.
	ErrParticipantNotFound = errors.New("accounts: participant not found")
	// ErrReservationExhausted indicates username reservation gave up after
	// colliding on every attempted candidate.
	ErrReservationExhausted = errors.New("accounts: username reservation exhausted")
)

// ServiceConfig describes the dependencies of the participant service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns participant rows: creation via username reservation, naming
// policy enforcement, and the claim/closed/avatar state mutations.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the participant service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// ReserveParticipant creates a fresh participant with a system-assigned
// username inside the caller's transaction. The row rolls back with that
// transaction, so a failed caller never leaks a reserved username.
func (s *Service) ReserveParticipant(tx *gorm.DB) (*Participant, error) {
	if tx == nil {
		return nil, errMissingDatabase
	}
	for attempt := 0; attempt < reserveAttempts; attempt++ {
		identifier, err := uuid.NewV7()
		if err != nil {
			return nil, err
		}
		participant := &Participant{
			ID:       identifier.String(),
			Username: randomUsername(),
		}
		err = tx.Create(participant).Error
		if err == nil {
			return participant, nil
		}
		if isDuplicateKey(err) {
			continue
		}
		return nil, err
	}
	return nil, ErrReservationExhausted
}

// ByID loads a participant by identifier.
func (s *Service) ByID(ctx context.Context, participantID string) (*Participant, error) {
	if participantID == "" {
		return nil, errMissingParticipant
	}
	var participant Participant
	err := s.db.WithContext(ctx).Where("id = ?", participantID).Take(&participant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrParticipantNotFound, participantID)
	}
	if err != nil {
		return nil, err
	}
	return &participant, nil
}

// ByUsername loads a participant by its current username.
func (s *Service) ByUsername(ctx context.Context, username string) (*Participant, error) {
	var participant Participant
	err := s.db.WithContext(ctx).Where("username = ?", username).Take(&participant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrParticipantNotFound, username)
	}
	if err != nil {
		return nil, err
	}
	return &participant, nil
}

// ChangeUsername renames a participant, surfacing naming-policy violations as
// ErrUsernameProblem descendants so callers can decide whether to absorb them.
func (s *Service) ChangeUsername(ctx context.Context, participantID, desired string) error {
	if participantID == "" {
		return errMissingParticipant
	}
	if err := ValidateUsername(desired); err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Model(&Participant{}).
		Where("id = ?", participantID).
		Update("username", desired)
	if result.Error != nil {
		if isDuplicateKey(result.Error) {
			return fmt.Errorf("%w: %q", ErrUsernameTaken, desired)
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrParticipantNotFound, participantID)
	}
	return nil
}

// SetClaimed marks the participant as claimed.
func (s *Service) SetClaimed(ctx context.Context, participantID string) error {
	return s.updateParticipant(ctx, participantID, map[string]any{"is_claimed": true})
}

// UpdateIsClosed sets the closed flag.
func (s *Service) UpdateIsClosed(ctx context.Context, participantID string, closed bool) error {
	return s.updateParticipant(ctx, participantID, map[string]any{"is_closed": closed})
}

// UpdateAvatar refreshes the displayed avatar URL.
func (s *Service) UpdateAvatar(ctx context.Context, participantID, avatarURL string) error {
	if avatarURL == "" {
		return nil
	}
	return s.updateParticipant(ctx, participantID, map[string]any{"avatar_url": avatarURL})
}

func (s *Service) updateParticipant(ctx context.Context, participantID string, updates map[string]any) error {
	if participantID == "" {
		return errMissingParticipant
	}
	result := s.db.WithContext(ctx).Model(&Participant{}).
		Where("id = ?", participantID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrParticipantNotFound, participantID)
	}
	return nil
}

// randomUsername produces a system-assigned placeholder username. Collisions
// are handled by the reservation loop, not here.
func randomUsername() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "anonymous-" + raw[:12]
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// The sqlite driver reports constraint failures by message when error
	// translation is unavailable on the open connection.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
