package elsewhere

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/tether/internal/accounts"
	"go.uber.org/zap"
)

// Claim turns the participant behind account into a claimed one and reports
// whether this call performed the transition. The caller must already be
// authenticated as that participant; this method does not re-check session
// identity.
//
// A naming-policy rejection of desiredUsername is absorbed: the claim goes
// through with the system-assigned username. Whether the person should be
// told their desired name was rejected is an open product question; the
// behavior here matches the established flow.
func (s *Service) Claim(ctx context.Context, account *Account, desiredUsername string) (*accounts.Participant, bool, error) {
	participant, err := s.accounts.ByID(ctx, account.ParticipantID)
	if err != nil {
		s.logError("claim", "participant_load_failed", err,
			zap.String("participant_id", account.ParticipantID))
		return nil, false, err
	}

	newlyClaimed := false
	if !participant.IsClaimed {
		newlyClaimed = true
		if err := s.accounts.SetClaimed(ctx, participant.ID); err != nil {
			s.logError("claim", "set_claimed_failed", err, zap.String("participant_id", participant.ID))
			return nil, false, err
		}
		if err := s.accounts.ChangeUsername(ctx, participant.ID, desiredUsername); err != nil {
			if !errors.Is(err, accounts.ErrUsernameProblem) {
				s.logError("claim", "rename_failed", err, zap.String("participant_id", participant.ID))
				return nil, false, err
			}
			// Claiming must not be blocked by a cosmetic naming conflict.
		}
	}

	if participant.IsClosed {
		if err := s.accounts.UpdateIsClosed(ctx, participant.ID, false); err != nil {
			s.logError("claim", "reopen_failed", err, zap.String("participant_id", participant.ID))
			return nil, false, err
		}
	}

	participant, err = s.accounts.ByID(ctx, participant.ID)
	if err != nil {
		return nil, false, err
	}
	return participant, newlyClaimed, nil
}
