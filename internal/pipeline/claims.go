package pipeline

import (
	"context"
	"fmt"
)

// ResolvePendingClaims attributes every replay waiting on tokenKey to
// the given user. Invoked by the owning service at the point the token
// is claimed; replays that already acquired an owner are left alone.
func (p *Pipeline) ResolvePendingClaims(ctx context.Context, tokenKey string, userID int64) error {
	claims, err := p.store.ListPendingClaimsByToken(ctx, tokenKey)
	if err != nil {
		return fmt.Errorf("list pending claims: %w", err)
	}

	for _, claim := range claims {
		replay, err := p.store.GetGameReplay(ctx, claim.ReplayID)
		if err != nil {
			p.logger.Warn("pending claim references missing replay", "replay_id", claim.ReplayID, "error", err)
		} else if replay.UserID == nil {
			uid := userID
			replay.UserID = &uid
			if err := p.store.UpdateGameReplay(ctx, replay); err != nil {
				return fmt.Errorf("attribute replay %d: %w", claim.ReplayID, err)
			}
		}
		if err := p.store.DeletePendingClaim(ctx, claim.ID); err != nil {
			return fmt.Errorf("delete pending claim %d: %w", claim.ID, err)
		}
	}

	if len(claims) > 0 {
		p.logger.Info("resolved pending replay claims", "token", tokenKey, "count", len(claims))
	}
	return nil
}
