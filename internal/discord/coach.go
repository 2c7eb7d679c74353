package discord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coachline/internal/market"
)

// MarketStore is the relational-store surface the orchestrator consumes:
// profile links, rates, memberships and billing records.
type MarketStore interface {
	ProfileIDByDiscordID(ctx context.Context, discordID string) (int64, error)
	DesignatedRate(ctx context.Context, profileID int64) (float64, error)
	IsCommunityMember(ctx context.Context, profileID int64, communityID string) (bool, error)
	CreateCallSession(ctx context.Context, cs market.CallSession) (int64, error)
	FinalizeCallSession(ctx context.Context, id int64, endedAt time.Time, status string) error
	RecordVoiceChannel(ctx context.Context, vc market.VoiceChannel) error
	MarkVoiceChannelDeleted(ctx context.Context, channelID string) error
}

// CoachInfo is the resolved billing identity of a coach.
type CoachInfo struct {
	ProfileID  int64
	HourlyRate float64
}

// resolveCoach walks the lookup chain: platform member ID to linked profile,
// gated by active community membership, to the profile's designated rate.
// A nil CoachInfo with a nil error means "not authorized": any broken link
// short-circuits without being an error. A non-nil error is a store failure
// and means nothing about authorization.
func (b *Bot) resolveCoach(ctx context.Context, communityID, discordID string) (*CoachInfo, error) {
	profileID, err := b.market.ProfileIDByDiscordID(ctx, discordID)
	if errors.Is(err, market.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profile lookup for %s: %w", discordID, err)
	}

	member, err := b.market.IsCommunityMember(ctx, profileID, communityID)
	if err != nil {
		return nil, fmt.Errorf("membership check for profile %d: %w", profileID, err)
	}
	if !member {
		return nil, nil
	}

	rate, err := b.market.DesignatedRate(ctx, profileID)
	if errors.Is(err, market.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rate lookup for profile %d: %w", profileID, err)
	}

	return &CoachInfo{ProfileID: profileID, HourlyRate: rate}, nil
}
