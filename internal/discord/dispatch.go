package discord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"coachline/internal/market"
	"coachline/internal/storage"
	"coachline/pkg/retrylimit"
	"coachline/pkg/util"

	"github.com/bwmarrin/discordgo"
)

// voiceEvent is one presence change, reduced to what the state machine needs.
// A move is the combination of a non-empty from and to; it is processed as a
// leave on the origin channel followed by a join on the destination, in that
// order, so a coach moving out of the lounge into their own temporary channel
// does not spuriously end it.
type voiceEvent struct {
	guildID string
	userID  string
	from    string
	to      string
	member  *discordgo.Member
}

func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	ev := voiceEvent{
		guildID: v.GuildID,
		userID:  v.UserID,
		to:      v.ChannelID,
		member:  v.Member,
	}
	if v.BeforeUpdate != nil {
		ev.from = v.BeforeUpdate.ChannelID
	}
	// Mute/deafen toggles arrive as updates within the same channel.
	if ev.from == ev.to {
		return
	}

	select {
	case b.events <- ev:
	case <-b.loopCtx.Done():
	}
}

// dispatchLoop is the single consumer of the event queue. Serial consumption
// preserves per-channel event order; per-channel keyed locks protect against
// external callers (unregister, logout) racing a transition.
func (b *Bot) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.events:
			if ev.from != "" {
				b.handleLeave(ctx, ev)
			}
			if ev.to != "" {
				b.handleJoin(ctx, ev)
			}
		}
	}
}

func (b *Bot) handleJoin(ctx context.Context, ev voiceEvent) {
	cfg, monitored := b.registry.Lookup(ev.guildID)
	if monitored && cfg.LoungeChannelID != "" && ev.to == cfg.LoungeChannelID {
		b.handleLoungeJoin(ctx, cfg, ev)
		return
	}
	if _, ok := b.tracker.Get(ev.to); ok {
		b.handleSessionJoin(ctx, ev)
	}
}

// handleLoungeJoin is the authorization gate: a member entering the lounge
// either gets a freshly provisioned temporary channel or gets removed from
// voice with a private notice. The gate is enforced here at the edge, never
// downstream.
func (b *Bot) handleLoungeJoin(ctx context.Context, cfg GuildConfig, ev voiceEvent) {
	member := b.resolveMember(ev)
	if member == nil || member.User == nil {
		log.Printf("[WARN] Cannot resolve member %s in guild %s, ignoring lounge join", ev.userID, ev.guildID)
		return
	}
	if member.User.Bot {
		return
	}

	if !hasRole(member, cfg.CoachRoleID) {
		b.rejectFromLounge(ev)
		return
	}

	coach, err := b.resolveCoach(ctx, cfg.CommunityID, ev.userID)
	if err != nil {
		// Store failure, not an authorization verdict. Leave the member be.
		log.Printf("[ERR] Coach lookup failed for %s: %v", ev.userID, err)
		return
	}
	if coach == nil {
		b.rejectFromLounge(ev)
		return
	}

	lounge, err := b.api.Channel(cfg.LoungeChannelID)
	parentID := ""
	if err == nil && lounge != nil {
		parentID = lounge.ParentID
	}

	name := sessionChannelName(displayName(member), coach.HourlyRate)
	var created *discordgo.Channel
	err = retrylimit.Do(ctx, b.limiter, retrylimit.DefaultConfig(restStatus), func() error {
		var err error
		created, err = b.api.GuildChannelCreate(ev.guildID, discordgo.GuildChannelCreateData{
			Name:     name,
			Type:     discordgo.ChannelTypeGuildVoice,
			ParentID: parentID,
			PermissionOverwrites: []*discordgo.PermissionOverwrite{
				{
					ID:   ev.guildID, // @everyone
					Type: discordgo.PermissionOverwriteTypeRole,
					Deny: discordgo.PermissionViewChannel | discordgo.PermissionVoiceConnect,
				},
				{
					ID:    ev.userID,
					Type:  discordgo.PermissionOverwriteTypeMember,
					Allow: discordgo.PermissionViewChannel | discordgo.PermissionVoiceConnect | discordgo.PermissionVoiceSpeak,
				},
			},
		})
		return err
	})
	if err != nil {
		log.Printf("[ERR] Failed to create session channel for coach %s: %v", ev.userID, err)
		return
	}

	if err := b.market.RecordVoiceChannel(ctx, market.VoiceChannel{
		ChannelID:      created.ID,
		GuildID:        ev.guildID,
		CoachProfileID: coach.ProfileID,
		Name:           name,
	}); err != nil {
		log.Printf("[WARN] Failed to record voice channel %s: %v", created.ID, err)
	}

	sess := Session{
		ChannelID:      created.ID,
		GuildID:        ev.guildID,
		CoachUserID:    ev.userID,
		CoachProfileID: coach.ProfileID,
		CoachRate:      coach.HourlyRate,
		StartedAt:      time.Now(),
	}

	b.tracker.Acquire(created.ID)
	defer b.tracker.Release(created.ID)

	if !b.tracker.Create(sess) {
		// Channel IDs are platform-unique; a collision means a duplicate event.
		log.Printf("[WARN] Session already tracked for channel %s", created.ID)
		return
	}

	if err := b.api.GuildMemberMove(ev.guildID, ev.userID, &created.ID); err != nil {
		log.Printf("[ERR] Failed to move coach %s into channel %s: %v", ev.userID, created.ID, err)
		b.teardownLocked(ctx, created.ID, "coach move failed")
		return
	}

	log.Printf("[INFO] Session channel %q (%s) opened for coach %s", name, created.ID, ev.userID)
}

// handleSessionJoin attaches a joiner to an existing session. Coach rejoins
// and already-attached attendees are no-ops; joiners with no linked profile
// are tracked by platform presence only and never billed.
func (b *Bot) handleSessionJoin(ctx context.Context, ev voiceEvent) {
	b.tracker.Acquire(ev.to)
	defer b.tracker.Release(ev.to)

	sess, ok := b.tracker.Get(ev.to)
	if !ok {
		return
	}
	if ev.userID == sess.CoachUserID || ev.userID == sess.AttendeeUserID {
		return
	}
	if sess.AttendeeUserID != "" {
		// Attendee seat taken; extra joiners ride along unbilled.
		return
	}

	member := b.resolveMember(ev)
	if member != nil && member.User != nil && member.User.Bot {
		return
	}

	profileID, err := b.market.ProfileIDByDiscordID(ctx, ev.userID)
	if err != nil {
		if !errors.Is(err, market.ErrNotFound) {
			log.Printf("[ERR] Profile lookup failed for joiner %s: %v", ev.userID, err)
		}
		return
	}

	if sess.CallSessionID == 0 {
		id, err := b.market.CreateCallSession(ctx, market.CallSession{
			CoachProfileID:    sess.CoachProfileID,
			AttendeeProfileID: profileID,
			ChannelID:         sess.ChannelID,
			StartedAt:         sess.StartedAt,
		})
		if err != nil {
			log.Printf("[ERR] Failed to create call session for channel %s: %v", sess.ChannelID, err)
			return
		}
		sess.CallSessionID = id
	}

	sess.AttendeeUserID = ev.userID
	sess.AttendeeProfileID = profileID
	b.tracker.Update(sess)
	log.Printf("[INFO] Attendee %s joined session %s (call session %d)", ev.userID, sess.ChannelID, sess.CallSessionID)
}

// handleLeave runs the leave side of the state machine. Coach presence is
// necessary for the temporary channel to exist: a coach leave tears down
// regardless of remaining occupants.
func (b *Bot) handleLeave(ctx context.Context, ev voiceEvent) {
	b.tracker.Acquire(ev.from)
	defer b.tracker.Release(ev.from)

	sess, ok := b.tracker.Get(ev.from)
	if !ok {
		return
	}

	switch ev.userID {
	case sess.CoachUserID:
		b.teardownLocked(ctx, ev.from, "coach left")
	case sess.AttendeeUserID:
		others := 0
		for _, uid := range b.api.ChannelVoiceUsers(ev.guildID, ev.from) {
			if uid != sess.CoachUserID && uid != ev.userID {
				others++
			}
		}
		if others > 0 {
			sess.AttendeeUserID = ""
			sess.AttendeeProfileID = 0
			b.tracker.Update(sess)
			log.Printf("[INFO] Attendee %s left session %s, session stays open", ev.userID, sess.ChannelID)
			return
		}
		b.teardownLocked(ctx, ev.from, "attendee left, channel empty")
	default:
		// Presence-only participant; no state change.
	}
}

// teardownLocked finalizes the billing record and deletes the temporary
// channel, then drops the session. Both steps are attempted even if one
// fails; failures are logged and journaled, never retried. Callers hold the
// channel's keyed lock.
func (b *Bot) teardownLocked(ctx context.Context, channelID, reason string) {
	sess, ok := b.tracker.Remove(channelID)
	if !ok {
		return
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownFinalizeBudget)
	defer cancel()

	now := time.Now()
	if sess.CallSessionID != 0 {
		// A record with no attendee attached means the session was demoted
		// and nobody took the seat again before teardown.
		status := market.CallStatusCompleted
		if sess.AttendeeUserID == "" {
			status = market.CallStatusAbandoned
		}
		if err := b.market.FinalizeCallSession(fctx, sess.CallSessionID, now, status); err != nil {
			log.Printf("[ERR] Failed to finalize call session %d: %v", sess.CallSessionID, err)
			b.journal(sess, "finalize-billing", err)
		} else {
			log.Printf("[INFO] Call session %d finalized, duration %s", sess.CallSessionID, util.FormatDuration(now.Sub(sess.StartedAt)))
		}
	}

	if err := b.api.ChannelDelete(sess.ChannelID); err != nil {
		log.Printf("[ERR] Failed to delete session channel %s: %v", sess.ChannelID, err)
		b.journal(sess, "delete-channel", err)
	} else if err := b.market.MarkVoiceChannelDeleted(fctx, sess.ChannelID); err != nil {
		log.Printf("[WARN] Failed to mark voice channel %s deleted: %v", sess.ChannelID, err)
	}

	log.Printf("[INFO] Session %s ended (%s)", sess.ChannelID, reason)
}

// journal appends a teardown incident to the store of record, when present.
func (b *Bot) journal(sess Session, step string, cause error) {
	if b.store == nil {
		return
	}
	inc := storage.TeardownIncident{
		ChannelID:     sess.ChannelID,
		CallSessionID: sess.CallSessionID,
		Step:          step,
		Cause:         cause.Error(),
		At:            time.Now(),
	}
	if err := b.store.AppendTeardownIncident(sess.GuildID, inc); err != nil {
		log.Printf("[WARN] Failed to journal teardown incident for %s: %v", sess.ChannelID, err)
	}
}

// rejectFromLounge removes an unauthorized member from voice and tries to
// tell them why, privately. DM failures (closed DMs) are expected and only
// logged.
func (b *Bot) rejectFromLounge(ev voiceEvent) {
	if err := b.api.GuildMemberMove(ev.guildID, ev.userID, nil); err != nil {
		log.Printf("[ERR] Failed to disconnect unauthorized member %s: %v", ev.userID, err)
	}
	if err := b.api.DirectMessage(ev.userID, rejectionNotice); err != nil {
		log.Printf("[WARN] Could not notify rejected member %s: %v", ev.userID, err)
	}
	log.Printf("[INFO] Removed unauthorized member %s from lounge in guild %s", ev.userID, ev.guildID)
}

func (b *Bot) resolveMember(ev voiceEvent) *discordgo.Member {
	if ev.member != nil {
		return ev.member
	}
	member, err := b.api.Member(ev.guildID, ev.userID)
	if err != nil {
		return nil
	}
	return member
}

func hasRole(member *discordgo.Member, roleID string) bool {
	if roleID == "" {
		return false
	}
	for _, id := range member.Roles {
		if id == roleID {
			return true
		}
	}
	return false
}

func displayName(member *discordgo.Member) string {
	if member.Nick != "" {
		return member.Nick
	}
	if member.User != nil {
		if member.User.GlobalName != "" {
			return member.User.GlobalName
		}
		return member.User.Username
	}
	return "Coach"
}

// sessionChannelName encodes the coach and their hourly rate in the channel
// label, truncated to the platform limit.
func sessionChannelName(coach string, rate float64) string {
	name := fmt.Sprintf("%s | $%s/hr", coach, strconv.FormatFloat(rate, 'f', -1, 64))
	if runes := []rune(name); len(runes) > channelNameLimit {
		name = string(runes[:channelNameLimit])
	}
	return name
}
