package discord

import (
	"context"
	"errors"
	"log"

	"coachline/pkg/retrylimit"

	"github.com/bwmarrin/discordgo"
)

// Typed failures for explicit-channel validation during Setup.
var (
	ErrChannelNotFound = errors.New("discord: lounge channel not found")
	ErrNotVoiceChannel = errors.New("discord: channel is not a voice channel")
)

// SetupResult carries the identities resolved by Setup or Repair. ChannelID
// is empty when setup legitimately produced only a role.
type SetupResult struct {
	RoleID    string
	ChannelID string
}

// Setup provisions a guild for monitoring: finds or creates the coach role,
// resolves or creates the lounge channel, re-asserts its permission
// overwrites, and registers the guild. Idempotent; running it twice with the
// same arguments yields the same identities.
//
// An explicit channelID must exist and be voice-capable, otherwise a typed
// error comes back. A nil result with a nil error is an unrecoverable
// platform failure (guild not found, channel creation refused); callers
// inspect connection diagnostics, the platform's failure taxonomy is opaque
// to this layer.
func (b *Bot) Setup(ctx context.Context, guildID, communityID, channelID, channelName string) (*SetupResult, error) {
	if !b.Ready() {
		return nil, ErrNotConnected
	}

	if _, err := b.api.Guild(guildID); err != nil {
		log.Printf("[ERR] Setup: cannot resolve guild %s: %v", guildID, err)
		return nil, nil
	}

	existing, _ := b.registry.Lookup(guildID)

	roleID, err := b.ensureCoachRole(ctx, guildID, existing.CoachRoleID)
	if err != nil {
		log.Printf("[ERR] Setup: cannot provision coach role in guild %s: %v", guildID, err)
		return nil, nil
	}

	resolvedChannel := ""
	switch {
	case channelID != "":
		ch, err := b.api.Channel(channelID)
		if err != nil || ch == nil || ch.GuildID != guildID {
			return nil, ErrChannelNotFound
		}
		if ch.Type != discordgo.ChannelTypeGuildVoice {
			return nil, ErrNotVoiceChannel
		}
		resolvedChannel = ch.ID
	case channelName != "":
		resolvedChannel, err = b.ensureLoungeChannel(ctx, guildID, channelName)
		if err != nil {
			log.Printf("[ERR] Setup: cannot provision lounge channel %q in guild %s: %v", channelName, guildID, err)
			return nil, nil
		}
	default:
		// Role-only setup; the lounge gets configured in a later step.
	}

	if resolvedChannel != "" {
		if err := b.applyLoungeOverwrites(ctx, guildID, resolvedChannel, roleID); err != nil {
			log.Printf("[ERR] Setup: cannot apply permission overwrites on channel %s: %v", resolvedChannel, err)
			return nil, nil
		}
	}

	cfg := GuildConfig{
		GuildID:         guildID,
		CommunityID:     communityID,
		LoungeName:      channelName,
		LoungeChannelID: resolvedChannel,
		CoachRoleID:     roleID,
	}
	if err := b.RegisterGuild(cfg); err != nil {
		log.Printf("[WARN] Setup: failed to persist config for guild %s: %v", guildID, err)
	}

	log.Printf("[INFO] Guild %s set up (role %s, lounge %s)", guildID, roleID, orNone(resolvedChannel))
	return &SetupResult{RoleID: roleID, ChannelID: resolvedChannel}, nil
}

// ensureCoachRole reuses a known role id when it still exists, then an
// existing role carrying the configured display name, and only then creates a
// new role, so restarts never pile up duplicate roles.
func (b *Bot) ensureCoachRole(ctx context.Context, guildID, knownRoleID string) (string, error) {
	roles, err := b.api.GuildRoles(guildID)
	if err != nil {
		return "", err
	}

	if knownRoleID != "" {
		for _, role := range roles {
			if role.ID == knownRoleID {
				return role.ID, nil
			}
		}
	}
	for _, role := range roles {
		if role.Name == b.cfg.CoachRoleName {
			return role.ID, nil
		}
	}

	var created *discordgo.Role
	err = retrylimit.Do(ctx, b.limiter, retrylimit.DefaultConfig(restStatus), func() error {
		var err error
		created, err = b.api.GuildRoleCreate(guildID, b.cfg.CoachRoleName)
		return err
	})
	if err != nil {
		return "", err
	}
	log.Printf("[DONE] Created role %q (%s) in guild %s", b.cfg.CoachRoleName, created.ID, guildID)
	return created.ID, nil
}

// ensureLoungeChannel finds a voice channel with the given name or creates
// one, nested under the conventional voice category when the guild has one.
func (b *Bot) ensureLoungeChannel(ctx context.Context, guildID, name string) (string, error) {
	channels, err := b.api.GuildChannels(guildID)
	if err != nil {
		return "", err
	}

	parentID := ""
	for _, ch := range channels {
		switch {
		case ch.Type == discordgo.ChannelTypeGuildVoice && ch.Name == name:
			return ch.ID, nil
		case ch.Type == discordgo.ChannelTypeGuildCategory && ch.Name == loungeCategoryName:
			parentID = ch.ID
		}
	}

	var created *discordgo.Channel
	err = retrylimit.Do(ctx, b.limiter, retrylimit.DefaultConfig(restStatus), func() error {
		var err error
		created, err = b.api.GuildChannelCreate(guildID, discordgo.GuildChannelCreateData{
			Name:     name,
			Type:     discordgo.ChannelTypeGuildVoice,
			ParentID: parentID,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	log.Printf("[DONE] Created lounge channel %q (%s) in guild %s", name, created.ID, guildID)
	return created.ID, nil
}

// applyLoungeOverwrites asserts the lounge permission set: the default role
// can neither see nor connect, the coach role can. Re-applied on every setup
// and repair even when the channel pre-existed.
func (b *Bot) applyLoungeOverwrites(ctx context.Context, guildID, channelID, roleID string) error {
	// The @everyone role shares the guild's ID.
	err := retrylimit.Do(ctx, b.limiter, retrylimit.DefaultConfig(restStatus), func() error {
		return b.api.ChannelPermissionSet(channelID, guildID, discordgo.PermissionOverwriteTypeRole,
			0, discordgo.PermissionViewChannel|discordgo.PermissionVoiceConnect)
	})
	if err != nil {
		return err
	}
	return retrylimit.Do(ctx, b.limiter, retrylimit.DefaultConfig(restStatus), func() error {
		return b.api.ChannelPermissionSet(channelID, roleID, discordgo.PermissionOverwriteTypeRole,
			discordgo.PermissionViewChannel|discordgo.PermissionVoiceConnect|discordgo.PermissionVoiceSpeak, 0)
	})
}

func orNone(id string) string {
	if id == "" {
		return "none"
	}
	return id
}
