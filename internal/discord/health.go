package discord

import (
	"context"
	"log"

	"github.com/bwmarrin/discordgo"
)

// Issue strings surfaced to operators by CheckHealth.
const (
	IssueNotConnected         = "Bot is not connected"
	IssueNotInGuild           = "Bot is not in the server"
	IssueRoleNotConfigured    = "Coach role is not configured"
	IssueRoleMissing          = "Coach role was deleted or not found"
	IssueChannelNotConfigured = "Lounge channel is not configured"
	IssueChannelMissing       = "Lounge channel was deleted or not found"
)

// HealthReport is the audit result for one guild. Healthy is the conjunction
// of all checks; Issues is the trail a caller surfaces to an operator.
type HealthReport struct {
	Healthy bool
	Issues  []string
}

// CheckHealth verifies that a guild's provisioned role and channel still
// exist on the platform. Pass empty ids for artifacts that were never
// configured; their absence is itself an issue.
func (b *Bot) CheckHealth(guildID, roleID, channelID string) HealthReport {
	if !b.Ready() {
		return HealthReport{Issues: []string{IssueNotConnected}}
	}

	if _, err := b.api.Guild(guildID); err != nil {
		return HealthReport{Issues: []string{IssueNotInGuild}}
	}

	var issues []string

	if roleID == "" {
		issues = append(issues, IssueRoleNotConfigured)
	} else if !b.roleExists(guildID, roleID) {
		issues = append(issues, IssueRoleMissing)
	}

	if channelID == "" {
		issues = append(issues, IssueChannelNotConfigured)
	} else if !b.channelExists(guildID, channelID) {
		issues = append(issues, IssueChannelMissing)
	}

	return HealthReport{Healthy: len(issues) == 0, Issues: issues}
}

func (b *Bot) roleExists(guildID, roleID string) bool {
	roles, err := b.api.GuildRoles(guildID)
	if err != nil {
		return false
	}
	for _, role := range roles {
		if role.ID == roleID {
			return true
		}
	}
	return false
}

func (b *Bot) channelExists(guildID, channelID string) bool {
	ch, err := b.api.Channel(channelID)
	return err == nil && ch != nil && ch.GuildID == guildID
}

// Repair re-asserts a guild's provisioning best-effort: for role and channel
// independently it prefers the existing id, falls back to find-by-name, and
// creates anew as a last resort. Permission overwrites are re-applied on
// whatever channel resolves; repair is authoritative re-assertion, not
// diffing. Returns nil only when the guild itself cannot be reached; that is
// the caller's "bot not in server, re-invite" signal.
func (b *Bot) Repair(ctx context.Context, guildID, communityID, channelName, roleID, channelID string) *SetupResult {
	if !b.Ready() {
		return nil
	}
	if _, err := b.api.Guild(guildID); err != nil {
		log.Printf("[ERR] Repair: cannot resolve guild %s: %v", guildID, err)
		return nil
	}

	resolvedRole, err := b.ensureCoachRole(ctx, guildID, roleID)
	if err != nil {
		log.Printf("[ERR] Repair: cannot restore coach role in guild %s: %v", guildID, err)
	}

	resolvedChannel := ""
	if channelID != "" {
		if ch, err := b.api.Channel(channelID); err == nil && ch != nil &&
			ch.GuildID == guildID && ch.Type == discordgo.ChannelTypeGuildVoice {
			resolvedChannel = ch.ID
		}
	}
	if resolvedChannel == "" && channelName != "" {
		resolvedChannel, err = b.ensureLoungeChannel(ctx, guildID, channelName)
		if err != nil {
			log.Printf("[ERR] Repair: cannot restore lounge channel in guild %s: %v", guildID, err)
			resolvedChannel = ""
		}
	}

	if resolvedChannel != "" && resolvedRole != "" {
		if err := b.applyLoungeOverwrites(ctx, guildID, resolvedChannel, resolvedRole); err != nil {
			log.Printf("[ERR] Repair: cannot re-apply overwrites on channel %s: %v", resolvedChannel, err)
		}
	}

	cfg := GuildConfig{
		GuildID:         guildID,
		CommunityID:     communityID,
		LoungeName:      channelName,
		LoungeChannelID: resolvedChannel,
		CoachRoleID:     resolvedRole,
	}
	if err := b.RegisterGuild(cfg); err != nil {
		log.Printf("[WARN] Repair: failed to persist config for guild %s: %v", guildID, err)
	}

	log.Printf("[INFO] Guild %s repaired (role %s, lounge %s)", guildID, orNone(resolvedRole), orNone(resolvedChannel))
	return &SetupResult{RoleID: resolvedRole, ChannelID: resolvedChannel}
}
