package discord

import (
	"errors"

	"github.com/bwmarrin/discordgo"
)

// Platform is the narrow surface of the Discord connection the orchestrator
// uses. Implemented by sessionPlatform over a live gateway session; tests
// substitute a fake.
type Platform interface {
	Guild(guildID string) (*discordgo.Guild, error)
	Channel(channelID string) (*discordgo.Channel, error)
	GuildChannels(guildID string) ([]*discordgo.Channel, error)
	GuildRoles(guildID string) ([]*discordgo.Role, error)
	GuildRoleCreate(guildID, name string) (*discordgo.Role, error)
	GuildChannelCreate(guildID string, data discordgo.GuildChannelCreateData) (*discordgo.Channel, error)
	ChannelDelete(channelID string) error
	ChannelPermissionSet(channelID, targetID string, targetType discordgo.PermissionOverwriteType, allow, deny int64) error
	GuildMemberMove(guildID, userID string, channelID *string) error
	Member(guildID, userID string) (*discordgo.Member, error)
	ChannelVoiceUsers(guildID, channelID string) []string
	DirectMessage(userID, content string) error
}

// sessionPlatform adapts a discordgo session, consulting cached state before
// hitting REST where the state can answer.
type sessionPlatform struct {
	s *discordgo.Session
}

func (p *sessionPlatform) Guild(guildID string) (*discordgo.Guild, error) {
	if guild, err := p.s.State.Guild(guildID); err == nil && guild != nil {
		return guild, nil
	}
	return p.s.Guild(guildID)
}

func (p *sessionPlatform) Channel(channelID string) (*discordgo.Channel, error) {
	if ch, err := p.s.State.Channel(channelID); err == nil && ch != nil {
		return ch, nil
	}
	return p.s.Channel(channelID)
}

func (p *sessionPlatform) GuildChannels(guildID string) ([]*discordgo.Channel, error) {
	if guild, err := p.s.State.Guild(guildID); err == nil && guild != nil && len(guild.Channels) > 0 {
		return guild.Channels, nil
	}
	return p.s.GuildChannels(guildID)
}

func (p *sessionPlatform) GuildRoles(guildID string) ([]*discordgo.Role, error) {
	if guild, err := p.s.State.Guild(guildID); err == nil && guild != nil && len(guild.Roles) > 0 {
		return guild.Roles, nil
	}
	return p.s.GuildRoles(guildID)
}

func (p *sessionPlatform) GuildRoleCreate(guildID, name string) (*discordgo.Role, error) {
	return p.s.GuildRoleCreate(guildID, &discordgo.RoleParams{Name: name})
}

func (p *sessionPlatform) GuildChannelCreate(guildID string, data discordgo.GuildChannelCreateData) (*discordgo.Channel, error) {
	return p.s.GuildChannelCreateComplex(guildID, data)
}

func (p *sessionPlatform) ChannelDelete(channelID string) error {
	_, err := p.s.ChannelDelete(channelID)
	return err
}

func (p *sessionPlatform) ChannelPermissionSet(channelID, targetID string, targetType discordgo.PermissionOverwriteType, allow, deny int64) error {
	return p.s.ChannelPermissionSet(channelID, targetID, targetType, allow, deny)
}

func (p *sessionPlatform) GuildMemberMove(guildID, userID string, channelID *string) error {
	return p.s.GuildMemberMove(guildID, userID, channelID)
}

func (p *sessionPlatform) Member(guildID, userID string) (*discordgo.Member, error) {
	if member, err := p.s.State.Member(guildID, userID); err == nil && member != nil {
		return member, nil
	}
	return p.s.GuildMember(guildID, userID)
}

// ChannelVoiceUsers lists user IDs currently connected to a voice channel,
// from gateway state. State is updated before handlers run, so during a leave
// event the leaver is already excluded.
func (p *sessionPlatform) ChannelVoiceUsers(guildID, channelID string) []string {
	guild, err := p.s.State.Guild(guildID)
	if err != nil || guild == nil {
		return nil
	}
	var users []string
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID == channelID {
			users = append(users, vs.UserID)
		}
	}
	return users
}

func (p *sessionPlatform) DirectMessage(userID, content string) error {
	ch, err := p.s.UserChannelCreate(userID)
	if err != nil {
		return err
	}
	_, err = p.s.ChannelMessageSend(ch.ID, content)
	return err
}

// restStatus pulls the HTTP status out of a discordgo REST error so the retry
// helper can tell overload from hard refusals.
func restStatus(err error) int {
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) && rerr.Response != nil {
		return rerr.Response.StatusCode
	}
	return 0
}
