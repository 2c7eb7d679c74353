// /internal/storage/storage.go
package storage

import (
	"fmt"
	"time"

	"coachline/datastore"
)

const journalLimit = 200

// Storage is the JSON store of record for per-guild monitoring configuration
// and the teardown incident journal. The live registry is in-memory; this file
// is what the process re-registers from after a restart.
type Storage struct {
	ds *datastore.DataStore
}

// GuildRecord is one guild's persisted monitoring configuration.
type GuildRecord struct {
	GuildID         string `json:"guild_id"`
	CommunityID     string `json:"community_id"`
	LoungeChannelID string `json:"lounge_channel_id,omitempty"`
	LoungeName      string `json:"lounge_name,omitempty"`
	CoachRoleID     string `json:"coach_role_id,omitempty"`
}

// TeardownIncident records a session teardown step that failed. Incidents are
// kept for operator review and never replayed automatically.
type TeardownIncident struct {
	ChannelID     string    `json:"channel_id"`
	CallSessionID int64     `json:"call_session_id,omitempty"`
	Step          string    `json:"step"` // "finalize-billing" or "delete-channel"
	Cause         string    `json:"cause"`
	At            time.Time `json:"at"`
}

type guildEntry struct {
	Config    *GuildRecord       `json:"config,omitempty"`
	Incidents []TeardownIncident `json:"incidents,omitempty"`
}

func New(filePath string) (*Storage, error) {
	ds, err := datastore.New(filePath)
	if err != nil {
		return nil, err
	}
	return &Storage{ds: ds}, nil
}

func (s *Storage) Close() error {
	return s.ds.Close()
}

func (s *Storage) getEntry(guildID string) (*guildEntry, error) {
	var entry guildEntry
	found, err := s.ds.Get(guildID, &entry)
	if err != nil {
		return nil, fmt.Errorf("error reading guild %s: %w", guildID, err)
	}
	if !found {
		return &guildEntry{}, nil
	}
	return &entry, nil
}

// SaveGuildConfig upserts a guild's persisted configuration.
func (s *Storage) SaveGuildConfig(rec GuildRecord) error {
	entry, err := s.getEntry(rec.GuildID)
	if err != nil {
		return err
	}
	entry.Config = &rec
	return s.ds.Set(rec.GuildID, entry)
}

// GuildConfig fetches a guild's persisted configuration, if any.
func (s *Storage) GuildConfig(guildID string) (*GuildRecord, error) {
	entry, err := s.getEntry(guildID)
	if err != nil {
		return nil, err
	}
	return entry.Config, nil
}

// DeleteGuildConfig removes the configuration but keeps any journal entries.
func (s *Storage) DeleteGuildConfig(guildID string) error {
	entry, err := s.getEntry(guildID)
	if err != nil {
		return err
	}
	if entry.Config == nil && len(entry.Incidents) == 0 {
		return nil
	}
	entry.Config = nil
	if len(entry.Incidents) == 0 {
		s.ds.Delete(guildID)
		return nil
	}
	return s.ds.Set(guildID, entry)
}

// AllGuildConfigs returns every persisted guild configuration.
func (s *Storage) AllGuildConfigs() ([]GuildRecord, error) {
	var out []GuildRecord
	for _, key := range s.ds.Keys() {
		entry, err := s.getEntry(key)
		if err != nil {
			return nil, err
		}
		if entry.Config != nil {
			out = append(out, *entry.Config)
		}
	}
	return out, nil
}

// AppendTeardownIncident journals a failed teardown step for a guild.
func (s *Storage) AppendTeardownIncident(guildID string, inc TeardownIncident) error {
	entry, err := s.getEntry(guildID)
	if err != nil {
		return err
	}
	entry.Incidents = append(entry.Incidents, inc)
	if len(entry.Incidents) > journalLimit {
		entry.Incidents = entry.Incidents[len(entry.Incidents)-journalLimit:]
	}
	return s.ds.Set(guildID, entry)
}

// TeardownIncidents returns the journal for a guild, oldest first.
func (s *Storage) TeardownIncidents(guildID string) ([]TeardownIncident, error) {
	entry, err := s.getEntry(guildID)
	if err != nil {
		return nil, err
	}
	return entry.Incidents, nil
}
