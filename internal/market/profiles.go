package market

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateProfile inserts a profile linked to a Discord account and returns its id.
func (s *Store) CreateProfile(ctx context.Context, discordID, displayName string) (int64, error) {
	if discordID == "" {
		return 0, fmt.Errorf("discord id is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (discord_id, display_name, created_at) VALUES (?, ?, ?)`,
		discordID, displayName, toMillis(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("insert profile: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("profile id: %w", err)
	}
	return id, nil
}

// ProfileIDByDiscordID resolves the internal profile linked to a Discord account.
// Returns ErrNotFound when no profile is linked.
func (s *Store) ProfileIDByDiscordID(ctx context.Context, discordID string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM profiles WHERE discord_id = ?`, discordID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query profile by discord id: %w", err)
	}
	return id, nil
}

// SetCoachRate records an hourly rate for a profile. A designated rate is the
// one coaching sessions bill against; setting a new designated rate clears the
// previous designation.
func (s *Store) SetCoachRate(ctx context.Context, profileID int64, hourlyRate float64, designated bool) error {
	if designated {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE coach_rates SET designated = 0 WHERE profile_id = ?`, profileID,
		); err != nil {
			return fmt.Errorf("clear designated rate: %w", err)
		}
	}
	flag := 0
	if designated {
		flag = 1
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO coach_rates (profile_id, hourly_rate, designated, created_at) VALUES (?, ?, ?, ?)`,
		profileID, hourlyRate, flag, toMillis(time.Now()),
	); err != nil {
		return fmt.Errorf("insert coach rate: %w", err)
	}
	return nil
}

// DesignatedRate returns the current value of a profile's designated coaching
// rate. Returns ErrNotFound when the profile has no designated rate.
func (s *Store) DesignatedRate(ctx context.Context, profileID int64) (float64, error) {
	var rate float64
	err := s.db.QueryRowContext(ctx,
		`SELECT hourly_rate FROM coach_rates
		 WHERE profile_id = ? AND designated = 1
		 ORDER BY created_at DESC, id DESC LIMIT 1`, profileID,
	).Scan(&rate)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query designated rate: %w", err)
	}
	return rate, nil
}

// AddCommunityMember marks a profile as an active member of a community.
func (s *Store) AddCommunityMember(ctx context.Context, profileID int64, communityID string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO community_members (profile_id, community_id, active, joined_at)
		 VALUES (?, ?, 1, ?)
		 ON CONFLICT (profile_id, community_id) DO UPDATE SET active = 1`,
		profileID, communityID, toMillis(time.Now()),
	); err != nil {
		return fmt.Errorf("insert community member: %w", err)
	}
	return nil
}

// RemoveCommunityMember deactivates a membership without deleting its history.
func (s *Store) RemoveCommunityMember(ctx context.Context, profileID int64, communityID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE community_members SET active = 0 WHERE profile_id = ? AND community_id = ?`,
		profileID, communityID,
	); err != nil {
		return fmt.Errorf("deactivate community member: %w", err)
	}
	return nil
}

// IsCommunityMember reports whether a profile is an active member of a community.
func (s *Store) IsCommunityMember(ctx context.Context, profileID int64, communityID string) (bool, error) {
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT active FROM community_members WHERE profile_id = ? AND community_id = ?`,
		profileID, communityID,
	).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query community member: %w", err)
	}
	return active == 1, nil
}
