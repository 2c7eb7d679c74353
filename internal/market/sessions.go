package market

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CallSession is one billable coaching call.
type CallSession struct {
	ID                int64
	CoachProfileID    int64
	AttendeeProfileID int64
	ChannelID         string
	StartedAt         time.Time
	EndedAt           time.Time
	Duration          time.Duration
	Status            string
}

// VoiceChannel is the record of a provisioned temporary voice channel.
type VoiceChannel struct {
	ChannelID      string
	GuildID        string
	CoachProfileID int64
	Name           string
}

// CreateCallSession inserts a new in-progress billing record and returns its id.
func (s *Store) CreateCallSession(ctx context.Context, cs CallSession) (int64, error) {
	if cs.ChannelID == "" {
		return 0, fmt.Errorf("channel id is required")
	}
	if cs.CoachProfileID == 0 || cs.AttendeeProfileID == 0 {
		return 0, fmt.Errorf("coach and attendee profile ids are required")
	}
	startedAt := cs.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO call_sessions (coach_profile_id, attendee_profile_id, channel_id, started_at, status)
		 VALUES (?, ?, ?, ?, ?)`,
		cs.CoachProfileID, cs.AttendeeProfileID, cs.ChannelID, toMillis(startedAt), CallStatusInProgress,
	)
	if err != nil {
		return 0, fmt.Errorf("insert call session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("call session id: %w", err)
	}
	return id, nil
}

// FinalizeCallSession closes a billing record: end timestamp, duration derived
// from the stored start time, and a terminal status.
func (s *Store) FinalizeCallSession(ctx context.Context, id int64, endedAt time.Time, status string) error {
	var startedMillis int64
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at FROM call_sessions WHERE id = ?`, id,
	).Scan(&startedMillis)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query call session: %w", err)
	}

	duration := endedAt.Sub(fromMillis(startedMillis))
	if duration < 0 {
		duration = 0
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE call_sessions SET ended_at = ?, duration_seconds = ?, status = ? WHERE id = ?`,
		toMillis(endedAt), int64(duration.Seconds()), status, id,
	); err != nil {
		return fmt.Errorf("finalize call session: %w", err)
	}
	return nil
}

// CallSession fetches one billing record by id. Returns ErrNotFound when absent.
func (s *Store) CallSession(ctx context.Context, id int64) (CallSession, error) {
	var (
		cs           CallSession
		startedAt    int64
		endedAt      sql.NullInt64
		durationSecs sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, coach_profile_id, attendee_profile_id, channel_id, started_at, ended_at, duration_seconds, status
		 FROM call_sessions WHERE id = ?`, id,
	).Scan(&cs.ID, &cs.CoachProfileID, &cs.AttendeeProfileID, &cs.ChannelID, &startedAt, &endedAt, &durationSecs, &cs.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return CallSession{}, ErrNotFound
	}
	if err != nil {
		return CallSession{}, fmt.Errorf("query call session: %w", err)
	}
	cs.StartedAt = fromMillis(startedAt)
	if endedAt.Valid {
		cs.EndedAt = fromMillis(endedAt.Int64)
	}
	if durationSecs.Valid {
		cs.Duration = time.Duration(durationSecs.Int64) * time.Second
	}
	return cs, nil
}

// RecordVoiceChannel records a provisioned temporary channel.
func (s *Store) RecordVoiceChannel(ctx context.Context, vc VoiceChannel) error {
	if vc.ChannelID == "" {
		return fmt.Errorf("channel id is required")
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO voice_channels (channel_id, guild_id, coach_profile_id, name, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (channel_id) DO NOTHING`,
		vc.ChannelID, vc.GuildID, vc.CoachProfileID, vc.Name, toMillis(time.Now()),
	); err != nil {
		return fmt.Errorf("insert voice channel: %w", err)
	}
	return nil
}

// MarkVoiceChannelDeleted stamps a voice-channel record as deleted.
func (s *Store) MarkVoiceChannelDeleted(ctx context.Context, channelID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE voice_channels SET deleted_at = ? WHERE channel_id = ?`,
		toMillis(time.Now()), channelID,
	); err != nil {
		return fmt.Errorf("mark voice channel deleted: %w", err)
	}
	return nil
}
