package discord

import (
	"sync"
	"time"
)

// Session is the in-memory record correlating a temporary voice channel to
// its coach, attendee and billing state. Attendee fields are zero until an
// attendee joins; CallSessionID is zero until a billing record exists.
type Session struct {
	ChannelID         string
	GuildID           string
	CoachUserID       string
	CoachProfileID    int64
	CoachRate         float64
	AttendeeUserID    string
	AttendeeProfileID int64
	StartedAt         time.Time
	CallSessionID     int64
}

// Tracker holds the active sessions keyed by temporary channel ID. The map
// mutex is only ever held for map reads and writes, never across platform
// I/O; per-channel serialization is done with the keyed lock, which callers
// hold for the whole transition.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	locks    keyedMutex
}

func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]*Session)}
}

// Acquire takes the per-channel transition lock.
func (t *Tracker) Acquire(channelID string) {
	t.locks.lock(channelID)
}

// Release drops the per-channel transition lock.
func (t *Tracker) Release(channelID string) {
	t.locks.unlock(channelID)
}

// Get returns a copy of the session for a channel, if one exists.
func (t *Tracker) Get(channelID string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sess, ok := t.sessions[channelID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Create adds a session. Returns false when the channel already has one,
// leaving the existing session untouched.
func (t *Tracker) Create(sess Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sessions[sess.ChannelID]; exists {
		return false
	}
	copied := sess
	t.sessions[sess.ChannelID] = &copied
	return true
}

// Update replaces the stored session for its channel. A session removed by a
// concurrent teardown is not resurrected.
func (t *Tracker) Update(sess Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sessions[sess.ChannelID]; !exists {
		return false
	}
	copied := sess
	t.sessions[sess.ChannelID] = &copied
	return true
}

// Remove deletes and returns the session for a channel.
func (t *Tracker) Remove(channelID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[channelID]
	if !ok {
		return Session{}, false
	}
	delete(t.sessions, channelID)
	return *sess, true
}

// ForGuild returns a snapshot of every session in one guild.
func (t *Tracker) ForGuild(guildID string) []Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Session
	for _, sess := range t.sessions {
		if sess.GuildID == guildID {
			out = append(out, *sess)
		}
	}
	return out
}

// All returns a snapshot of every tracked session.
func (t *Tracker) All() []Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Session, 0, len(t.sessions))
	for _, sess := range t.sessions {
		out = append(out, *sess)
	}
	return out
}

// Count returns the number of active sessions.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// keyedMutex hands out one mutex per key, dropping entries once the last
// holder releases them.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*keyedEntry)
	}
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyedEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
}

func (k *keyedMutex) unlock(key string) {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		k.mu.Unlock()
		panic("keyedMutex: unlock of unheld key " + key)
	}
	entry.refs--
	if entry.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()

	entry.mu.Unlock()
}
