package discord

import "sync"

// GuildConfig is one monitored community's configuration. A guild is
// monitored iff it has an entry in the registry.
type GuildConfig struct {
	GuildID         string
	CommunityID     string
	LoungeName      string
	LoungeChannelID string
	CoachRoleID     string
}

// Registry maps guild IDs to their monitoring configuration. In-memory only;
// the owning process re-registers from the store of record after a restart.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]GuildConfig
}

func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]GuildConfig)}
}

// Register upserts a guild's config. Last write wins.
func (r *Registry) Register(cfg GuildConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.GuildID] = cfg
}

// Lookup returns the config for a guild. The second return is false when the
// guild is not monitored.
func (r *Registry) Lookup(guildID string) (GuildConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[guildID]
	return cfg, ok
}

// Unregister removes a guild. Returns false when the guild was not registered.
func (r *Registry) Unregister(guildID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.configs[guildID]; !ok {
		return false
	}
	delete(r.configs, guildID)
	return true
}

// All returns a snapshot of every registered config.
func (r *Registry) All() []GuildConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]GuildConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg)
	}
	return out
}
