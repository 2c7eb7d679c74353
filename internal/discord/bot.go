// Package discord is the voice-coaching session orchestrator: it owns the
// gateway connection, the guild registry, provisioning and repair of the
// coach role and lounge channel, and the per-channel session state machine
// that turns presence events into billing records.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"coachline/internal/config"
	"coachline/internal/storage"
	"coachline/pkg/jobmgr"
	"coachline/pkg/retrylimit"
	"coachline/pkg/util"

	"github.com/bwmarrin/discordgo"
)

// ErrNotConnected is returned by operations that need live platform data
// while the connection is not ready. Callers retry after readiness.
var ErrNotConnected = errors.New("discord: not connected")

const (
	eventQueueSize         = 256
	teardownWorkers        = 4
	readyPollInterval      = 250 * time.Millisecond
	autoRepairJobName      = "autorepair"
	rejectionNotice        = "You need the Coach role to start a coaching session. Ask a server admin to set you up."
	loungeCategoryName     = "Voice Channels"
	channelNameLimit       = 100
	teardownFinalizeBudget = 15 * time.Second
)

// Bot is the orchestrator instance. It is constructed explicitly by the
// composition root and passed by handle to whatever invokes setup, repair and
// health operations; there is no global accessor.
type Bot struct {
	cfg      *config.Config
	market   MarketStore
	store    *storage.Storage
	registry *Registry
	tracker  *Tracker
	limiter  *retrylimit.Limiter
	jobs     *jobmgr.Manager

	api    Platform
	dg     *discordgo.Session
	events chan voiceEvent
	ready  atomic.Bool

	mu         sync.Mutex // guards login/logout
	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
}

// NewBot wires an orchestrator. market is required; store may be nil when the
// caller does not want a store of record (persistence and the teardown
// journal are then skipped).
func NewBot(cfg *config.Config, market MarketStore, store *storage.Storage) *Bot {
	return &Bot{
		cfg:      cfg,
		market:   market,
		store:    store,
		registry: NewRegistry(),
		tracker:  NewTracker(),
		limiter:  retrylimit.NewLimiter(10, 1, 25),
		jobs: jobmgr.NewManager(func(msg string) {
			log.Println("[INFO] Job:", msg)
		}),
		events: make(chan voiceEvent, eventQueueSize),
	}
}

// Login opens the gateway connection. Calling Login on a logged-in bot is a
// no-op. Readiness arrives asynchronously; poll Ready or use WaitReady.
func (b *Bot) Login() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dg != nil {
		return nil
	}

	dg, err := discordgo.New("Bot " + b.cfg.DiscordToken)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildVoiceStates

	dg.AddHandler(b.onReady)
	dg.AddHandler(b.onVoiceStateUpdate)
	dg.AddHandler(b.onDisconnect)

	// Dispatch must be live before Open: the gateway starts delivering
	// events as soon as the connection is up.
	b.api = &sessionPlatform{s: dg}
	b.startDispatch()

	if err := dg.Open(); err != nil {
		b.stopDispatch()
		b.api = nil
		return fmt.Errorf("failed to open Discord session: %w", err)
	}

	b.dg = dg

	if b.cfg.AutoRepairInterval > 0 {
		if err := b.jobs.Start(autoRepairJobName, b.autoRepairLoop); err != nil {
			log.Println("[WARN] Failed to start auto-repair job:", err)
		}
	}

	return nil
}

// Logout tears down every active session best-effort, then closes the
// connection. Idempotent against a logged-out bot.
func (b *Bot) Logout(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dg == nil {
		return nil
	}

	b.jobs.StopAll()
	b.teardownAll(ctx)

	b.stopDispatch()
	b.ready.Store(false)

	err := b.dg.Close()
	b.dg = nil
	b.api = nil
	if err != nil {
		return fmt.Errorf("failed to close Discord session: %w", err)
	}
	log.Println("[INFO] ❎ Discord session closed")
	return nil
}

// startDispatch runs the event consumer in its own goroutine, tracked so
// shutdown can wait for it.
func (b *Bot) startDispatch() {
	b.loopCtx, b.loopCancel = context.WithCancel(context.Background())
	b.loopWG.Add(1)
	go func() {
		defer b.loopWG.Done()
		b.dispatchLoop(b.loopCtx)
	}()
}

// stopDispatch cancels the consumer and waits for any in-flight event to
// finish. The platform handle must not be released until this returns, and a
// later login must not start a second consumer on the shared queue before the
// first is gone.
func (b *Bot) stopDispatch() {
	b.loopCancel()
	b.loopWG.Wait()
}

// Ready reports whether the gateway has delivered its ready event.
func (b *Bot) Ready() bool {
	return b.ready.Load()
}

// WaitReady polls readiness until the context expires. A login that never
// becomes ready fails visibly here rather than hanging the caller.
func (b *Bot) WaitReady(ctx context.Context) error {
	if b.Ready() {
		return nil
	}
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("gateway not ready: %w", ctx.Err())
		case <-ticker.C:
			if b.Ready() {
				return nil
			}
		}
	}
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.ready.Store(true)
	log.Printf("[INFO] ✅ Logged in as %s, monitoring %d guild(s)", r.User.Username, len(b.registry.All()))
}

func (b *Bot) onDisconnect(s *discordgo.Session, d *discordgo.Disconnect) {
	b.ready.Store(false)
	log.Println("[WARN] Gateway disconnected")
}

// RegisterGuild upserts a guild's monitoring config and persists it to the
// store of record.
func (b *Bot) RegisterGuild(cfg GuildConfig) error {
	b.registry.Register(cfg)
	if b.store == nil {
		return nil
	}
	return b.store.SaveGuildConfig(storage.GuildRecord{
		GuildID:         cfg.GuildID,
		CommunityID:     cfg.CommunityID,
		LoungeChannelID: cfg.LoungeChannelID,
		LoungeName:      cfg.LoungeName,
		CoachRoleID:     cfg.CoachRoleID,
	})
}

// UnregisterGuild stops monitoring a guild and tears down any of its active
// sessions.
func (b *Bot) UnregisterGuild(ctx context.Context, guildID string) error {
	if !b.registry.Unregister(guildID) {
		return nil
	}
	for _, sess := range b.tracker.ForGuild(guildID) {
		b.tracker.Acquire(sess.ChannelID)
		b.teardownLocked(ctx, sess.ChannelID, "guild unregistered")
		b.tracker.Release(sess.ChannelID)
	}
	if b.store == nil {
		return nil
	}
	return b.store.DeleteGuildConfig(guildID)
}

// RestoreGuilds re-registers every guild persisted in the store of record.
// Safe to call before Login; registration needs no live connection.
func (b *Bot) RestoreGuilds() error {
	if b.store == nil {
		return nil
	}
	records, err := b.store.AllGuildConfigs()
	if err != nil {
		return fmt.Errorf("failed to load guild configs: %w", err)
	}
	for _, rec := range records {
		b.registry.Register(GuildConfig{
			GuildID:         rec.GuildID,
			CommunityID:     rec.CommunityID,
			LoungeChannelID: rec.LoungeChannelID,
			LoungeName:      rec.LoungeName,
			CoachRoleID:     rec.CoachRoleID,
		})
	}
	if len(records) > 0 {
		log.Printf("[INFO] Restored %d guild config(s) from store of record", len(records))
	}
	return nil
}

// teardownAll ends every tracked session with a bounded worker pool.
func (b *Bot) teardownAll(ctx context.Context) {
	sessions := b.tracker.All()
	if len(sessions) == 0 {
		return
	}
	log.Printf("[INFO] Tearing down %d active session(s)...", len(sessions))
	_ = util.Parallel(ctx, sessions, teardownWorkers, func(ctx context.Context, sess Session) error {
		b.tracker.Acquire(sess.ChannelID)
		b.teardownLocked(ctx, sess.ChannelID, "logout")
		b.tracker.Release(sess.ChannelID)
		return nil
	})
}

// autoRepairLoop periodically audits every registered guild and repairs the
// unhealthy ones. Runs only when enabled via AUTO_REPAIR_INTERVAL.
func (b *Bot) autoRepairLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.AutoRepairInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !b.Ready() {
				continue
			}
			for _, cfg := range b.registry.All() {
				report := b.CheckHealth(cfg.GuildID, cfg.CoachRoleID, cfg.LoungeChannelID)
				if report.Healthy {
					continue
				}
				log.Printf("[WARN] Guild %s unhealthy: %v, repairing", cfg.GuildID, report.Issues)
				if res := b.Repair(ctx, cfg.GuildID, cfg.CommunityID, cfg.LoungeName, cfg.CoachRoleID, cfg.LoungeChannelID); res == nil {
					log.Printf("[ERR] Repair failed for guild %s: guild unreachable", cfg.GuildID)
				} else {
					log.Printf("[DONE] Repaired guild %s (role %s, channel %s)", cfg.GuildID, res.RoleID, res.ChannelID)
				}
			}
		}
	}
}
