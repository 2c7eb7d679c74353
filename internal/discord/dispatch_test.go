package discord

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"coachline/internal/market"
	"coachline/internal/storage"
)

const (
	testGuild     = "g1"
	testCommunity = "comm-1"
	testLounge    = "lounge-1"
	testCoachRole = "role-coach"
	coachUser     = "user-coach"
	attendeeUser  = "user-attendee"
)

// loungeFixture builds a monitored guild with a lounge, a coach role, a coach
// (profile 10, $25/hr) and an attendee (profile 20).
func loungeFixture(t *testing.T) (*Bot, *fakePlatform, *fakeMarket) {
	t.Helper()

	api := newFakePlatform()
	api.addGuild(testGuild)
	api.addChannel(testLounge, testGuild, "Coach Lounge", 2) // voice
	api.addRole(testGuild, testCoachRole, "Coach")
	api.addMember(testGuild, coachUser, "Ali", false, testCoachRole)
	api.addMember(testGuild, attendeeUser, "Sam", false)

	mkt := newFakeMarket()
	mkt.addCoach(coachUser, 10, 25, testCommunity)
	mkt.addAttendee(attendeeUser, 20)

	b := newTestBot(api, mkt, nil)
	b.registry.Register(GuildConfig{
		GuildID:         testGuild,
		CommunityID:     testCommunity,
		LoungeName:      "Coach Lounge",
		LoungeChannelID: testLounge,
		CoachRoleID:     testCoachRole,
	})
	return b, api, mkt
}

func join(b *Bot, userID, channelID string) {
	b.handleJoin(context.Background(), voiceEvent{guildID: testGuild, userID: userID, to: channelID})
}

func leave(b *Bot, userID, channelID string) {
	b.handleLeave(context.Background(), voiceEvent{guildID: testGuild, userID: userID, from: channelID})
}

// startSession drives a coach through the lounge and returns the temporary
// channel ID.
func startSession(t *testing.T, b *Bot, api *fakePlatform) string {
	t.Helper()
	join(b, coachUser, testLounge)
	if len(api.createdChannels) == 0 {
		t.Fatal("expected a temporary channel to be created")
	}
	return api.createdChannels[len(api.createdChannels)-1]
}

func TestCoachLoungeJoinOpensCoachOnlySession(t *testing.T) {
	b, api, mkt := loungeFixture(t)

	tempCh := startSession(t, b, api)

	sess, ok := b.tracker.Get(tempCh)
	if !ok {
		t.Fatal("expected an active session for the new channel")
	}
	if sess.CoachUserID != coachUser || sess.CoachProfileID != 10 {
		t.Fatalf("unexpected coach fields: %+v", sess)
	}
	if sess.AttendeeUserID != "" || sess.CallSessionID != 0 {
		t.Fatalf("expected coach-only state with no billing record, got %+v", sess)
	}
	if mkt.callsCreated != 0 {
		t.Fatalf("expected no billing record yet, got %d", mkt.callsCreated)
	}

	ch := api.channels[tempCh]
	if ch.Name != "Ali | $25/hr" {
		t.Fatalf("unexpected channel name %q", ch.Name)
	}
	if len(api.moves) != 1 || api.moves[0] != coachUser+"->"+tempCh {
		t.Fatalf("expected coach moved into %s, got %v", tempCh, api.moves)
	}
	if len(mkt.voiceRecorded) != 1 || mkt.voiceRecorded[0] != tempCh {
		t.Fatalf("expected voice channel recorded, got %v", mkt.voiceRecorded)
	}
}

func TestLoungeJoinWithoutRoleEjects(t *testing.T) {
	b, api, _ := loungeFixture(t)
	api.addMember(testGuild, "user-random", "Randy", false) // no coach role

	join(b, "user-random", testLounge)

	if len(api.createdChannels) != 0 {
		t.Fatalf("expected no channel creation, got %v", api.createdChannels)
	}
	if len(api.moves) != 1 || api.moves[0] != "user-random->disconnect" {
		t.Fatalf("expected member disconnected, got %v", api.moves)
	}
	if len(api.dms) != 1 || api.dms[0] != "user-random" {
		t.Fatalf("expected rejection notice, got %v", api.dms)
	}
}

func TestLoungeJoinUnlinkedCoachEjects(t *testing.T) {
	b, api, _ := loungeFixture(t)
	// Carries the Discord role but has no linked profile.
	api.addMember(testGuild, "user-impostor", "Imp", false, testCoachRole)

	join(b, "user-impostor", testLounge)

	if len(api.createdChannels) != 0 {
		t.Fatalf("expected no channel creation, got %v", api.createdChannels)
	}
	if len(api.dms) != 1 {
		t.Fatalf("expected rejection notice, got %v", api.dms)
	}
}

func TestLoungeJoinIgnoresBots(t *testing.T) {
	b, api, _ := loungeFixture(t)
	api.addMember(testGuild, "user-bot", "Botty", true, testCoachRole)

	join(b, "user-bot", testLounge)

	if len(api.createdChannels) != 0 || len(api.moves) != 0 || len(api.dms) != 0 {
		t.Fatal("expected bot join to be ignored entirely")
	}
}

func TestAttendeeJoinCreatesBillingRecord(t *testing.T) {
	b, api, mkt := loungeFixture(t)
	tempCh := startSession(t, b, api)

	join(b, attendeeUser, tempCh)

	sess, ok := b.tracker.Get(tempCh)
	if !ok {
		t.Fatal("session disappeared")
	}
	if sess.AttendeeUserID != attendeeUser || sess.AttendeeProfileID != 20 {
		t.Fatalf("expected attendee attached, got %+v", sess)
	}
	if sess.CallSessionID == 0 {
		t.Fatal("expected a billing record id on the session")
	}
	if mkt.callsCreated != 1 {
		t.Fatalf("expected exactly one billing record, got %d", mkt.callsCreated)
	}
	call := mkt.calls[sess.CallSessionID]
	if call.coachProfile != 10 || call.attendeeProfile != 20 {
		t.Fatalf("unexpected billing participants: %+v", call)
	}
	if !call.startedAt.Equal(sess.StartedAt) {
		t.Fatalf("billing start %v should equal session start %v", call.startedAt, sess.StartedAt)
	}
}

func TestAttendeeAttachIsIdempotent(t *testing.T) {
	b, api, mkt := loungeFixture(t)
	tempCh := startSession(t, b, api)

	join(b, attendeeUser, tempCh)
	join(b, attendeeUser, tempCh)

	if mkt.callsCreated != 1 {
		t.Fatalf("expected one billing record after duplicate join, got %d", mkt.callsCreated)
	}
}

func TestCoachRejoinIsNoop(t *testing.T) {
	b, api, mkt := loungeFixture(t)
	tempCh := startSession(t, b, api)

	join(b, coachUser, tempCh)

	sess, _ := b.tracker.Get(tempCh)
	if sess.AttendeeUserID != "" || mkt.callsCreated != 0 {
		t.Fatalf("coach reconnect must not change state: %+v", sess)
	}
}

func TestUnresolvableJoinerIsPresenceOnly(t *testing.T) {
	b, api, mkt := loungeFixture(t)
	tempCh := startSession(t, b, api)
	api.addMember(testGuild, "user-guest", "Guest", false)

	join(b, "user-guest", tempCh)

	sess, _ := b.tracker.Get(tempCh)
	if sess.AttendeeUserID != "" {
		t.Fatalf("unlinked joiner must not become the attendee: %+v", sess)
	}
	if mkt.callsCreated != 0 {
		t.Fatalf("expected no billing record, got %d", mkt.callsCreated)
	}
}

func TestExtraJoinerWhileActiveIsIgnored(t *testing.T) {
	b, api, mkt := loungeFixture(t)
	tempCh := startSession(t, b, api)
	join(b, attendeeUser, tempCh)

	api.addMember(testGuild, "user-third", "Trey", false)
	mkt.addAttendee("user-third", 30)
	join(b, "user-third", tempCh)

	sess, _ := b.tracker.Get(tempCh)
	if sess.AttendeeUserID != attendeeUser {
		t.Fatalf("attendee seat must not change: %+v", sess)
	}
	if mkt.callsCreated != 1 {
		t.Fatalf("expected one billing record, got %d", mkt.callsCreated)
	}
}

func TestCoachLeaveTearsDownRegardlessOfOccupants(t *testing.T) {
	b, api, mkt := loungeFixture(t)
	tempCh := startSession(t, b, api)
	join(b, attendeeUser, tempCh)
	sess, _ := b.tracker.Get(tempCh)

	// Attendee is still connected when the coach drops.
	api.voice[tempCh] = []string{attendeeUser}
	leave(b, coachUser, tempCh)

	if b.tracker.Count() != 0 {
		t.Fatal("expected session removed")
	}
	if len(api.deletedChannels) != 1 || api.deletedChannels[0] != tempCh {
		t.Fatalf("expected channel deleted, got %v", api.deletedChannels)
	}
	call := mkt.calls[sess.CallSessionID]
	if call.status != market.CallStatusCompleted {
		t.Fatalf("expected finalized billing record, got %q", call.status)
	}
	if call.endedAt.IsZero() {
		t.Fatal("expected an end timestamp")
	}
	if len(mkt.voiceDeleted) != 1 || mkt.voiceDeleted[0] != tempCh {
		t.Fatalf("expected voice record marked deleted, got %v", mkt.voiceDeleted)
	}
}

func TestAttendeeLeaveWithOthersDemotesToCoachOnly(t *testing.T) {
	b, api, mkt := loungeFixture(t)
	tempCh := startSession(t, b, api)
	join(b, attendeeUser, tempCh)

	// Coach plus one bystander remain after the attendee disconnects.
	api.voice[tempCh] = []string{coachUser, "user-guest"}
	leave(b, attendeeUser, tempCh)

	sess, ok := b.tracker.Get(tempCh)
	if !ok {
		t.Fatal("session must survive attendee leave with others present")
	}
	if sess.AttendeeUserID != "" || sess.AttendeeProfileID != 0 {
		t.Fatalf("expected attendee fields cleared, got %+v", sess)
	}
	if sess.CallSessionID == 0 {
		t.Fatal("billing record reference must be kept")
	}
	if mkt.calls[sess.CallSessionID].status != market.CallStatusInProgress {
		t.Fatal("billing record must not be finalized on demote")
	}
	if len(api.deletedChannels) != 0 {
		t.Fatalf("channel must not be deleted, got %v", api.deletedChannels)
	}
}

func TestAttendeeLeaveToCoachOnlyEmptyTearsDown(t *testing.T) {
	b, api, mkt := loungeFixture(t)
	tempCh := startSession(t, b, api)
	join(b, attendeeUser, tempCh)
	sess, _ := b.tracker.Get(tempCh)

	// Only the coach remains.
	api.voice[tempCh] = []string{coachUser}
	leave(b, attendeeUser, tempCh)

	if b.tracker.Count() != 0 {
		t.Fatal("expected teardown when attendee leave empties the channel")
	}
	if mkt.calls[sess.CallSessionID].status != market.CallStatusCompleted {
		t.Fatal("expected billing record finalized")
	}
}

func TestBillingRecordCreatedOncePerSession(t *testing.T) {
	b, api, mkt := loungeFixture(t)
	tempCh := startSession(t, b, api)
	join(b, attendeeUser, tempCh)

	// Demote, then a different attendee takes the seat.
	api.voice[tempCh] = []string{coachUser, "user-next"}
	leave(b, attendeeUser, tempCh)

	api.addMember(testGuild, "user-next", "Nex", false)
	mkt.addAttendee("user-next", 30)
	join(b, "user-next", tempCh)

	sess, _ := b.tracker.Get(tempCh)
	if sess.AttendeeUserID != "user-next" || sess.AttendeeProfileID != 30 {
		t.Fatalf("expected new attendee attached, got %+v", sess)
	}
	if mkt.callsCreated != 1 {
		t.Fatalf("billing record must be created once per session, got %d", mkt.callsCreated)
	}
}

func TestDemotedSessionFinalizesAsAbandoned(t *testing.T) {
	b, api, mkt := loungeFixture(t)
	tempCh := startSession(t, b, api)
	join(b, attendeeUser, tempCh)
	sess, _ := b.tracker.Get(tempCh)

	// Attendee bails while a bystander keeps the channel open, then the
	// coach gives up without anyone taking the seat again.
	api.voice[tempCh] = []string{coachUser, "user-guest"}
	leave(b, attendeeUser, tempCh)
	leave(b, coachUser, tempCh)

	if b.tracker.Count() != 0 {
		t.Fatal("expected teardown on coach leave")
	}
	if got := mkt.calls[sess.CallSessionID].status; got != market.CallStatusAbandoned {
		t.Fatalf("expected abandoned billing record, got %q", got)
	}
}

func TestMoveFromLoungeToOwnChannelKeepsSession(t *testing.T) {
	b, api, _ := loungeFixture(t)
	tempCh := startSession(t, b, api)

	// The gateway reports the provisioning move as leave(lounge)+join(temp).
	leave(b, coachUser, testLounge)
	join(b, coachUser, tempCh)

	if _, ok := b.tracker.Get(tempCh); !ok {
		t.Fatal("coach move out of the lounge must not end the session")
	}
}

func TestLeaveOnUntrackedChannelIsNoop(t *testing.T) {
	b, api, _ := loungeFixture(t)
	leave(b, coachUser, "chan-unknown")
	if len(api.deletedChannels) != 0 {
		t.Fatalf("expected nothing deleted, got %v", api.deletedChannels)
	}
}

func TestCoachMoveFailureRollsBackProvisioning(t *testing.T) {
	b, api, _ := loungeFixture(t)
	api.moveErr = errors.New("target user not connected")

	join(b, coachUser, testLounge)

	if b.tracker.Count() != 0 {
		t.Fatal("expected no session when the coach cannot be moved")
	}
	if len(api.deletedChannels) != 1 {
		t.Fatalf("expected orphan channel deleted, got %v", api.deletedChannels)
	}
}

func TestUnregisterGuildTearsDownItsSessions(t *testing.T) {
	b, api, _ := loungeFixture(t)
	tempCh := startSession(t, b, api)

	// An unrelated guild's session stays untouched.
	other := Session{ChannelID: "chan-other", GuildID: "g2", CoachUserID: "c2"}
	b.tracker.Create(other)

	if err := b.UnregisterGuild(context.Background(), testGuild); err != nil {
		t.Fatalf("unregister: %v", err)
	}

	if _, ok := b.tracker.Get(tempCh); ok {
		t.Fatal("expected monitored guild's session torn down")
	}
	if _, ok := b.tracker.Get("chan-other"); !ok {
		t.Fatal("other guild's session must remain")
	}
	if _, monitored := b.registry.Lookup(testGuild); monitored {
		t.Fatal("guild must be unregistered")
	}
}

func TestTeardownFailuresAreJournaled(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "coachline.json"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer store.Close()

	api := newFakePlatform()
	api.addGuild(testGuild)
	api.addChannel(testLounge, testGuild, "Coach Lounge", 2)
	api.addRole(testGuild, testCoachRole, "Coach")
	api.addMember(testGuild, coachUser, "Ali", false, testCoachRole)
	mkt := newFakeMarket()
	mkt.addCoach(coachUser, 10, 25, testCommunity)
	mkt.addAttendee(attendeeUser, 20)
	api.addMember(testGuild, attendeeUser, "Sam", false)

	b := newTestBot(api, mkt, store)
	b.registry.Register(GuildConfig{
		GuildID:         testGuild,
		CommunityID:     testCommunity,
		LoungeChannelID: testLounge,
		CoachRoleID:     testCoachRole,
	})

	tempCh := startSession(t, b, api)
	join(b, attendeeUser, tempCh)

	mkt.finalizeErr = errors.New("store unavailable")
	api.channelDeleteErr = errors.New("missing permissions")
	leave(b, coachUser, tempCh)

	if b.tracker.Count() != 0 {
		t.Fatal("session state must be dropped even when teardown steps fail")
	}

	incidents, err := store.TeardownIncidents(testGuild)
	if err != nil {
		t.Fatalf("incidents: %v", err)
	}
	if len(incidents) != 2 {
		t.Fatalf("expected 2 journaled incidents, got %d: %+v", len(incidents), incidents)
	}
	steps := map[string]bool{}
	for _, inc := range incidents {
		steps[inc.Step] = true
		if inc.ChannelID != tempCh {
			t.Fatalf("incident for wrong channel: %+v", inc)
		}
	}
	if !steps["finalize-billing"] || !steps["delete-channel"] {
		t.Fatalf("expected both steps journaled, got %+v", steps)
	}
}

func TestSessionChannelNameTruncation(t *testing.T) {
	long := make([]rune, 0, 150)
	for i := 0; i < 150; i++ {
		long = append(long, 'x')
	}
	name := sessionChannelName(string(long), 25)
	if got := len([]rune(name)); got != channelNameLimit {
		t.Fatalf("expected name truncated to %d runes, got %d", channelNameLimit, got)
	}
}
