// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/anteroom-dev/anteroom/gateway"
	"github.com/anteroom-dev/anteroom/gateway/gatewaytest"
	"github.com/anteroom-dev/anteroom/lib/clock"
	"github.com/anteroom-dev/anteroom/lib/ref"
	"github.com/anteroom-dev/anteroom/lib/testutil"
	"github.com/anteroom-dev/anteroom/panel"
	"github.com/anteroom-dev/anteroom/ratelimit"
	"github.com/anteroom-dev/anteroom/roomstore"
)

var (
	epoch    = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	hub      = ref.MustParseRoomID("!hub:test.local")
	alice    = ref.MustParseUserID("@alice:test.local")
	bob      = ref.MustParseUserID("@bob:test.local")
	operator = ref.MustParseUserID("@operator:test.local")
)

const (
	namePrefix    = "room: "
	gracePeriod   = 3 * time.Minute
	sweepInterval = 30 * time.Minute
)

type fixture struct {
	store   *roomstore.Store
	fake    *gatewaytest.Fake
	clock   *clock.FakeClock
	manager *Manager
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	fake := gatewaytest.NewFake()
	fakeClock := clock.Fake(epoch)

	store, err := roomstore.Open(roomstore.Config{
		Path:  filepath.Join(t.TempDir(), "anteroom.db"),
		Clock: fakeClock,
	})
	if err != nil {
		t.Fatalf("roomstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	limiter, err := ratelimit.New(ratelimit.Config{
		Threshold: 3,
		Window:    10 * time.Minute,
		Cooldown:  5 * time.Minute,
	}, store, fakeClock, nil)
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	reconciler, err := panel.New(panel.Config{
		Store:     store,
		Gateway:   fake,
		Operators: []ref.UserID{operator},
	})
	if err != nil {
		t.Fatalf("panel.New: %v", err)
	}

	config := Config{
		Store:           store,
		Gateway:         fake,
		Panel:           reconciler,
		Limiter:         limiter,
		Clock:           fakeClock,
		HubChannel:      hub,
		NamePrefix:      namePrefix,
		DefaultCapacity: 3,
		GracePeriod:     gracePeriod,
		SweepInterval:   sweepInterval,
		Operators:       []ref.UserID{operator},
	}
	if mutate != nil {
		mutate(&config)
	}
	manager, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{store: store, fake: fake, clock: fakeClock, manager: manager}
}

func (f *fixture) hubJoin(user ref.UserID) {
	f.manager.HandlePresence(context.Background(), gateway.PresenceUpdate{
		User: user, Channel: hub, Joined: true,
	})
}

func (f *fixture) leave(user ref.UserID, channel ref.RoomID) {
	f.fake.Leave(user, channel)
	f.manager.HandlePresence(context.Background(), gateway.PresenceUpdate{
		User: user, Channel: channel, Joined: false,
	})
}

// onlyRoom returns the single managed room, failing if there is not
// exactly one.
func (f *fixture) onlyRoom(t *testing.T) roomstore.Room {
	t.Helper()
	rooms, err := f.store.ListRooms(context.Background())
	if err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	if len(rooms) != 1 {
		t.Fatalf("got %d managed rooms, want 1", len(rooms))
	}
	return rooms[0]
}

func (f *fixture) roomCount(t *testing.T) int {
	t.Helper()
	rooms, err := f.store.ListRooms(context.Background())
	if err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	return len(rooms)
}

func TestHubJoinCreatesRoom(t *testing.T) {
	f := newFixture(t, nil)
	f.hubJoin(alice)

	room := f.onlyRoom(t)
	if room.Owner != alice {
		t.Errorf("owner = %s, want %s", room.Owner, alice)
	}
	if room.Capacity != 3 {
		t.Errorf("capacity = %d, want 3", room.Capacity)
	}
	if !f.fake.HasChannel(room.Channel) {
		t.Error("channel not created")
	}

	channels, _ := f.fake.ListChannels(context.Background())
	if len(channels) != 1 || channels[0].Name != namePrefix+"alice" {
		t.Errorf("channel name = %q, want %q", channels[0].Name, namePrefix+"alice")
	}
	occupants, _ := f.fake.ListOccupants(context.Background(), room.Channel)
	if len(occupants) != 1 || occupants[0] != alice {
		t.Errorf("creator not moved in: %v", occupants)
	}
	if room.PanelMessage.IsZero() {
		t.Error("panel not posted on creation")
	}
	grants, _ := f.fake.GrantsOf(room.Channel)
	if !grants.DefaultJoin || len(grants.Managers) != 1 || grants.Managers[0] != alice {
		t.Errorf("grant template wrong: %+v", grants)
	}
}

func TestHubJoinDeniedWhenBlocked(t *testing.T) {
	f := newFixture(t, nil)
	// Saturate the window: three creations trip the block.
	for i := 0; i < 3; i++ {
		f.hubJoin(alice)
	}
	if got := f.roomCount(t); got != 3 {
		t.Fatalf("rooms before denial = %d, want 3", got)
	}

	f.hubJoin(alice)
	if got := f.roomCount(t); got != 3 {
		t.Errorf("denied join still created a room: %d", got)
	}
	notices := f.fake.Notices(alice)
	if len(notices) != 1 || !strings.Contains(notices[0], "too quickly") {
		t.Errorf("denial notice = %v", notices)
	}

	// Other users are unaffected.
	f.hubJoin(bob)
	if got := f.roomCount(t); got != 4 {
		t.Errorf("bob's creation blocked by alice's limit: %d rooms", got)
	}
}

func TestEmptyRoomDeletedAfterGrace(t *testing.T) {
	f := newFixture(t, nil)
	f.hubJoin(alice)
	room := f.onlyRoom(t)

	f.leave(alice, room.Channel)
	f.clock.WaitForTimers(1)
	f.clock.Advance(gracePeriod)

	testutil.Eventually(t, time.Second, "room deleted after grace", func() bool {
		return f.roomCount(t) == 0 && !f.fake.HasChannel(room.Channel)
	})
}

func TestRefilledRoomSurvivesGrace(t *testing.T) {
	f := newFixture(t, nil)
	f.hubJoin(alice)
	room := f.onlyRoom(t)

	f.leave(alice, room.Channel)
	f.clock.WaitForTimers(1)

	// Someone walks in before the grace period expires.
	f.fake.Join(bob, room.Channel)
	f.clock.Advance(gracePeriod)

	// The completed check clears its registry slot; once a new check
	// can register a timer the old one has finished without deleting.
	testutil.Eventually(t, time.Second, "second empty check registered", func() bool {
		f.manager.HandlePresence(context.Background(), gateway.PresenceUpdate{
			User: alice, Channel: room.Channel, Joined: false,
		})
		return f.clock.PendingCount() == 1
	})

	if f.roomCount(t) != 1 || !f.fake.HasChannel(room.Channel) {
		t.Error("occupied room was deleted at grace expiry")
	}
}

func TestEmptyChecksDeduplicated(t *testing.T) {
	f := newFixture(t, nil)
	f.hubJoin(alice)
	room := f.onlyRoom(t)
	f.fake.Join(bob, room.Channel)

	f.leave(alice, room.Channel)
	f.clock.WaitForTimers(1)
	// A second departure while a check is pending must not start
	// another timer.
	f.leave(bob, room.Channel)

	if got := f.clock.PendingCount(); got != 1 {
		t.Errorf("pending timers = %d, want 1 (deduplicated)", got)
	}
}

func TestDeletionIsRecordFirst(t *testing.T) {
	f := newFixture(t, nil)
	f.hubJoin(alice)
	room := f.onlyRoom(t)

	// The platform refuses deletion; the record must still go, and the
	// failure must not resurrect it.
	f.fake.FailWith("DeleteChannel", gateway.ErrForbidden)
	f.leave(alice, room.Channel)
	f.clock.WaitForTimers(1)
	f.clock.Advance(gracePeriod)

	testutil.Eventually(t, time.Second, "record deleted despite platform failure", func() bool {
		return f.roomCount(t) == 0
	})
	if !f.fake.HasChannel(room.Channel) {
		t.Error("channel deleted despite injected failure")
	}
}

func TestSweepCatchesMissedLeaves(t *testing.T) {
	f := newFixture(t, nil)
	f.hubJoin(alice)
	room := f.onlyRoom(t)
	// The leave event is lost: occupancy drops without HandlePresence.
	f.fake.Leave(alice, room.Channel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.manager.Run(ctx)
		close(done)
	}()

	f.clock.WaitForTimers(1) // sweep ticker
	f.clock.Advance(sweepInterval)
	f.clock.WaitForTimers(2) // rescheduled ticker + empty check
	f.clock.Advance(gracePeriod)

	testutil.Eventually(t, time.Second, "sweep deleted abandoned room", func() bool {
		return f.roomCount(t) == 0
	})
	cancel()
	testutil.RequireClosed(t, done, time.Second, "sweep loop shutdown")
}

func TestSweepPurgesCreationHistory(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.RetentionPeriod = time.Hour
	})
	ctx := context.Background()
	if err := f.store.RecordCreation(ctx, alice); err != nil {
		t.Fatalf("RecordCreation: %v", err)
	}

	f.clock.Advance(2 * time.Hour)
	f.manager.sweep(ctx)

	count, err := f.store.CountCreationsSince(ctx, alice, epoch)
	if err != nil {
		t.Fatalf("CountCreationsSince: %v", err)
	}
	if count != 0 {
		t.Errorf("creation history not purged: %d events", count)
	}
}

func TestReconcile(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// A record whose channel is gone.
	stale := ref.MustParseRoomID("!gone:test.local")
	if err := f.store.PutRoom(ctx, roomstore.Room{
		Channel: stale, Owner: alice, Capacity: 3, CreatedAt: epoch,
	}); err != nil {
		t.Fatalf("PutRoom: %v", err)
	}

	// A matching-named channel with occupants but no record: adopted,
	// first enumerated occupant becomes owner.
	orphan := f.fake.AddChannel(namePrefix + "bob")
	f.fake.Join(bob, orphan)
	f.fake.Join(alice, orphan)

	// A matching-named channel with no occupants: left unmanaged.
	empty := f.fake.AddChannel(namePrefix + "ghost")

	// A non-matching channel: ignored.
	other := f.fake.AddChannel("ops chat")
	f.fake.Join(alice, other)

	if err := f.manager.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if room, _ := f.store.GetRoom(ctx, stale); room != nil {
		t.Error("stale record survived reconciliation")
	}
	adopted, err := f.store.GetRoom(ctx, orphan)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if adopted == nil {
		t.Fatal("orphan channel not adopted")
	}
	if adopted.Owner != bob {
		t.Errorf("adopted owner = %s, want first occupant %s", adopted.Owner, bob)
	}
	if adopted.PanelMessage.IsZero() {
		t.Error("adopted room has no panel")
	}
	if room, _ := f.store.GetRoom(ctx, empty); room != nil {
		t.Error("empty channel adopted")
	}
	if room, _ := f.store.GetRoom(ctx, other); room != nil {
		t.Error("non-matching channel adopted")
	}
}

func TestControlDelete(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.hubJoin(alice)
	room := f.onlyRoom(t)
	f.fake.Join(bob, room.Channel)

	// A non-owner occupant cannot delete.
	f.manager.HandleControl(ctx, gateway.ControlRequest{
		User: bob, Channel: room.Channel, Command: "delete",
	})
	if f.roomCount(t) != 1 {
		t.Fatal("stranger deleted the room")
	}
	if notices := f.fake.Notices(bob); len(notices) != 1 {
		t.Errorf("denied user not notified: %v", notices)
	}

	// The owner can, even with occupants present.
	f.manager.HandleControl(ctx, gateway.ControlRequest{
		User: alice, Channel: room.Channel, Command: "delete",
	})
	if f.roomCount(t) != 0 || f.fake.HasChannel(room.Channel) {
		t.Error("owner delete did not tear the room down")
	}
}

func TestDeleteTearsDownFallbackPanel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.hubJoin(alice)
	room := f.onlyRoom(t)

	// The panel landed in its own channel rather than the room.
	fallback := f.fake.AddChannel("room-controls")
	message, err := f.fake.SendMessage(ctx, fallback, "controls")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := f.store.SetPanel(ctx, room.Channel, fallback, message); err != nil {
		t.Fatalf("SetPanel: %v", err)
	}

	f.manager.HandleControl(ctx, gateway.ControlRequest{
		User: alice, Channel: room.Channel, Command: "delete",
	})
	if f.roomCount(t) != 0 || f.fake.HasChannel(room.Channel) {
		t.Fatal("delete did not tear the room down")
	}
	if f.fake.HasChannel(fallback) {
		t.Error("fallback panel channel leaked")
	}
}

func TestControlRoutesPanelActions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.hubJoin(alice)
	room := f.onlyRoom(t)

	f.manager.HandleControl(ctx, gateway.ControlRequest{
		User: alice, Channel: room.Channel, Command: "capacity", Args: []string{"8"},
	})
	updated, _ := f.store.GetRoom(ctx, room.Channel)
	if updated.Capacity != 8 {
		t.Errorf("capacity command not applied: %d", updated.Capacity)
	}

	f.manager.HandleControl(ctx, gateway.ControlRequest{
		User: alice, Channel: room.Channel, Command: "lock",
	})
	updated, _ = f.store.GetRoom(ctx, room.Channel)
	if !updated.Locked {
		t.Error("lock command not applied")
	}

	// Bad capacity argument: rejected with a notice, no mutation.
	f.manager.HandleControl(ctx, gateway.ControlRequest{
		User: alice, Channel: room.Channel, Command: "capacity", Args: []string{"nine"},
	})
	updated, _ = f.store.GetRoom(ctx, room.Channel)
	if updated.Capacity != 8 {
		t.Errorf("invalid capacity mutated state: %d", updated.Capacity)
	}
	if notices := f.fake.Notices(alice); len(notices) != 1 {
		t.Errorf("invalid command not reported: %v", notices)
	}
}

func TestControlRescanOperatorOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	orphan := f.fake.AddChannel(namePrefix + "bob")
	f.fake.Join(bob, orphan)

	f.manager.HandleControl(ctx, gateway.ControlRequest{
		User: alice, Channel: hub, Command: "rescan",
	})
	if room, _ := f.store.GetRoom(ctx, orphan); room != nil {
		t.Fatal("rescan by non-operator ran")
	}

	f.manager.HandleControl(ctx, gateway.ControlRequest{
		User: operator, Channel: hub, Command: "rescan",
	})
	if room, _ := f.store.GetRoom(ctx, orphan); room == nil {
		t.Error("rescan by operator did not adopt the orphan")
	}
}
