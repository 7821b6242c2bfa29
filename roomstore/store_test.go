// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package roomstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/anteroom-dev/anteroom/lib/clock"
	"github.com/anteroom-dev/anteroom/lib/ref"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) (*Store, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(epoch)
	store, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "anteroom.db"),
		PoolSize: 2,
		Clock:    fake,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, fake
}

func testRoom(channel string) Room {
	return Room{
		Channel:   ref.MustParseRoomID(channel),
		Owner:     ref.MustParseUserID("@alice:test.local"),
		Capacity:  3,
		CreatedAt: epoch,
	}
}

func TestOpenRequiresClock(t *testing.T) {
	if _, err := Open(Config{Path: ":memory:"}); err == nil {
		t.Fatal("expected error for missing Clock")
	}
}

func TestRoomRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	room := testRoom("!room1:test.local")
	room.PanelChannel = ref.MustParseRoomID("!panel:test.local")
	room.PanelMessage = ref.MustParseEventID("$msg1")
	room.Locked = true
	room.Capacity = 5

	if err := store.PutRoom(ctx, room); err != nil {
		t.Fatalf("PutRoom: %v", err)
	}
	got, err := store.GetRoom(ctx, room.Channel)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if got == nil {
		t.Fatal("GetRoom returned nil for stored room")
	}
	if *got != room {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", *got, room)
	}
}

func TestGetRoomAbsent(t *testing.T) {
	store, _ := openTestStore(t)

	got, err := store.GetRoom(context.Background(), ref.MustParseRoomID("!nope:test.local"))
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if got != nil {
		t.Errorf("GetRoom = %+v, want nil", got)
	}
}

func TestFieldUpdates(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	room := testRoom("!room1:test.local")
	if err := store.PutRoom(ctx, room); err != nil {
		t.Fatalf("PutRoom: %v", err)
	}

	bob := ref.MustParseUserID("@bob:test.local")
	panel := ref.MustParseRoomID("!panel:test.local")
	message := ref.MustParseEventID("$panelmsg")

	if err := store.SetOwner(ctx, room.Channel, bob); err != nil {
		t.Fatalf("SetOwner: %v", err)
	}
	if err := store.SetLocked(ctx, room.Channel, true); err != nil {
		t.Fatalf("SetLocked: %v", err)
	}
	if err := store.SetCapacity(ctx, room.Channel, 8); err != nil {
		t.Fatalf("SetCapacity: %v", err)
	}
	if err := store.SetPanel(ctx, room.Channel, panel, message); err != nil {
		t.Fatalf("SetPanel: %v", err)
	}

	got, err := store.GetRoom(ctx, room.Channel)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if got.Owner != bob || !got.Locked || got.Capacity != 8 {
		t.Errorf("updates not applied: %+v", got)
	}
	if got.PanelChannel != panel || got.PanelMessage != message {
		t.Errorf("panel handles not applied: %+v", got)
	}

	// Clearing the panel stores NULLs, which read back as zero values.
	if err := store.SetPanel(ctx, room.Channel, ref.RoomID{}, ref.EventID{}); err != nil {
		t.Fatalf("SetPanel clear: %v", err)
	}
	got, err = store.GetRoom(ctx, room.Channel)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if !got.PanelChannel.IsZero() || !got.PanelMessage.IsZero() {
		t.Errorf("panel handles not cleared: %+v", got)
	}
}

func TestDeleteRoom(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	room := testRoom("!room1:test.local")
	if err := store.PutRoom(ctx, room); err != nil {
		t.Fatalf("PutRoom: %v", err)
	}
	if err := store.DeleteRoom(ctx, room.Channel); err != nil {
		t.Fatalf("DeleteRoom: %v", err)
	}
	got, err := store.GetRoom(ctx, room.Channel)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if got != nil {
		t.Errorf("room survived delete: %+v", got)
	}

	// Deleting again is a no-op, not an error.
	if err := store.DeleteRoom(ctx, room.Channel); err != nil {
		t.Fatalf("DeleteRoom (absent): %v", err)
	}
}

func TestListRooms(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if rooms, err := store.ListRooms(ctx); err != nil || len(rooms) != 0 {
		t.Fatalf("ListRooms on empty store = %v, %v", rooms, err)
	}

	for _, channel := range []string{"!a:test.local", "!b:test.local", "!c:test.local"} {
		if err := store.PutRoom(ctx, testRoom(channel)); err != nil {
			t.Fatalf("PutRoom %s: %v", channel, err)
		}
	}
	rooms, err := store.ListRooms(ctx)
	if err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	if len(rooms) != 3 {
		t.Errorf("got %d rooms, want 3", len(rooms))
	}
}

func TestCreationWindow(t *testing.T) {
	store, fake := openTestStore(t)
	ctx := context.Background()
	alice := ref.MustParseUserID("@alice:test.local")
	bob := ref.MustParseUserID("@bob:test.local")

	if err := store.RecordCreation(ctx, alice); err != nil {
		t.Fatalf("RecordCreation: %v", err)
	}
	fake.Advance(5 * time.Minute)
	if err := store.RecordCreation(ctx, alice); err != nil {
		t.Fatalf("RecordCreation: %v", err)
	}
	if err := store.RecordCreation(ctx, bob); err != nil {
		t.Fatalf("RecordCreation: %v", err)
	}

	// Window covering both of alice's events.
	count, err := store.CountCreationsSince(ctx, alice, epoch)
	if err != nil {
		t.Fatalf("CountCreationsSince: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	// Window excluding the first event.
	count, err = store.CountCreationsSince(ctx, alice, epoch.Add(time.Minute))
	if err != nil {
		t.Fatalf("CountCreationsSince: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	// Other users' events never leak into the count.
	count, err = store.CountCreationsSince(ctx, bob, epoch)
	if err != nil {
		t.Fatalf("CountCreationsSince: %v", err)
	}
	if count != 1 {
		t.Errorf("count for bob = %d, want 1", count)
	}
}

func TestPurgeCreations(t *testing.T) {
	store, fake := openTestStore(t)
	ctx := context.Background()
	alice := ref.MustParseUserID("@alice:test.local")

	for i := 0; i < 3; i++ {
		if err := store.RecordCreation(ctx, alice); err != nil {
			t.Fatalf("RecordCreation: %v", err)
		}
		fake.Advance(time.Hour)
	}

	purged, err := store.PurgeCreationsBefore(ctx, epoch.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("PurgeCreationsBefore: %v", err)
	}
	if purged != 2 {
		t.Errorf("purged = %d, want 2", purged)
	}
	count, err := store.CountCreationsSince(ctx, alice, epoch)
	if err != nil {
		t.Fatalf("CountCreationsSince: %v", err)
	}
	if count != 1 {
		t.Errorf("count after purge = %d, want 1", count)
	}
}

func TestBlocks(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	alice := ref.MustParseUserID("@alice:test.local")

	if _, ok, err := store.BlockUntil(ctx, alice); err != nil || ok {
		t.Fatalf("BlockUntil on empty store = ok=%v, err=%v", ok, err)
	}

	until := epoch.Add(5 * time.Minute)
	if err := store.SetBlock(ctx, alice, until); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}
	got, ok, err := store.BlockUntil(ctx, alice)
	if err != nil {
		t.Fatalf("BlockUntil: %v", err)
	}
	if !ok || !got.Equal(until) {
		t.Errorf("BlockUntil = %v, %v; want %v, true", got, ok, until)
	}

	// Overwriting extends the block.
	later := until.Add(10 * time.Minute)
	if err := store.SetBlock(ctx, alice, later); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}
	got, ok, err = store.BlockUntil(ctx, alice)
	if err != nil || !ok || !got.Equal(later) {
		t.Errorf("BlockUntil after overwrite = %v, %v, %v; want %v", got, ok, err, later)
	}

	// Expired blocks clear, live ones stay.
	bob := ref.MustParseUserID("@bob:test.local")
	if err := store.SetBlock(ctx, bob, epoch.Add(time.Hour)); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}
	if err := store.ClearExpiredBlocks(ctx, later.Add(time.Second)); err != nil {
		t.Fatalf("ClearExpiredBlocks: %v", err)
	}
	if _, ok, _ := store.BlockUntil(ctx, alice); ok {
		t.Error("expired block for alice survived")
	}
	if _, ok, _ := store.BlockUntil(ctx, bob); !ok {
		t.Error("live block for bob was cleared")
	}
}

func TestReopenPreservesState(t *testing.T) {
	fake := clock.Fake(epoch)
	path := filepath.Join(t.TempDir(), "anteroom.db")

	store, err := Open(Config{Path: path, Clock: fake})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	room := testRoom("!room1:test.local")
	if err := store.PutRoom(context.Background(), room); err != nil {
		t.Fatalf("PutRoom: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(Config{Path: path, Clock: fake})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetRoom(context.Background(), room.Channel)
	if err != nil {
		t.Fatalf("GetRoom after reopen: %v", err)
	}
	if got == nil || *got != room {
		t.Errorf("room not preserved across reopen: %+v", got)
	}
}
