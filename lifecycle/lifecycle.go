// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle drives managed rooms through their state machine:
// created on a hub join, adopted at startup, deleted after sitting
// empty for a grace period.
//
// The manager reacts to presence updates and control requests from the
// gateway, holds no authoritative state of its own (the store does),
// and isolates failures per room. No platform error here stops the
// daemon.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anteroom-dev/anteroom/gateway"
	"github.com/anteroom-dev/anteroom/lib/clock"
	"github.com/anteroom-dev/anteroom/lib/ref"
	"github.com/anteroom-dev/anteroom/panel"
	"github.com/anteroom-dev/anteroom/ratelimit"
	"github.com/anteroom-dev/anteroom/roomstore"
)

// Store is the slice of roomstore the manager needs.
type Store interface {
	GetRoom(ctx context.Context, channel ref.RoomID) (*roomstore.Room, error)
	PutRoom(ctx context.Context, room roomstore.Room) error
	DeleteRoom(ctx context.Context, channel ref.RoomID) error
	ListRooms(ctx context.Context) ([]roomstore.Room, error)
	PurgeCreationsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Limiter is the creation rate limiter.
type Limiter interface {
	CanCreate(ctx context.Context, user ref.UserID) (bool, ratelimit.Denial, error)
	RoomCreated(ctx context.Context, user ref.UserID) error
}

// Panel is the control surface the manager refreshes and routes
// commands to.
type Panel interface {
	Upsert(ctx context.Context, roomID ref.RoomID) error
	ToggleLock(ctx context.Context, roomID ref.RoomID, actor ref.UserID) error
	SetCapacity(ctx context.Context, roomID ref.RoomID, actor ref.UserID, capacity int) error
	Kick(ctx context.Context, roomID ref.RoomID, actor, target ref.UserID) error
	TransferOwner(ctx context.Context, roomID ref.RoomID, actor, newOwner ref.UserID) error
}

// Config holds the parameters for a Manager.
type Config struct {
	Store   Store
	Gateway gateway.Gateway
	Panel   Panel
	Limiter Limiter
	Clock   clock.Clock
	Logger  *slog.Logger

	// HubChannel is the room whose joins trigger creation.
	HubChannel ref.RoomID

	// NamePrefix names created rooms ("<prefix><owner localpart>") and
	// identifies adoptable ones.
	NamePrefix string

	// DefaultCapacity is applied to newly created rooms.
	DefaultCapacity int

	// GracePeriod is how long a room may sit empty before deletion.
	GracePeriod time.Duration

	// SweepInterval is how often the safety-net occupancy scan runs.
	SweepInterval time.Duration

	// RetentionPeriod bounds how long creation history is kept. Zero
	// disables the retention purge.
	RetentionPeriod time.Duration

	// Operators may run any control command on any room.
	Operators []ref.UserID
}

// Manager runs the room lifecycle. Safe for concurrent use.
type Manager struct {
	store     Store
	gateway   gateway.Gateway
	panel     Panel
	limiter   Limiter
	clock     clock.Clock
	logger    *slog.Logger
	config    Config
	operators map[ref.UserID]bool

	// pending dedupes empty-checks: at most one in flight per room.
	pendingMu sync.Mutex
	pending   map[ref.RoomID]bool
}

// New creates a Manager.
func New(config Config) (*Manager, error) {
	switch {
	case config.Store == nil:
		return nil, fmt.Errorf("lifecycle: Store is required")
	case config.Gateway == nil:
		return nil, fmt.Errorf("lifecycle: Gateway is required")
	case config.Panel == nil:
		return nil, fmt.Errorf("lifecycle: Panel is required")
	case config.Limiter == nil:
		return nil, fmt.Errorf("lifecycle: Limiter is required")
	case config.Clock == nil:
		return nil, fmt.Errorf("lifecycle: Clock is required")
	case config.HubChannel.IsZero():
		return nil, fmt.Errorf("lifecycle: HubChannel is required")
	case config.NamePrefix == "":
		return nil, fmt.Errorf("lifecycle: NamePrefix is required")
	case config.DefaultCapacity <= 0:
		return nil, fmt.Errorf("lifecycle: DefaultCapacity must be positive, got %d", config.DefaultCapacity)
	case config.GracePeriod <= 0:
		return nil, fmt.Errorf("lifecycle: GracePeriod must be positive, got %v", config.GracePeriod)
	case config.SweepInterval <= 0:
		return nil, fmt.Errorf("lifecycle: SweepInterval must be positive, got %v", config.SweepInterval)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	operators := make(map[ref.UserID]bool, len(config.Operators))
	for _, operator := range config.Operators {
		operators[operator] = true
	}
	return &Manager{
		store:     config.Store,
		gateway:   config.Gateway,
		panel:     config.Panel,
		limiter:   config.Limiter,
		clock:     config.Clock,
		logger:    logger,
		config:    config,
		operators: operators,
		pending:   make(map[ref.RoomID]bool),
	}, nil
}

// HandlePresence reacts to one user entering or leaving one channel.
// Unmanaged channels are ignored.
func (m *Manager) HandlePresence(ctx context.Context, update gateway.PresenceUpdate) {
	if update.Channel == m.config.HubChannel {
		if update.Joined {
			m.handleHubJoin(ctx, update.User)
		}
		return
	}

	room, err := m.store.GetRoom(ctx, update.Channel)
	if err != nil {
		m.logger.Error("presence lookup failed", "channel", update.Channel, "error", err)
		return
	}
	if room == nil {
		return
	}

	if update.Joined {
		if err := m.panel.Upsert(ctx, room.Channel); err != nil {
			m.logger.Warn("panel refresh on join failed", "room", room.Channel, "error", err)
		}
		return
	}

	occupants, err := m.gateway.ListOccupants(ctx, room.Channel)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		// Channel already gone; the empty-check will clean the record.
	case err != nil:
		m.logger.Warn("occupancy check on leave failed", "room", room.Channel, "error", err)
	case len(occupants) > 0:
		if err := m.panel.Upsert(ctx, room.Channel); err != nil {
			m.logger.Warn("panel refresh on leave failed", "room", room.Channel, "error", err)
		}
	}
	m.scheduleEmptyCheck(ctx, room.Channel)
}

// handleHubJoin creates a room for the joining user, or turns them
// away if they are over the creation limit.
func (m *Manager) handleHubJoin(ctx context.Context, user ref.UserID) {
	allowed, denial, err := m.limiter.CanCreate(ctx, user)
	if err != nil {
		m.logger.Error("rate limit check failed", "user", user, "error", err)
		return
	}
	if !allowed {
		minutes := int(denial.Remaining(m.clock.Now()).Minutes()) + 1
		text := fmt.Sprintf("You are creating rooms too quickly. Try again in about %d minute(s).", minutes)
		if err := m.gateway.NotifyUser(ctx, user, text); err != nil {
			m.logger.Warn("denial notice failed", "user", user, "error", err)
		}
		if err := m.gateway.MoveUser(ctx, user, ref.RoomID{}); err != nil {
			m.logger.Warn("returning denied user failed", "user", user, "error", err)
		}
		m.logger.Info("creation denied", "user", user, "blocked_until", denial.BlockedUntil)
		return
	}

	name := m.config.NamePrefix + user.Localpart()
	grants := gateway.Grants{DefaultJoin: true, Managers: []ref.UserID{user}}
	channel, err := m.gateway.CreateChannel(ctx, name, m.config.DefaultCapacity, grants)
	if err != nil {
		m.logger.Error("room creation failed", "user", user, "error", err)
		return
	}
	if err := m.gateway.MoveUser(ctx, user, channel); err != nil {
		m.logger.Warn("moving creator failed", "user", user, "room", channel, "error", err)
	}

	room := roomstore.Room{
		Channel:   channel,
		Owner:     user,
		Capacity:  m.config.DefaultCapacity,
		CreatedAt: m.clock.Now(),
	}
	if err := m.store.PutRoom(ctx, room); err != nil {
		m.logger.Error("persisting room failed", "room", channel, "error", err)
		return
	}
	if err := m.limiter.RoomCreated(ctx, user); err != nil {
		m.logger.Warn("recording creation failed", "user", user, "error", err)
	}
	if err := m.panel.Upsert(ctx, channel); err != nil {
		m.logger.Warn("initial panel failed", "room", channel, "error", err)
	}
	m.logger.Info("room created", "room", channel, "owner", user, "name", name)
}

// scheduleEmptyCheck starts a deferred deletion check for the room
// unless one is already pending. The check waits out the grace period,
// then re-reads live occupancy; a room that refilled survives.
func (m *Manager) scheduleEmptyCheck(ctx context.Context, roomID ref.RoomID) {
	m.pendingMu.Lock()
	if m.pending[roomID] {
		m.pendingMu.Unlock()
		return
	}
	m.pending[roomID] = true
	m.pendingMu.Unlock()

	go func() {
		defer func() {
			m.pendingMu.Lock()
			delete(m.pending, roomID)
			m.pendingMu.Unlock()
		}()

		select {
		case <-m.clock.After(m.config.GracePeriod):
		case <-ctx.Done():
			return
		}

		occupants, err := m.gateway.ListOccupants(ctx, roomID)
		switch {
		case errors.Is(err, gateway.ErrNotFound):
			// Channel vanished on its own; drop the record.
			m.deleteRoom(ctx, roomID)
		case err != nil:
			m.logger.Warn("empty check failed", "room", roomID, "error", err)
		case len(occupants) == 0:
			m.deleteRoom(ctx, roomID)
		}
	}()
}

// deleteRoom removes the persisted record first, then asks the
// platform to tear the channel down. The record is authoritative;
// platform failure is logged and left for manual cleanup, not retried.
func (m *Manager) deleteRoom(ctx context.Context, roomID ref.RoomID) {
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		m.logger.Warn("reading room before deletion failed", "room", roomID, "error", err)
	}
	if err := m.store.DeleteRoom(ctx, roomID); err != nil {
		m.logger.Error("deleting room record failed", "room", roomID, "error", err)
		return
	}
	if err := m.gateway.DeleteChannel(ctx, roomID); err != nil && !errors.Is(err, gateway.ErrNotFound) {
		m.logger.Warn("deleting channel failed", "room", roomID, "error", err)
	}
	// A fallback panel lives in its own channel; tear it down with the
	// room it served.
	if room != nil && !room.PanelChannel.IsZero() && room.PanelChannel != roomID {
		if err := m.gateway.DeleteChannel(ctx, room.PanelChannel); err != nil && !errors.Is(err, gateway.ErrNotFound) {
			m.logger.Warn("deleting panel channel failed",
				"room", roomID, "panel_channel", room.PanelChannel, "error", err)
		}
	}
	m.logger.Info("room deleted", "room", roomID)
}

// Run drives the periodic sweep until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep is the safety net for missed leave events: every managed room
// with zero occupants gets an empty-check, deduplicated against
// event-driven ones by the pending registry. Creation history past the
// retention horizon is purged on the same cadence.
func (m *Manager) sweep(ctx context.Context) {
	rooms, err := m.store.ListRooms(ctx)
	if err != nil {
		m.logger.Error("sweep listing failed", "error", err)
		return
	}
	for _, room := range rooms {
		occupants, err := m.gateway.ListOccupants(ctx, room.Channel)
		switch {
		case errors.Is(err, gateway.ErrNotFound):
			m.deleteRoom(ctx, room.Channel)
		case err != nil:
			m.logger.Warn("sweep occupancy check failed", "room", room.Channel, "error", err)
		case len(occupants) == 0:
			m.scheduleEmptyCheck(ctx, room.Channel)
		}
	}

	if m.config.RetentionPeriod > 0 {
		cutoff := m.clock.Now().Add(-m.config.RetentionPeriod)
		purged, err := m.store.PurgeCreationsBefore(ctx, cutoff)
		if err != nil {
			m.logger.Error("retention purge failed", "error", err)
		} else if purged > 0 {
			m.logger.Info("purged creation history", "events", purged, "cutoff", cutoff)
		}
	}
}

// Reconcile repairs state after a restart: records whose channel is
// gone are dropped, matching-named channels without a record are
// adopted, and every surviving room gets a panel refresh.
func (m *Manager) Reconcile(ctx context.Context) error {
	rooms, err := m.store.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: reconcile listing records: %w", err)
	}
	for _, room := range rooms {
		exists, err := m.gateway.ChannelExists(ctx, room.Channel)
		if err != nil {
			m.logger.Warn("reconcile existence check failed", "room", room.Channel, "error", err)
			continue
		}
		if !exists {
			if err := m.store.DeleteRoom(ctx, room.Channel); err != nil {
				m.logger.Error("dropping stale record failed", "room", room.Channel, "error", err)
				continue
			}
			m.logger.Info("dropped record for vanished channel", "room", room.Channel)
		}
	}

	channels, err := m.gateway.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: reconcile listing channels: %w", err)
	}
	for _, channel := range channels {
		if channel.ID == m.config.HubChannel {
			continue
		}
		if !strings.HasPrefix(channel.Name, m.config.NamePrefix) {
			continue
		}
		room, err := m.store.GetRoom(ctx, channel.ID)
		if err != nil {
			m.logger.Warn("reconcile record lookup failed", "room", channel.ID, "error", err)
			continue
		}
		if room != nil {
			continue
		}

		occupants, err := m.gateway.ListOccupants(ctx, channel.ID)
		if err != nil {
			m.logger.Warn("reconcile occupancy check failed", "room", channel.ID, "error", err)
			continue
		}
		if len(occupants) == 0 {
			// Nobody to own it; leave it unmanaged.
			continue
		}
		adopted := roomstore.Room{
			Channel:   channel.ID,
			Owner:     occupants[0],
			Capacity:  m.config.DefaultCapacity,
			CreatedAt: m.clock.Now(),
		}
		if err := m.store.PutRoom(ctx, adopted); err != nil {
			m.logger.Error("adopting channel failed", "room", channel.ID, "error", err)
			continue
		}
		m.logger.Info("adopted channel", "room", channel.ID, "owner", adopted.Owner, "name", channel.Name)
	}

	rooms, err = m.store.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: reconcile relisting records: %w", err)
	}
	for _, room := range rooms {
		if err := m.panel.Upsert(ctx, room.Channel); err != nil {
			m.logger.Warn("reconcile panel refresh failed", "room", room.Channel, "error", err)
		}
	}
	m.logger.Info("reconciliation complete", "rooms", len(rooms))
	return nil
}

// HandleControl routes a user command to the matching action. Errors
// are reported back to the user privately; nothing here is fatal.
func (m *Manager) HandleControl(ctx context.Context, request gateway.ControlRequest) {
	var err error
	switch request.Command {
	case "lock":
		err = m.panel.ToggleLock(ctx, request.Channel, request.User)
	case "capacity":
		if len(request.Args) != 1 {
			err = panel.ErrInvalidCapacity
			break
		}
		capacity, parseErr := strconv.Atoi(request.Args[0])
		if parseErr != nil {
			err = panel.ErrInvalidCapacity
			break
		}
		err = m.panel.SetCapacity(ctx, request.Channel, request.User, capacity)
	case "kick":
		var target ref.UserID
		if target, err = singleUserArg(request.Args); err == nil {
			err = m.panel.Kick(ctx, request.Channel, request.User, target)
		}
	case "transfer":
		var target ref.UserID
		if target, err = singleUserArg(request.Args); err == nil {
			err = m.panel.TransferOwner(ctx, request.Channel, request.User, target)
		}
	case "delete":
		err = m.controlDelete(ctx, request)
	case "panel":
		err = m.controlPanel(ctx, request)
	case "rescan":
		if !m.operators[request.User] {
			err = panel.ErrNotAuthorized
			break
		}
		err = m.Reconcile(ctx)
	default:
		// Not a room command; stay silent.
		return
	}

	if err != nil {
		m.logger.Info("control command rejected",
			"command", request.Command, "user", request.User, "channel", request.Channel, "error", err)
		if notifyErr := m.gateway.NotifyUser(ctx, request.User, commandErrorText(err)); notifyErr != nil {
			m.logger.Warn("command error notice failed", "user", request.User, "error", notifyErr)
		}
	}
}

// controlDelete tears the room down regardless of occupancy, for the
// owner or an operator.
func (m *Manager) controlDelete(ctx context.Context, request gateway.ControlRequest) error {
	room, err := m.store.GetRoom(ctx, request.Channel)
	if err != nil {
		return err
	}
	if room == nil {
		return panel.ErrUnknownRoom
	}
	if request.User != room.Owner && !m.operators[request.User] {
		return panel.ErrNotAuthorized
	}
	m.deleteRoom(ctx, room.Channel)
	return nil
}

// controlPanel re-renders the panel on demand.
func (m *Manager) controlPanel(ctx context.Context, request gateway.ControlRequest) error {
	room, err := m.store.GetRoom(ctx, request.Channel)
	if err != nil {
		return err
	}
	if room == nil {
		return panel.ErrUnknownRoom
	}
	if request.User != room.Owner && !m.operators[request.User] {
		return panel.ErrNotAuthorized
	}
	return m.panel.Upsert(ctx, room.Channel)
}

func singleUserArg(args []string) (ref.UserID, error) {
	if len(args) != 1 {
		return ref.UserID{}, fmt.Errorf("lifecycle: expected exactly one user argument")
	}
	return ref.ParseUserID(args[0])
}

// commandErrorText maps action errors to user-facing phrasing.
func commandErrorText(err error) string {
	switch {
	case errors.Is(err, panel.ErrNotAuthorized):
		return "Only the room owner (or an operator) can do that."
	case errors.Is(err, panel.ErrUnknownRoom):
		return "This channel is not a managed room."
	case errors.Is(err, panel.ErrInvalidCapacity):
		return fmt.Sprintf("Capacity must be one of %v.", panel.CapacityPresets)
	case errors.Is(err, panel.ErrCannotKickOwner):
		return "The room owner cannot be kicked."
	case errors.Is(err, panel.ErrNotOccupant):
		return "That user is not in the room."
	case errors.Is(err, panel.ErrAlreadyOwner):
		return "That user already owns the room."
	default:
		return "That did not work; please try again."
	}
}
