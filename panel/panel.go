// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package panel maintains each room's control panel message and
// executes the owner's self-service actions.
//
// The panel is reconciled, not tracked: Upsert re-reads the
// authoritative room state and converges the platform onto it, however
// the panel message was lost or mangled in the meantime. Actions are
// stateless for the same reason: every one re-fetches the room by ID
// before touching anything, so a stale caller cannot act on stale
// state.
package panel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/anteroom-dev/anteroom/gateway"
	"github.com/anteroom-dev/anteroom/lib/ref"
	"github.com/anteroom-dev/anteroom/roomstore"
)

// CapacityPresets are the only capacities SetCapacity accepts.
var CapacityPresets = []int{2, 3, 4, 5, 8, 10}

// ValidCapacity reports whether n is one of the presets.
func ValidCapacity(n int) bool {
	for _, preset := range CapacityPresets {
		if n == preset {
			return true
		}
	}
	return false
}

// Action errors. All are rejected synchronously with no mutation.
var (
	ErrNotAuthorized   = errors.New("panel: caller is not the owner or an operator")
	ErrUnknownRoom     = errors.New("panel: no such managed room")
	ErrInvalidCapacity = errors.New("panel: capacity is not an allowed preset")
	ErrCannotKickOwner = errors.New("panel: the owner cannot be kicked")
	ErrNotOccupant     = errors.New("panel: target user is not in the room")
	ErrAlreadyOwner    = errors.New("panel: target user already owns the room")
)

// Store is the slice of roomstore the reconciler needs.
type Store interface {
	GetRoom(ctx context.Context, channel ref.RoomID) (*roomstore.Room, error)
	SetPanel(ctx context.Context, channel, panelChannel ref.RoomID, panelMessage ref.EventID) error
	SetOwner(ctx context.Context, channel ref.RoomID, owner ref.UserID) error
	SetLocked(ctx context.Context, channel ref.RoomID, locked bool) error
	SetCapacity(ctx context.Context, channel ref.RoomID, capacity int) error
}

// Config holds the parameters for a Reconciler.
type Config struct {
	Store   Store
	Gateway gateway.Gateway
	Logger  *slog.Logger

	// Operators may run any action on any room.
	Operators []ref.UserID

	// FallbackEnabled creates a separate owner-scoped text channel for
	// the panel when posting into the room itself fails. Disabled, the
	// room simply runs panel-less after such a failure.
	FallbackEnabled bool
}

// Reconciler renders panels and executes actions. Safe for concurrent
// use; overlapping refreshes converge on the persisted message handle.
type Reconciler struct {
	store     Store
	gateway   gateway.Gateway
	logger    *slog.Logger
	operators map[ref.UserID]bool
	fallback  bool
}

// New creates a Reconciler.
func New(config Config) (*Reconciler, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("panel: Store is required")
	}
	if config.Gateway == nil {
		return nil, fmt.Errorf("panel: Gateway is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	operators := make(map[ref.UserID]bool, len(config.Operators))
	for _, operator := range config.Operators {
		operators[operator] = true
	}
	return &Reconciler{
		store:     config.Store,
		gateway:   config.Gateway,
		logger:    logger,
		operators: operators,
		fallback:  config.FallbackEnabled,
	}, nil
}

// fetch re-reads authoritative room state.
func (r *Reconciler) fetch(ctx context.Context, roomID ref.RoomID) (*roomstore.Room, error) {
	room, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, ErrUnknownRoom
	}
	return room, nil
}

// authorize checks that the actor may control the room.
func (r *Reconciler) authorize(room *roomstore.Room, actor ref.UserID) error {
	if actor == room.Owner || r.operators[actor] {
		return nil
	}
	return ErrNotAuthorized
}

// renderBody builds the panel text from room state.
func renderBody(room *roomstore.Room, displayedOwner ref.UserID) string {
	lockState := "unlocked"
	if room.Locked {
		lockState = "locked"
	}
	capacity := "unlimited"
	if room.Capacity > 0 {
		capacity = fmt.Sprintf("%d", room.Capacity)
	}

	presets := make([]string, len(CapacityPresets))
	for i, preset := range CapacityPresets {
		presets[i] = fmt.Sprintf("%d", preset)
	}

	var b strings.Builder
	b.WriteString("Room controls\n")
	fmt.Fprintf(&b, "Owner: %s\n", displayedOwner)
	fmt.Fprintf(&b, "State: %s, capacity %s\n", lockState, capacity)
	fmt.Fprintf(&b, "Commands: !lock | !capacity <%s> | !kick <user> | !transfer <user> | !delete | !panel",
		strings.Join(presets, "|"))
	return b.String()
}

// Upsert converges the room's panel message onto current state. The
// recorded message is edited in place when possible; otherwise a new
// message is posted in the room, then (if enabled) in a fallback
// channel, and as a last resort the room runs panel-less. Only store
// or occupancy read failures are returned; a missing panel is never
// fatal.
func (r *Reconciler) Upsert(ctx context.Context, roomID ref.RoomID) error {
	room, err := r.fetch(ctx, roomID)
	if err != nil {
		return err
	}

	occupants, err := r.gateway.ListOccupants(ctx, room.Channel)
	if err != nil {
		return fmt.Errorf("panel: listing occupants of %s: %w", room.Channel, err)
	}

	// The recorded owner may have left; display a present occupant so
	// the panel never points at an absent user. The record itself is
	// not rewritten here.
	displayedOwner := room.Owner
	if !containsUser(occupants, room.Owner) && len(occupants) > 0 {
		displayedOwner = occupants[0]
	}
	body := renderBody(room, displayedOwner)

	if !room.PanelChannel.IsZero() && !room.PanelMessage.IsZero() {
		// Editing a deleted message can succeed as a dangling
		// replacement that renders nothing, so confirm the message
		// still exists before editing it in place.
		if err := r.gateway.FetchMessage(ctx, room.PanelChannel, room.PanelMessage); errors.Is(err, gateway.ErrNotFound) {
			r.logger.Warn("panel message gone, reposting",
				"room", room.Channel, "panel_message", room.PanelMessage)
		} else {
			err := r.gateway.EditMessage(ctx, room.PanelChannel, room.PanelMessage, body)
			if err == nil {
				return nil
			}
			r.logger.Warn("panel edit failed, reposting",
				"room", room.Channel, "panel_message", room.PanelMessage, "error", err)
		}
	}

	messageID, err := r.gateway.SendMessage(ctx, room.Channel, body)
	if err == nil {
		return r.persistPanel(ctx, room.Channel, room.Channel, messageID)
	}
	r.logger.Warn("panel post failed", "room", room.Channel, "error", err)

	if r.fallback {
		fallbackChannel, fallbackErr := r.gateway.CreateChannel(ctx, "room-controls", 0, gateway.Grants{
			Managers: []ref.UserID{room.Owner},
		})
		if fallbackErr == nil {
			messageID, sendErr := r.gateway.SendMessage(ctx, fallbackChannel, body)
			if sendErr == nil {
				return r.persistPanel(ctx, room.Channel, fallbackChannel, messageID)
			}
			fallbackErr = sendErr
		}
		r.logger.Warn("fallback panel failed", "room", room.Channel, "error", fallbackErr)
	}

	// Panel-less: clear stale handles so the next refresh starts clean.
	return r.persistPanel(ctx, room.Channel, ref.RoomID{}, ref.EventID{})
}

func (r *Reconciler) persistPanel(ctx context.Context, room, panelChannel ref.RoomID, panelMessage ref.EventID) error {
	if err := r.store.SetPanel(ctx, room, panelChannel, panelMessage); err != nil {
		return fmt.Errorf("panel: persisting handles for %s: %w", room, err)
	}
	return nil
}

// ToggleLock flips the room's locked state. Locking removes default
// join rights; the owner and the service keep full access.
func (r *Reconciler) ToggleLock(ctx context.Context, roomID ref.RoomID, actor ref.UserID) error {
	room, err := r.fetch(ctx, roomID)
	if err != nil {
		return err
	}
	if err := r.authorize(room, actor); err != nil {
		return err
	}

	locked := !room.Locked
	grants := gateway.Grants{
		DefaultJoin: !locked,
		Managers:    []ref.UserID{room.Owner},
	}
	if err := r.gateway.SetChannelPermissions(ctx, room.Channel, grants); err != nil {
		return fmt.Errorf("panel: applying lock to %s: %w", room.Channel, err)
	}
	if err := r.store.SetLocked(ctx, room.Channel, locked); err != nil {
		return err
	}
	return r.Upsert(ctx, roomID)
}

// SetCapacity applies a preset capacity to the room.
func (r *Reconciler) SetCapacity(ctx context.Context, roomID ref.RoomID, actor ref.UserID, capacity int) error {
	if !ValidCapacity(capacity) {
		return ErrInvalidCapacity
	}
	room, err := r.fetch(ctx, roomID)
	if err != nil {
		return err
	}
	if err := r.authorize(room, actor); err != nil {
		return err
	}

	if err := r.gateway.SetChannelCapacity(ctx, room.Channel, capacity); err != nil {
		return fmt.Errorf("panel: applying capacity to %s: %w", room.Channel, err)
	}
	if err := r.store.SetCapacity(ctx, room.Channel, capacity); err != nil {
		return err
	}
	return r.Upsert(ctx, roomID)
}

// Kick removes a present occupant from the room. The owner can never
// be kicked, not even by an operator.
func (r *Reconciler) Kick(ctx context.Context, roomID ref.RoomID, actor, target ref.UserID) error {
	room, err := r.fetch(ctx, roomID)
	if err != nil {
		return err
	}
	if err := r.authorize(room, actor); err != nil {
		return err
	}
	if target == room.Owner {
		return ErrCannotKickOwner
	}

	occupants, err := r.gateway.ListOccupants(ctx, room.Channel)
	if err != nil {
		return fmt.Errorf("panel: listing occupants of %s: %w", room.Channel, err)
	}
	if !containsUser(occupants, target) {
		return ErrNotOccupant
	}

	if err := r.gateway.RemoveUser(ctx, room.Channel, target); err != nil {
		return fmt.Errorf("panel: kicking %s from %s: %w", target, room.Channel, err)
	}
	r.logger.Info("user kicked", "room", room.Channel, "target", target, "actor", actor)
	return nil
}

// TransferOwner hands the room to a present occupant. The old owner
// drops to base access; the new owner gains managerial access.
func (r *Reconciler) TransferOwner(ctx context.Context, roomID ref.RoomID, actor, newOwner ref.UserID) error {
	room, err := r.fetch(ctx, roomID)
	if err != nil {
		return err
	}
	if err := r.authorize(room, actor); err != nil {
		return err
	}
	if newOwner == room.Owner {
		return ErrAlreadyOwner
	}

	occupants, err := r.gateway.ListOccupants(ctx, room.Channel)
	if err != nil {
		return fmt.Errorf("panel: listing occupants of %s: %w", room.Channel, err)
	}
	if !containsUser(occupants, newOwner) {
		return ErrNotOccupant
	}

	grants := gateway.Grants{
		DefaultJoin: !room.Locked,
		Managers:    []ref.UserID{newOwner},
	}
	if err := r.gateway.SetChannelPermissions(ctx, room.Channel, grants); err != nil {
		return fmt.Errorf("panel: transferring %s: %w", room.Channel, err)
	}
	if err := r.store.SetOwner(ctx, room.Channel, newOwner); err != nil {
		return err
	}
	r.logger.Info("ownership transferred",
		"room", room.Channel, "from", room.Owner, "to", newOwner, "actor", actor)
	return r.Upsert(ctx, roomID)
}

func containsUser(users []ref.UserID, user ref.UserID) bool {
	for _, candidate := range users {
		if candidate == user {
			return true
		}
	}
	return false
}
