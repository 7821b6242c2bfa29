// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/anteroom-dev/anteroom/lib/clock"
	"github.com/anteroom-dev/anteroom/lib/ref"
	"github.com/anteroom-dev/anteroom/messaging"
)

// capacityEventType is the custom state event carrying a channel's
// occupant capacity. Matrix rooms have no native member limit, so the
// limit is advisory state that the manager enforces.
const capacityEventType = "dev.anteroom.capacity"

// Power levels used when mapping Grants onto a room.
const (
	powerManager = 50
	powerService = 100
)

// MatrixConfig holds the parameters for a Matrix gateway.
type MatrixConfig struct {
	// Session is the authenticated service session.
	Session *messaging.Session

	// Clock drives sync-loop backoff.
	Clock clock.Clock

	// Logger receives operational messages. Nil discards them.
	Logger *slog.Logger

	// RequestsPerSecond throttles outbound homeserver calls. Defaults
	// to 5.
	RequestsPerSecond float64

	// Burst is the throttle's burst allowance. Defaults to 10.
	Burst int
}

// Matrix implements Gateway over a Matrix homeserver session. All
// outbound calls share one rate limiter so panel refresh bursts do not
// trip homeserver limits.
type Matrix struct {
	session  *messaging.Session
	clock    clock.Clock
	logger   *slog.Logger
	throttle *rate.Limiter

	// dmRooms caches direct-message rooms per user so NotifyUser does
	// not create a new room for every denial.
	dmMu    sync.Mutex
	dmRooms map[ref.UserID]ref.RoomID
}

var _ Gateway = (*Matrix)(nil)

// NewMatrix creates a Matrix gateway.
func NewMatrix(config MatrixConfig) (*Matrix, error) {
	if config.Session == nil {
		return nil, fmt.Errorf("gateway: Session is required")
	}
	if config.Clock == nil {
		return nil, fmt.Errorf("gateway: Clock is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 10
	}
	return &Matrix{
		session:  config.Session,
		clock:    config.Clock,
		logger:   logger,
		throttle: rate.NewLimiter(rate.Limit(rps), burst),
		dmRooms:  make(map[ref.UserID]ref.RoomID),
	}, nil
}

// classify translates homeserver errors into the gateway taxonomy so
// callers can test with errors.Is without importing messaging.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case messaging.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case messaging.IsForbidden(err):
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	default:
		return err
	}
}

func (m *Matrix) wait(ctx context.Context) error {
	if err := m.throttle.Wait(ctx); err != nil {
		return fmt.Errorf("gateway: throttle: %w", err)
	}
	return nil
}

// joinRuleContent maps the grant template onto m.room.join_rules.
func joinRuleContent(grants Grants) map[string]any {
	rule := "invite"
	if grants.DefaultJoin {
		rule = "public"
	}
	return map[string]any{"join_rule": rule}
}

// powerLevelContent maps the grant template onto m.room.power_levels.
// Managers sit at powerManager, the service identity at powerService,
// everyone else at the default.
func (m *Matrix) powerLevelContent(grants Grants) map[string]any {
	users := map[string]any{
		m.session.UserID().String(): powerService,
	}
	for _, manager := range grants.Managers {
		users[manager.String()] = powerManager
	}
	return map[string]any{
		"users":          users,
		"users_default":  0,
		"events_default": 0,
		"state_default":  powerManager,
		"kick":           powerManager,
		"ban":            powerManager,
		"redact":         powerManager,
		"invite":         0,
	}
}

func capacityContent(capacity int) map[string]any {
	return map[string]any{"limit": capacity}
}

// CreateChannel creates a room with the permission template and
// capacity applied as initial state. Managers are invited so an
// invite-only room is immediately reachable for them.
func (m *Matrix) CreateChannel(ctx context.Context, name string, capacity int, grants Grants) (ref.RoomID, error) {
	if err := m.wait(ctx); err != nil {
		return ref.RoomID{}, err
	}

	invites := make([]string, 0, len(grants.Managers))
	for _, manager := range grants.Managers {
		invites = append(invites, manager.String())
	}
	response, err := m.session.CreateRoom(ctx, messaging.CreateRoomRequest{
		Name:       name,
		Visibility: "private",
		Invite:     invites,
		InitialState: []messaging.StateEvent{
			{Type: "m.room.join_rules", StateKey: "", Content: joinRuleContent(grants)},
			{Type: capacityEventType, StateKey: "", Content: capacityContent(capacity)},
		},
		PowerLevelContentOverride: m.powerLevelContent(grants),
	})
	if err != nil {
		return ref.RoomID{}, classify(err)
	}
	return response.RoomID, nil
}

// DeleteChannel tears a room down: every occupant is kicked, then the
// service leaves and forgets the room. Matrix has no hard delete; an
// emptied, abandoned room is the closest equivalent.
func (m *Matrix) DeleteChannel(ctx context.Context, id ref.RoomID) error {
	occupants, err := m.ListOccupants(ctx, id)
	if err != nil {
		return err
	}
	for _, occupant := range occupants {
		if err := m.wait(ctx); err != nil {
			return err
		}
		if err := m.session.KickUser(ctx, id, occupant, "room closed"); err != nil {
			// A racing departure is fine; anything else aborts so the
			// room is not left half-emptied and forgotten.
			if !messaging.IsNotFound(err) {
				return classify(err)
			}
		}
	}
	if err := m.wait(ctx); err != nil {
		return err
	}
	if err := m.session.LeaveRoom(ctx, id); err != nil {
		return classify(err)
	}
	if err := m.wait(ctx); err != nil {
		return err
	}
	if err := m.session.ForgetRoom(ctx, id); err != nil {
		return classify(err)
	}
	m.logger.Info("channel deleted", "channel", id)
	return nil
}

// MoveUser invites the user into the target room. A zero target is the
// disconnect case; Matrix has no server-side disconnect, so there is
// nothing to do.
func (m *Matrix) MoveUser(ctx context.Context, user ref.UserID, target ref.RoomID) error {
	if target.IsZero() {
		return nil
	}
	if err := m.wait(ctx); err != nil {
		return err
	}
	if err := m.session.InviteUser(ctx, target, user); err != nil {
		return classify(err)
	}
	return nil
}

// RemoveUser kicks a user from a room.
func (m *Matrix) RemoveUser(ctx context.Context, id ref.RoomID, user ref.UserID) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	if err := m.session.KickUser(ctx, id, user, "removed by room owner"); err != nil {
		return classify(err)
	}
	return nil
}

// SetChannelPermissions replaces the room's join rule and power
// levels with the template.
func (m *Matrix) SetChannelPermissions(ctx context.Context, id ref.RoomID, grants Grants) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	if _, err := m.session.SendStateEvent(ctx, id, "m.room.join_rules", "", joinRuleContent(grants)); err != nil {
		return classify(err)
	}
	if err := m.wait(ctx); err != nil {
		return err
	}
	if _, err := m.session.SendStateEvent(ctx, id, "m.room.power_levels", "", m.powerLevelContent(grants)); err != nil {
		return classify(err)
	}
	return nil
}

// SetChannelCapacity replaces the room's capacity state.
func (m *Matrix) SetChannelCapacity(ctx context.Context, id ref.RoomID, capacity int) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	if _, err := m.session.SendStateEvent(ctx, id, capacityEventType, "", capacityContent(capacity)); err != nil {
		return classify(err)
	}
	return nil
}

// SendMessage posts a text message to a room.
func (m *Matrix) SendMessage(ctx context.Context, channel ref.RoomID, content string) (ref.EventID, error) {
	if err := m.wait(ctx); err != nil {
		return ref.EventID{}, err
	}
	eventID, err := m.session.SendMessage(ctx, channel, messaging.NewTextMessage(content))
	if err != nil {
		return ref.EventID{}, classify(err)
	}
	return eventID, nil
}

// EditMessage replaces a previously sent message via an m.replace
// relation.
func (m *Matrix) EditMessage(ctx context.Context, channel ref.RoomID, message ref.EventID, content string) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	if _, err := m.session.SendMessage(ctx, channel, messaging.NewEditMessage(message, content)); err != nil {
		return classify(err)
	}
	return nil
}

// FetchMessage verifies a message still exists.
func (m *Matrix) FetchMessage(ctx context.Context, channel ref.RoomID, message ref.EventID) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	if _, err := m.session.GetEvent(ctx, channel, message); err != nil {
		return classify(err)
	}
	return nil
}

// ListOccupants returns the joined members of a room, excluding the
// service identity. Occupancy decisions (empty-room deletion) count
// only real users.
func (m *Matrix) ListOccupants(ctx context.Context, id ref.RoomID) ([]ref.UserID, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	members, err := m.session.GetRoomMembers(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	var occupants []ref.UserID
	for _, member := range members {
		if member.Membership != "join" {
			continue
		}
		if member.UserID == m.session.UserID() {
			continue
		}
		occupants = append(occupants, member.UserID)
	}
	return occupants, nil
}

// ListChannels enumerates the rooms the service has joined, with their
// display names. Rooms without a name state event get an empty Name.
func (m *Matrix) ListChannels(ctx context.Context) ([]ChannelInfo, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	roomIDs, err := m.session.JoinedRooms(ctx)
	if err != nil {
		return nil, classify(err)
	}

	channels := make([]ChannelInfo, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		if err := m.wait(ctx); err != nil {
			return nil, err
		}
		info := ChannelInfo{ID: roomID}
		raw, err := m.session.GetStateEvent(ctx, roomID, "m.room.name", "")
		switch {
		case err == nil:
			var content struct {
				Name string `json:"name"`
			}
			if jsonErr := json.Unmarshal(raw, &content); jsonErr == nil {
				info.Name = content.Name
			}
		case messaging.IsNotFound(err):
			// Unnamed room.
		default:
			return nil, classify(err)
		}
		channels = append(channels, info)
	}
	return channels, nil
}

// ChannelExists probes the room's creation state.
func (m *Matrix) ChannelExists(ctx context.Context, id ref.RoomID) (bool, error) {
	if err := m.wait(ctx); err != nil {
		return false, err
	}
	_, err := m.session.GetStateEvent(ctx, id, "m.room.create", "")
	switch {
	case err == nil:
		return true, nil
	case messaging.IsNotFound(err) || messaging.IsForbidden(err):
		// Forbidden means the service was removed from the room, which
		// is gone for management purposes.
		return false, nil
	default:
		return false, classify(err)
	}
}

// NotifyUser sends a direct message, creating (and caching) a DM room
// on first contact.
func (m *Matrix) NotifyUser(ctx context.Context, user ref.UserID, text string) error {
	roomID, err := m.dmRoom(ctx, user)
	if err != nil {
		return err
	}
	if err := m.wait(ctx); err != nil {
		return err
	}
	if _, err := m.session.SendMessage(ctx, roomID, messaging.NewTextMessage(text)); err != nil {
		// A stale cached room (user left and forgot it) is recreated
		// once before giving up.
		if !messaging.IsNotFound(err) && !messaging.IsForbidden(err) {
			return classify(err)
		}
		m.dropDMRoom(user)
		roomID, err = m.dmRoom(ctx, user)
		if err != nil {
			return err
		}
		if err := m.wait(ctx); err != nil {
			return err
		}
		if _, err := m.session.SendMessage(ctx, roomID, messaging.NewTextMessage(text)); err != nil {
			return classify(err)
		}
	}
	return nil
}

func (m *Matrix) dmRoom(ctx context.Context, user ref.UserID) (ref.RoomID, error) {
	m.dmMu.Lock()
	roomID, ok := m.dmRooms[user]
	m.dmMu.Unlock()
	if ok {
		return roomID, nil
	}

	if err := m.wait(ctx); err != nil {
		return ref.RoomID{}, err
	}
	response, err := m.session.CreateRoom(ctx, messaging.CreateRoomRequest{
		Preset:   "trusted_private_chat",
		IsDirect: true,
		Invite:   []string{user.String()},
	})
	if err != nil {
		return ref.RoomID{}, classify(err)
	}

	m.dmMu.Lock()
	m.dmRooms[user] = response.RoomID
	m.dmMu.Unlock()
	return response.RoomID, nil
}

func (m *Matrix) dropDMRoom(user ref.UserID) {
	m.dmMu.Lock()
	delete(m.dmRooms, user)
	m.dmMu.Unlock()
}
