// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway defines the platform boundary for room management.
//
// Everything above this package (lifecycle, panel, ratelimit) speaks
// Gateway; only the Matrix implementation here knows about homeserver
// endpoints. Tests run against gatewaytest.Fake.
package gateway

import (
	"context"
	"errors"

	"github.com/anteroom-dev/anteroom/lib/ref"
)

// ErrNotFound marks a stale reference: the channel or message no
// longer exists on the platform. Callers drop the reference and
// recreate; they never treat this as fatal.
var ErrNotFound = errors.New("gateway: not found")

// ErrForbidden marks a permission denial from the platform. Callers
// log and abandon the operation.
var ErrForbidden = errors.New("gateway: forbidden")

// Grants is the permission template applied to a channel.
type Grants struct {
	// DefaultJoin lets any user join the channel. False restricts
	// joining to invited users.
	DefaultJoin bool

	// Managers receive full managerial rights: kicking, renaming,
	// permission and capacity changes. The service identity always has
	// these rights regardless of this list.
	Managers []ref.UserID
}

// ChannelInfo identifies a channel found during an adoption scan.
type ChannelInfo struct {
	ID   ref.RoomID
	Name string
}

// PresenceUpdate reports one user entering or leaving one channel.
type PresenceUpdate struct {
	User    ref.UserID
	Channel ref.RoomID
	Joined  bool // false for a departure
}

// ControlRequest is a command a user issued in a channel, e.g. a panel
// action. Command is the first word, Args the rest; the gateway does
// not interpret either.
type ControlRequest struct {
	User    ref.UserID
	Channel ref.RoomID
	Command string
	Args    []string
}

// Gateway is the platform operations the room manager needs. All
// implementations are safe for concurrent use.
type Gateway interface {
	// CreateChannel creates a channel with the given name, occupant
	// capacity (0 = unlimited), and permission template.
	CreateChannel(ctx context.Context, name string, capacity int, grants Grants) (ref.RoomID, error)

	// DeleteChannel tears a channel down. Deleting an absent channel
	// returns ErrNotFound.
	DeleteChannel(ctx context.Context, id ref.RoomID) error

	// MoveUser moves a user into the target channel. A zero target
	// disconnects the user from the managed area instead.
	MoveUser(ctx context.Context, user ref.UserID, target ref.RoomID) error

	// RemoveUser ejects a user from one channel.
	RemoveUser(ctx context.Context, id ref.RoomID, user ref.UserID) error

	// SetChannelPermissions replaces the channel's permission template.
	SetChannelPermissions(ctx context.Context, id ref.RoomID, grants Grants) error

	// SetChannelCapacity replaces the channel's occupant capacity.
	SetChannelCapacity(ctx context.Context, id ref.RoomID, capacity int) error

	// SendMessage posts a message to a channel, returning its ID.
	SendMessage(ctx context.Context, channel ref.RoomID, content string) (ref.EventID, error)

	// EditMessage replaces the content of a previously sent message.
	EditMessage(ctx context.Context, channel ref.RoomID, message ref.EventID, content string) error

	// FetchMessage verifies a message still exists. Returns ErrNotFound
	// if it is gone.
	FetchMessage(ctx context.Context, channel ref.RoomID, message ref.EventID) error

	// ListOccupants returns the users currently in a channel, excluding
	// the service identity.
	ListOccupants(ctx context.Context, id ref.RoomID) ([]ref.UserID, error)

	// ListChannels enumerates the channels visible to the service
	// identity, for the startup adoption scan.
	ListChannels(ctx context.Context) ([]ChannelInfo, error)

	// ChannelExists reports whether the channel is still reachable.
	ChannelExists(ctx context.Context, id ref.RoomID) (bool, error)

	// NotifyUser delivers a private message to a user, outside any
	// managed channel.
	NotifyUser(ctx context.Context, user ref.UserID, text string) error
}
