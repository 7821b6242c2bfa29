// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package gatewaytest provides an in-memory Gateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/anteroom-dev/anteroom/gateway"
	"github.com/anteroom-dev/anteroom/lib/ref"
)

type fakeChannel struct {
	name      string
	capacity  int
	grants    gateway.Grants
	occupants []ref.UserID
	messages  map[ref.EventID]string
}

// Fake is an in-memory Gateway. Channels, occupants, and messages live
// in maps; tests mutate occupancy directly with Join and Leave and
// inject per-method failures with FailWith. Safe for concurrent use.
type Fake struct {
	mu          sync.Mutex
	nextChannel int
	nextMessage int
	channels    map[ref.RoomID]*fakeChannel
	order       []ref.RoomID
	notices     map[ref.UserID][]string
	failures    map[string]error
}

var _ gateway.Gateway = (*Fake)(nil)

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{
		channels: make(map[ref.RoomID]*fakeChannel),
		notices:  make(map[ref.UserID][]string),
		failures: make(map[string]error),
	}
}

// FailWith makes every subsequent call to the named Gateway method
// return err. Pass nil to clear.
func (f *Fake) FailWith(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, method)
		return
	}
	f.failures[method] = err
}

func (f *Fake) failureLocked(method string) error {
	return f.failures[method]
}

// AddChannel registers a pre-existing channel, for adoption and
// reconciliation tests. Returns its ID.
func (f *Fake) AddChannel(name string) ref.RoomID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addChannelLocked(name, 0, gateway.Grants{})
}

func (f *Fake) addChannelLocked(name string, capacity int, grants gateway.Grants) ref.RoomID {
	f.nextChannel++
	id := ref.MustParseRoomID(fmt.Sprintf("!fake%d:test.local", f.nextChannel))
	f.channels[id] = &fakeChannel{
		name:     name,
		capacity: capacity,
		grants:   grants,
		messages: make(map[ref.EventID]string),
	}
	f.order = append(f.order, id)
	return id
}

// Join adds a user to a channel's occupants. No-op if already present
// or the channel is gone.
func (f *Fake) Join(user ref.UserID, id ref.RoomID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	channel, ok := f.channels[id]
	if !ok {
		return
	}
	for _, occupant := range channel.occupants {
		if occupant == user {
			return
		}
	}
	channel.occupants = append(channel.occupants, user)
}

// Leave removes a user from a channel's occupants.
func (f *Fake) Leave(user ref.UserID, id ref.RoomID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	channel, ok := f.channels[id]
	if !ok {
		return
	}
	for i, occupant := range channel.occupants {
		if occupant == user {
			channel.occupants = append(channel.occupants[:i], channel.occupants[i+1:]...)
			return
		}
	}
}

// HasChannel reports whether the channel exists.
func (f *Fake) HasChannel(id ref.RoomID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.channels[id]
	return ok
}

// GrantsOf returns the channel's last applied permission template.
func (f *Fake) GrantsOf(id ref.RoomID) (gateway.Grants, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	channel, ok := f.channels[id]
	if !ok {
		return gateway.Grants{}, false
	}
	return channel.grants, true
}

// CapacityOf returns the channel's last applied capacity.
func (f *Fake) CapacityOf(id ref.RoomID) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	channel, ok := f.channels[id]
	if !ok {
		return 0, false
	}
	return channel.capacity, true
}

// MessageBody returns the current content of a message.
func (f *Fake) MessageBody(id ref.RoomID, message ref.EventID) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	channel, ok := f.channels[id]
	if !ok {
		return "", false
	}
	body, ok := channel.messages[message]
	return body, ok
}

// DropMessage deletes a message, simulating redaction by a user.
func (f *Fake) DropMessage(id ref.RoomID, message ref.EventID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if channel, ok := f.channels[id]; ok {
		delete(channel.messages, message)
	}
}

// Notices returns the private notifications delivered to a user.
func (f *Fake) Notices(user ref.UserID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notices[user]...)
}

// --- Gateway implementation ---

func (f *Fake) CreateChannel(ctx context.Context, name string, capacity int, grants gateway.Grants) (ref.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failureLocked("CreateChannel"); err != nil {
		return ref.RoomID{}, err
	}
	return f.addChannelLocked(name, capacity, grants), nil
}

func (f *Fake) DeleteChannel(ctx context.Context, id ref.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failureLocked("DeleteChannel"); err != nil {
		return err
	}
	if _, ok := f.channels[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(f.channels, id)
	for i, existing := range f.order {
		if existing == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return nil
}

func (f *Fake) MoveUser(ctx context.Context, user ref.UserID, target ref.RoomID) error {
	f.mu.Lock()
	if err := f.failureLocked("MoveUser"); err != nil {
		f.mu.Unlock()
		return err
	}
	if target.IsZero() {
		// Disconnect: remove from every channel.
		for _, channel := range f.channels {
			for i, occupant := range channel.occupants {
				if occupant == user {
					channel.occupants = append(channel.occupants[:i], channel.occupants[i+1:]...)
					break
				}
			}
		}
		f.mu.Unlock()
		return nil
	}
	if _, ok := f.channels[target]; !ok {
		f.mu.Unlock()
		return gateway.ErrNotFound
	}
	f.mu.Unlock()
	f.Join(user, target)
	return nil
}

func (f *Fake) RemoveUser(ctx context.Context, id ref.RoomID, user ref.UserID) error {
	f.mu.Lock()
	if err := f.failureLocked("RemoveUser"); err != nil {
		f.mu.Unlock()
		return err
	}
	if _, ok := f.channels[id]; !ok {
		f.mu.Unlock()
		return gateway.ErrNotFound
	}
	f.mu.Unlock()
	f.Leave(user, id)
	return nil
}

func (f *Fake) SetChannelPermissions(ctx context.Context, id ref.RoomID, grants gateway.Grants) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failureLocked("SetChannelPermissions"); err != nil {
		return err
	}
	channel, ok := f.channels[id]
	if !ok {
		return gateway.ErrNotFound
	}
	channel.grants = grants
	return nil
}

func (f *Fake) SetChannelCapacity(ctx context.Context, id ref.RoomID, capacity int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failureLocked("SetChannelCapacity"); err != nil {
		return err
	}
	channel, ok := f.channels[id]
	if !ok {
		return gateway.ErrNotFound
	}
	channel.capacity = capacity
	return nil
}

func (f *Fake) SendMessage(ctx context.Context, id ref.RoomID, content string) (ref.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failureLocked("SendMessage"); err != nil {
		return ref.EventID{}, err
	}
	channel, ok := f.channels[id]
	if !ok {
		return ref.EventID{}, gateway.ErrNotFound
	}
	f.nextMessage++
	eventID := ref.MustParseEventID(fmt.Sprintf("$fake%d", f.nextMessage))
	channel.messages[eventID] = content
	return eventID, nil
}

func (f *Fake) EditMessage(ctx context.Context, id ref.RoomID, message ref.EventID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failureLocked("EditMessage"); err != nil {
		return err
	}
	channel, ok := f.channels[id]
	if !ok {
		return gateway.ErrNotFound
	}
	if _, ok := channel.messages[message]; !ok {
		return gateway.ErrNotFound
	}
	channel.messages[message] = content
	return nil
}

func (f *Fake) FetchMessage(ctx context.Context, id ref.RoomID, message ref.EventID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failureLocked("FetchMessage"); err != nil {
		return err
	}
	channel, ok := f.channels[id]
	if !ok {
		return gateway.ErrNotFound
	}
	if _, ok := channel.messages[message]; !ok {
		return gateway.ErrNotFound
	}
	return nil
}

func (f *Fake) ListOccupants(ctx context.Context, id ref.RoomID) ([]ref.UserID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failureLocked("ListOccupants"); err != nil {
		return nil, err
	}
	channel, ok := f.channels[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return append([]ref.UserID(nil), channel.occupants...), nil
}

func (f *Fake) ListChannels(ctx context.Context) ([]gateway.ChannelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failureLocked("ListChannels"); err != nil {
		return nil, err
	}
	infos := make([]gateway.ChannelInfo, 0, len(f.order))
	for _, id := range f.order {
		infos = append(infos, gateway.ChannelInfo{ID: id, Name: f.channels[id].name})
	}
	return infos, nil
}

func (f *Fake) ChannelExists(ctx context.Context, id ref.RoomID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failureLocked("ChannelExists"); err != nil {
		return false, err
	}
	_, ok := f.channels[id]
	return ok, nil
}

func (f *Fake) NotifyUser(ctx context.Context, user ref.UserID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failureLocked("NotifyUser"); err != nil {
		return err
	}
	f.notices[user] = append(f.notices[user], text)
	return nil
}
