// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/anteroom-dev/anteroom/lib/ref"
	"github.com/anteroom-dev/anteroom/messaging"
)

// Handlers receives translated platform events. Nil handlers are
// skipped. Each invocation runs on its own goroutine so a slow handler
// never stalls event delivery.
type Handlers struct {
	Presence func(ctx context.Context, update PresenceUpdate)
	Control  func(ctx context.Context, request ControlRequest)
}

// syncTimeout is the long-poll hold passed to /sync.
const syncTimeout = 30 * time.Second

// Run drives the Matrix sync loop until ctx is cancelled, translating
// membership changes into PresenceUpdates and "!"-prefixed messages
// into ControlRequests. The first sync establishes a baseline; its
// backlog is discarded so a restart does not replay history.
func (m *Matrix) Run(ctx context.Context, handlers Handlers) error {
	baseline, err := m.session.Sync(ctx, messaging.SyncOptions{})
	if err != nil {
		return classify(err)
	}
	since := baseline.NextBatch
	m.logger.Info("event loop started", "since", since)

	backoff := time.Second
	for {
		response, err := m.session.Sync(ctx, messaging.SyncOptions{
			Since:      since,
			Timeout:    int(syncTimeout.Milliseconds()),
			SetTimeout: true,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("sync failed, retrying", "error", err, "backoff", backoff)
			m.session.CloseIdleConnections()
			select {
			case <-m.clock.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff *= 2; backoff > syncTimeout {
				backoff = syncTimeout
			}
			continue
		}
		backoff = time.Second
		since = response.NextBatch

		for roomID, joined := range response.Rooms.Join {
			for _, event := range joined.Timeline.Events {
				m.dispatch(ctx, handlers, roomID, event)
			}
		}
	}
}

func (m *Matrix) dispatch(ctx context.Context, handlers Handlers, roomID ref.RoomID, event messaging.Event) {
	switch event.Type {
	case "m.room.member":
		if handlers.Presence == nil || event.StateKey == nil {
			return
		}
		user, err := ref.ParseUserID(*event.StateKey)
		if err != nil || user == m.session.UserID() {
			return
		}
		membership, _ := event.Content["membership"].(string)
		var joined bool
		switch membership {
		case "join":
			joined = true
		case "leave", "ban":
			joined = false
		default:
			// Invites and knocks are not occupancy changes.
			return
		}
		update := PresenceUpdate{User: user, Channel: roomID, Joined: joined}
		go handlers.Presence(ctx, update)

	case "m.room.message":
		if handlers.Control == nil || event.Sender == m.session.UserID() {
			return
		}
		body, _ := event.Content["body"].(string)
		if !strings.HasPrefix(body, "!") {
			return
		}
		fields := strings.Fields(strings.TrimPrefix(body, "!"))
		if len(fields) == 0 {
			return
		}
		request := ControlRequest{
			User:    event.Sender,
			Channel: roomID,
			Command: strings.ToLower(fields[0]),
			Args:    fields[1:],
		}
		go handlers.Control(ctx, request)
	}
}
