// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/anteroom-dev/anteroom/lib/ref"
)

// Session is an authenticated Matrix session: a Client plus an access
// token. Sessions are lightweight and safe for concurrent use.
type Session struct {
	client      *Client
	accessToken string
	userID      ref.UserID

	// transactionCounter generates unique transaction IDs for
	// idempotent event sends.
	transactionCounter atomic.Int64
}

// SessionFromToken creates a Session from an existing access token.
// The token is not validated; the first API call fails if it is bad.
func (c *Client) SessionFromToken(userID ref.UserID, accessToken string) *Session {
	return &Session{client: c, accessToken: accessToken, userID: userID}
}

// UserID returns the fully-qualified user ID of this session.
func (s *Session) UserID() ref.UserID { return s.userID }

// CloseIdleConnections drops idle HTTP connections on the underlying
// client. Call after a sync error to force a fresh socket.
func (s *Session) CloseIdleConnections() { s.client.CloseIdleConnections() }

// WhoAmI validates the access token and returns the user ID.
func (s *Session) WhoAmI(ctx context.Context) (ref.UserID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", s.accessToken, nil)
	if err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: whoami failed: %w", err)
	}
	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: failed to parse whoami response: %w", err)
	}
	return response.UserID, nil
}

// CreateRoom creates a new room.
func (s *Session) CreateRoom(ctx context.Context, request CreateRoomRequest) (*CreateRoomResponse, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", s.accessToken, request)
	if err != nil {
		return nil, fmt.Errorf("messaging: create room failed: %w", err)
	}
	var response CreateRoomResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse createRoom response: %w", err)
	}
	s.client.logger.Info("created room", "room_id", response.RoomID, "name", request.Name)
	return &response, nil
}

// JoinRoom joins a room by ID.
func (s *Session) JoinRoom(ctx context.Context, roomID ref.RoomID) error {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID.String())
	if _, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, struct{}{}); err != nil {
		return fmt.Errorf("messaging: join room %s failed: %w", roomID, err)
	}
	return nil
}

// LeaveRoom leaves a room.
func (s *Session) LeaveRoom(ctx context.Context, roomID ref.RoomID) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/leave", url.PathEscape(roomID.String()))
	if _, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, struct{}{}); err != nil {
		return fmt.Errorf("messaging: leave room %s failed: %w", roomID, err)
	}
	return nil
}

// ForgetRoom forgets a previously left room, releasing server state.
func (s *Session) ForgetRoom(ctx context.Context, roomID ref.RoomID) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/forget", url.PathEscape(roomID.String()))
	if _, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, struct{}{}); err != nil {
		return fmt.Errorf("messaging: forget room %s failed: %w", roomID, err)
	}
	return nil
}

// JoinedRooms returns the rooms this session has joined.
func (s *Session) JoinedRooms(ctx context.Context) ([]ref.RoomID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: joined rooms failed: %w", err)
	}
	var response JoinedRoomsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse joined_rooms response: %w", err)
	}
	return response.JoinedRooms, nil
}

// InviteUser invites a user to a room.
func (s *Session) InviteUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/invite", url.PathEscape(roomID.String()))
	if _, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, InviteRequest{UserID: userID}); err != nil {
		return fmt.Errorf("messaging: invite %s to %s failed: %w", userID, roomID, err)
	}
	return nil
}

// KickUser removes a user from a room.
func (s *Session) KickUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID, reason string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/kick", url.PathEscape(roomID.String()))
	if _, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, KickRequest{UserID: userID, Reason: reason}); err != nil {
		return fmt.Errorf("messaging: kick %s from %s failed: %w", userID, roomID, err)
	}
	return nil
}

// nextTransactionID generates a unique transaction ID for idempotent
// event sending. Format: "anteroom-<timestamp_ns>-<counter>" to ensure
// uniqueness across restarts; the homeserver dedupes sends by
// (token, transaction ID), so a bare counter would swallow the first
// sends of every new process reusing the same access token.
func (s *Session) nextTransactionID() string {
	return fmt.Sprintf("anteroom-%d-%d", time.Now().UnixNano(), s.transactionCounter.Add(1))
}

// SendMessage sends an m.room.message event. Uses Matrix's idempotent
// PUT with a transaction ID. Returns the event ID.
func (s *Session) SendMessage(ctx context.Context, roomID ref.RoomID, content MessageContent) (ref.EventID, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(s.nextTransactionID()),
	)
	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: send message to %s failed: %w", roomID, err)
	}
	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// GetEvent fetches a single event by ID. Returns M_NOT_FOUND if the
// event is gone or never existed.
func (s *Session) GetEvent(ctx context.Context, roomID ref.RoomID, eventID ref.EventID) (*Event, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/event/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventID.String()),
	)
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get event %s in %s failed: %w", eventID, roomID, err)
	}
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse event response: %w", err)
	}
	return &event, nil
}

// SendStateEvent sends a state event to a room. Returns the event ID.
func (s *Session) SendStateEvent(ctx context.Context, roomID ref.RoomID, eventType, stateKey string, content any) (ref.EventID, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType),
		url.PathEscape(stateKey),
	)
	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: send state event %s to %s failed: %w", eventType, roomID, err)
	}
	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: failed to parse send state response: %w", err)
	}
	return response.EventID, nil
}

// GetStateEvent fetches a state event's content. Returns M_NOT_FOUND
// (as *MatrixError) if the state entry does not exist.
func (s *Session) GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType, stateKey string) (json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType),
		url.PathEscape(stateKey),
	)
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get state %s/%s in %s failed: %w", eventType, stateKey, roomID, err)
	}
	return json.RawMessage(body), nil
}

// GetRoomMembers returns the current members of a room.
func (s *Session) GetRoomMembers(ctx context.Context, roomID ref.RoomID) ([]RoomMember, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/members", url.PathEscape(roomID.String()))
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get members of %s failed: %w", roomID, err)
	}

	var response roomMembersResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse members response: %w", err)
	}

	members := make([]RoomMember, 0, len(response.Chunk))
	for _, raw := range response.Chunk {
		userID, err := ref.ParseUserID(raw.StateKey)
		if err != nil {
			// Malformed state keys from a broken server are skipped
			// rather than failing the whole listing.
			continue
		}
		members = append(members, RoomMember{UserID: userID, Membership: raw.Content.Membership})
	}
	return members, nil
}

// Sync performs an incremental sync with the homeserver.
func (s *Session) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: sync failed: %w", err)
	}
	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse sync response: %w", err)
	}
	return &response, nil
}
