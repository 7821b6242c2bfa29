// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import "github.com/anteroom-dev/anteroom/lib/ref"

// LoginRequest is the request body for password login.
type LoginRequest struct {
	Type                     string `json:"type"`
	User                     string `json:"user"`
	Password                 string `json:"password"`
	InitialDeviceDisplayName string `json:"initial_device_display_name,omitempty"`
}

// AuthResponse is returned by Login.
type AuthResponse struct {
	UserID      ref.UserID `json:"user_id"`
	AccessToken string     `json:"access_token"`
	DeviceID    string     `json:"device_id"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID ref.UserID `json:"user_id"`
}

// CreateRoomRequest holds parameters for creating a room.
type CreateRoomRequest struct {
	Name                      string         `json:"name,omitempty"`
	Topic                     string         `json:"topic,omitempty"`
	Visibility                string         `json:"visibility,omitempty"` // "public" or "private"
	Preset                    string         `json:"preset,omitempty"`
	Invite                    []string       `json:"invite,omitempty"`
	IsDirect                  bool           `json:"is_direct,omitempty"`
	InitialState              []StateEvent   `json:"initial_state,omitempty"`
	PowerLevelContentOverride map[string]any `json:"power_level_content_override,omitempty"`
}

// CreateRoomResponse is returned by CreateRoom.
type CreateRoomResponse struct {
	RoomID ref.RoomID `json:"room_id"`
}

// StateEvent is a state event for room creation or state setting.
type StateEvent struct {
	Type     string `json:"type"`
	StateKey string `json:"state_key"`
	Content  any    `json:"content"`
}

// MessageContent is the content body of an m.room.message event.
// Edits are first-class: set NewContent and RelatesTo with rel_type
// "m.replace" to edit a previously sent message in place.
type MessageContent struct {
	MsgType    string          `json:"msgtype"`
	Body       string          `json:"body"`
	NewContent *MessageContent `json:"m.new_content,omitempty"`
	RelatesTo  *RelatesTo      `json:"m.relates_to,omitempty"`
}

// RelatesTo expresses a relationship to another event.
type RelatesTo struct {
	RelType string      `json:"rel_type"`
	EventID ref.EventID `json:"event_id"`
}

// NewTextMessage creates a plain text message.
func NewTextMessage(body string) MessageContent {
	return MessageContent{MsgType: "m.text", Body: body}
}

// NewEditMessage creates a message that replaces a previously sent one.
// Clients render the fallback body ("* " prefix) only if they do not
// understand m.replace.
func NewEditMessage(target ref.EventID, body string) MessageContent {
	return MessageContent{
		MsgType:    "m.text",
		Body:       "* " + body,
		NewContent: &MessageContent{MsgType: "m.text", Body: body},
		RelatesTo:  &RelatesTo{RelType: "m.replace", EventID: target},
	}
}

// SendEventResponse is returned by SendMessage and SendStateEvent.
type SendEventResponse struct {
	EventID ref.EventID `json:"event_id"`
}

// Event is a Matrix event from the server.
type Event struct {
	EventID        ref.EventID    `json:"event_id"`
	Type           string         `json:"type"`
	Sender         ref.UserID     `json:"sender"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
	RoomID         ref.RoomID     `json:"room_id,omitempty"`
	StateKey       *string        `json:"state_key,omitempty"`
}

// RoomMember is a member of a room.
type RoomMember struct {
	UserID     ref.UserID
	Membership string
}

// roomMembersResponse is the wire shape of the /members endpoint.
type roomMembersResponse struct {
	Chunk []struct {
		Type     string `json:"type"`
		StateKey string `json:"state_key"`
		Content  struct {
			Membership string `json:"membership"`
		} `json:"content"`
	} `json:"chunk"`
}

// JoinedRoomsResponse is returned by JoinedRooms.
type JoinedRoomsResponse struct {
	JoinedRooms []ref.RoomID `json:"joined_rooms"`
}

// KickRequest is the request body for kicking a user from a room.
type KickRequest struct {
	UserID ref.UserID `json:"user_id"`
	Reason string     `json:"reason,omitempty"`
}

// InviteRequest holds the user ID to invite to a room.
type InviteRequest struct {
	UserID ref.UserID `json:"user_id"`
}

// SyncOptions controls the /sync endpoint.
type SyncOptions struct {
	Since      string // next_batch from the previous sync; empty for initial
	Timeout    int    // long-poll hold in milliseconds; 0 returns immediately
	SetTimeout bool   // send the timeout parameter even when zero
	Filter     string // filter ID or inline JSON filter
}

// SyncResponse is the top-level /sync response.
type SyncResponse struct {
	NextBatch string       `json:"next_batch"`
	Rooms     RoomsSection `json:"rooms"`
}

// RoomsSection groups per-room sync data by membership state. Keys are
// room IDs; ref.RoomID's TextUnmarshaler validates them on decode.
type RoomsSection struct {
	Join  map[ref.RoomID]JoinedRoom `json:"join,omitempty"`
	Leave map[ref.RoomID]LeftRoom   `json:"leave,omitempty"`
}

// JoinedRoom carries sync data for a joined room.
type JoinedRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// LeftRoom carries sync data for a departed room.
type LeftRoom struct {
	Timeline TimelineSection `json:"timeline"`
}

// TimelineSection holds timeline events from a sync response.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch"`
	Limited   bool    `json:"limited"`
}

// StateSection holds state events from a sync response.
type StateSection struct {
	Events []Event `json:"events"`
}
