// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// UserID is a validated platform user ID (e.g., "@alice:example.org").
// It always starts with '@' and contains a ':' separating the
// localpart from the server name.
type UserID struct {
	id string
}

// ParseUserID validates and wraps a raw user ID string.
func ParseUserID(raw string) (UserID, error) {
	if err := checkSigil(raw, '@', "user ID"); err != nil {
		return UserID{}, err
	}
	return UserID{id: raw}, nil
}

// MustParseUserID is ParseUserID that panics on error. For tests and
// compile-time-constant IDs only.
func MustParseUserID(raw string) UserID {
	id, err := ParseUserID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the full user ID string.
func (u UserID) String() string { return u.id }

// IsZero reports whether the UserID is the zero value (unset).
func (u UserID) IsZero() bool { return u.id == "" }

// Localpart returns the portion between '@' and ':'.
func (u UserID) Localpart() string {
	if u.id == "" {
		return ""
	}
	rest := u.id[1:]
	return rest[:strings.IndexByte(rest, ':')]
}

// MarshalText implements encoding.TextMarshaler.
func (u UserID) MarshalText() ([]byte, error) { return []byte(u.id), nil }

// UnmarshalText implements encoding.TextUnmarshaler. Empty input
// produces the zero value.
func (u *UserID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*u = UserID{}
		return nil
	}
	parsed, err := ParseUserID(string(data))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// RoomID is a validated platform room ID (e.g., "!abc123:example.org").
// Room IDs are server-assigned opaque identifiers; they always start
// with '!' and carry a ':server' suffix.
type RoomID struct {
	id string
}

// ParseRoomID validates and wraps a raw room ID string.
func ParseRoomID(raw string) (RoomID, error) {
	if err := checkSigil(raw, '!', "room ID"); err != nil {
		return RoomID{}, err
	}
	return RoomID{id: raw}, nil
}

// MustParseRoomID is ParseRoomID that panics on error. For tests only.
func MustParseRoomID(raw string) RoomID {
	id, err := ParseRoomID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the full room ID string.
func (r RoomID) String() string { return r.id }

// IsZero reports whether the RoomID is the zero value (unset).
func (r RoomID) IsZero() bool { return r.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (r RoomID) MarshalText() ([]byte, error) { return []byte(r.id), nil }

// UnmarshalText implements encoding.TextUnmarshaler. Empty input
// produces the zero value.
func (r *RoomID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*r = RoomID{}
		return nil
	}
	parsed, err := ParseRoomID(string(data))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// EventID is a validated platform event ID (e.g., "$opaque"). Unlike
// user and room IDs, modern event IDs carry no server part, so only the
// '$' sigil is required.
type EventID struct {
	id string
}

// ParseEventID validates and wraps a raw event ID string.
func ParseEventID(raw string) (EventID, error) {
	if raw == "" {
		return EventID{}, fmt.Errorf("empty event ID")
	}
	if raw[0] != '$' {
		return EventID{}, fmt.Errorf("event ID must start with '$': %q", raw)
	}
	if len(raw) == 1 {
		return EventID{}, fmt.Errorf("event ID has empty opaque part: %q", raw)
	}
	return EventID{id: raw}, nil
}

// MustParseEventID is ParseEventID that panics on error. For tests only.
func MustParseEventID(raw string) EventID {
	id, err := ParseEventID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the full event ID string.
func (e EventID) String() string { return e.id }

// IsZero reports whether the EventID is the zero value (unset).
func (e EventID) IsZero() bool { return e.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (e EventID) MarshalText() ([]byte, error) { return []byte(e.id), nil }

// UnmarshalText implements encoding.TextUnmarshaler. Empty input
// produces the zero value.
func (e *EventID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*e = EventID{}
		return nil
	}
	parsed, err := ParseEventID(string(data))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// checkSigil validates the shared "<sigil>localpart:server" shape of
// user and room IDs.
func checkSigil(raw string, sigil byte, kind string) error {
	if raw == "" {
		return fmt.Errorf("empty %s", kind)
	}
	if raw[0] != sigil {
		return fmt.Errorf("%s must start with %q: %q", kind, string(sigil), raw)
	}
	colon := strings.IndexByte(raw[1:], ':')
	if colon < 0 {
		return fmt.Errorf("%s missing ':server' suffix: %q", kind, raw)
	}
	if colon == 0 {
		return fmt.Errorf("%s has empty localpart: %q", kind, raw)
	}
	if raw[1+colon+1:] == "" {
		return fmt.Errorf("%s has empty server name: %q", kind, raw)
	}
	return nil
}
