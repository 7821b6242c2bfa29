// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"encoding/json"
	"testing"
)

func TestParseUserID(t *testing.T) {
	valid := []string{
		"@alice:example.org",
		"@svc/anteroom:anteroom.local",
		"@x:localhost",
	}
	for _, raw := range valid {
		id, err := ParseUserID(raw)
		if err != nil {
			t.Errorf("ParseUserID(%q) failed: %v", raw, err)
			continue
		}
		if id.String() != raw {
			t.Errorf("ParseUserID(%q).String() = %q", raw, id.String())
		}
		if id.IsZero() {
			t.Errorf("ParseUserID(%q) returned zero value", raw)
		}
	}

	invalid := []string{
		"",
		"alice:example.org",
		"@alice",
		"@:example.org",
		"@alice:",
		"!room:example.org",
	}
	for _, raw := range invalid {
		if _, err := ParseUserID(raw); err == nil {
			t.Errorf("ParseUserID(%q) succeeded, want error", raw)
		}
	}
}

func TestUserIDLocalpart(t *testing.T) {
	id := MustParseUserID("@alice:example.org")
	if got := id.Localpart(); got != "alice" {
		t.Errorf("Localpart() = %q, want %q", got, "alice")
	}
	if got := (UserID{}).Localpart(); got != "" {
		t.Errorf("zero Localpart() = %q, want empty", got)
	}
}

func TestParseRoomID(t *testing.T) {
	id, err := ParseRoomID("!abc123:example.org")
	if err != nil {
		t.Fatalf("ParseRoomID failed: %v", err)
	}
	if id.String() != "!abc123:example.org" {
		t.Errorf("String() = %q", id.String())
	}

	invalid := []string{"", "abc:example.org", "!abc", "!:example.org", "@user:example.org"}
	for _, raw := range invalid {
		if _, err := ParseRoomID(raw); err == nil {
			t.Errorf("ParseRoomID(%q) succeeded, want error", raw)
		}
	}
}

func TestParseEventID(t *testing.T) {
	id, err := ParseEventID("$opaque-event-id")
	if err != nil {
		t.Fatalf("ParseEventID failed: %v", err)
	}
	if id.IsZero() {
		t.Error("parsed event ID is zero")
	}

	for _, raw := range []string{"", "$", "opaque"} {
		if _, err := ParseEventID(raw); err == nil {
			t.Errorf("ParseEventID(%q) succeeded, want error", raw)
		}
	}
}

func TestJSONRoundTrip(t *testing.T) {
	type payload struct {
		User  UserID  `json:"user"`
		Room  RoomID  `json:"room"`
		Event EventID `json:"event,omitempty"`
	}
	original := payload{
		User: MustParseUserID("@alice:example.org"),
		Room: MustParseRoomID("!abc:example.org"),
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded payload
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, original)
	}

	// Invalid IDs must fail at decode time.
	if err := json.Unmarshal([]byte(`{"user":"not-a-user"}`), &decoded); err == nil {
		t.Error("decoding invalid user ID succeeded, want error")
	}
}

func TestRoomIDAsMapKey(t *testing.T) {
	// /sync responses key room sections by room ID; the text
	// unmarshaler must work for JSON object keys.
	raw := `{"!abc:example.org": 1}`
	var m map[RoomID]int
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal map: %v", err)
	}
	if m[MustParseRoomID("!abc:example.org")] != 1 {
		t.Errorf("map key lookup failed: %v", m)
	}
}
