// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anteroom-dev/anteroom/lib/clock"
	"github.com/anteroom-dev/anteroom/lib/ref"
	"github.com/anteroom-dev/anteroom/lib/testutil"
	"github.com/anteroom-dev/anteroom/messaging"
)

var serviceUser = ref.MustParseUserID("@anteroom:test.local")

func newTestMatrix(t *testing.T, handler http.Handler) *Matrix {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := messaging.NewClient(messaging.ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	matrix, err := NewMatrix(MatrixConfig{
		Session:           client.SessionFromToken(serviceUser, "tok"),
		Clock:             clock.Real(),
		RequestsPerSecond: 10000,
		Burst:             10000,
	})
	if err != nil {
		t.Fatalf("NewMatrix: %v", err)
	}
	return matrix
}

func okEvent(writer http.ResponseWriter) {
	writer.Header().Set("Content-Type", "application/json")
	writer.Write([]byte(`{"event_id":"$ok"}`))
}

func TestSetChannelPermissionsMapsToState(t *testing.T) {
	type stateCall struct {
		path    string
		content map[string]any
	}
	var mu sync.Mutex
	var calls []stateCall

	matrix := newTestMatrix(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		var content map[string]any
		if err := json.NewDecoder(request.Body).Decode(&content); err != nil {
			t.Errorf("decode state content: %v", err)
		}
		mu.Lock()
		calls = append(calls, stateCall{path: request.URL.Path, content: content})
		mu.Unlock()
		okEvent(writer)
	}))

	owner := ref.MustParseUserID("@alice:test.local")
	err := matrix.SetChannelPermissions(context.Background(),
		ref.MustParseRoomID("!room:test.local"),
		Grants{DefaultJoin: false, Managers: []ref.UserID{owner}})
	if err != nil {
		t.Fatalf("SetChannelPermissions: %v", err)
	}

	if len(calls) != 2 {
		t.Fatalf("got %d state calls, want 2", len(calls))
	}
	if !strings.Contains(calls[0].path, "/state/m.room.join_rules/") {
		t.Errorf("first call path = %q", calls[0].path)
	}
	if calls[0].content["join_rule"] != "invite" {
		t.Errorf("locked room join_rule = %v, want invite", calls[0].content["join_rule"])
	}
	if !strings.Contains(calls[1].path, "/state/m.room.power_levels/") {
		t.Errorf("second call path = %q", calls[1].path)
	}
	users, _ := calls[1].content["users"].(map[string]any)
	if users["@alice:test.local"] != float64(powerManager) {
		t.Errorf("owner power = %v, want %d", users["@alice:test.local"], powerManager)
	}
	if users[serviceUser.String()] != float64(powerService) {
		t.Errorf("service power = %v, want %d", users[serviceUser.String()], powerService)
	}
}

func TestSetChannelCapacity(t *testing.T) {
	var path string
	var content map[string]any
	matrix := newTestMatrix(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		path = request.URL.Path
		json.NewDecoder(request.Body).Decode(&content)
		okEvent(writer)
	}))

	err := matrix.SetChannelCapacity(context.Background(), ref.MustParseRoomID("!room:test.local"), 5)
	if err != nil {
		t.Fatalf("SetChannelCapacity: %v", err)
	}
	if !strings.Contains(path, "/state/"+capacityEventType+"/") {
		t.Errorf("capacity state path = %q", path)
	}
	if content["limit"] != float64(5) {
		t.Errorf("limit = %v, want 5", content["limit"])
	}
}

func TestFetchMessageNotFound(t *testing.T) {
	matrix := newTestMatrix(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusNotFound)
		writer.Write([]byte(`{"errcode":"M_NOT_FOUND","error":"gone"}`))
	}))

	err := matrix.FetchMessage(context.Background(),
		ref.MustParseRoomID("!room:test.local"),
		ref.MustParseEventID("$gone"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("FetchMessage error = %v, want ErrNotFound", err)
	}
}

func TestListOccupantsExcludesService(t *testing.T) {
	matrix := newTestMatrix(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.Write([]byte(`{"chunk":[
			{"type":"m.room.member","state_key":"@anteroom:test.local","content":{"membership":"join"}},
			{"type":"m.room.member","state_key":"@alice:test.local","content":{"membership":"join"}},
			{"type":"m.room.member","state_key":"@bob:test.local","content":{"membership":"leave"}}
		]}`))
	}))

	occupants, err := matrix.ListOccupants(context.Background(), ref.MustParseRoomID("!room:test.local"))
	if err != nil {
		t.Fatalf("ListOccupants: %v", err)
	}
	if len(occupants) != 1 || occupants[0].String() != "@alice:test.local" {
		t.Errorf("occupants = %v, want [@alice:test.local]", occupants)
	}
}

func TestNotifyUserCachesDMRoom(t *testing.T) {
	var mu sync.Mutex
	createCalls := 0
	matrix := newTestMatrix(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(request.URL.Path, "/createRoom") {
			mu.Lock()
			createCalls++
			mu.Unlock()
			writer.Write([]byte(`{"room_id":"!dm:test.local"}`))
			return
		}
		writer.Write([]byte(`{"event_id":"$sent"}`))
	}))

	alice := ref.MustParseUserID("@alice:test.local")
	for i := 0; i < 2; i++ {
		if err := matrix.NotifyUser(context.Background(), alice, "blocked"); err != nil {
			t.Fatalf("NotifyUser %d: %v", i, err)
		}
	}
	if createCalls != 1 {
		t.Errorf("createRoom called %d times, want 1 (cached)", createCalls)
	}
}

func TestRunDispatchesEvents(t *testing.T) {
	var mu sync.Mutex
	syncCount := 0
	matrix := newTestMatrix(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		mu.Lock()
		syncCount++
		call := syncCount
		mu.Unlock()
		switch call {
		case 1:
			writer.Write([]byte(`{"next_batch":"s1","rooms":{}}`))
		case 2:
			writer.Write([]byte(`{"next_batch":"s2","rooms":{"join":{"!room:test.local":{"timeline":{"events":[
				{"type":"m.room.member","event_id":"$m1","sender":"@alice:test.local","state_key":"@alice:test.local","content":{"membership":"join"}},
				{"type":"m.room.message","event_id":"$m2","sender":"@alice:test.local","content":{"msgtype":"m.text","body":"!capacity 5"}},
				{"type":"m.room.message","event_id":"$m3","sender":"@anteroom:test.local","content":{"msgtype":"m.text","body":"!ignored"}}
			]}}}}}`))
		default:
			writer.Write([]byte(`{"next_batch":"s3","rooms":{}}`))
		}
	}))

	presence := make(chan PresenceUpdate, 4)
	control := make(chan ControlRequest, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		matrix.Run(ctx, Handlers{
			Presence: func(ctx context.Context, update PresenceUpdate) { presence <- update },
			Control:  func(ctx context.Context, request ControlRequest) { control <- request },
		})
		close(done)
	}()

	update := testutil.RequireReceive(t, presence, time.Second, "presence update")
	if update.User.String() != "@alice:test.local" || !update.Joined {
		t.Errorf("presence = %+v", update)
	}
	request := testutil.RequireReceive(t, control, time.Second, "control request")
	if request.Command != "capacity" || len(request.Args) != 1 || request.Args[0] != "5" {
		t.Errorf("control = %+v", request)
	}

	// The service's own message must not come back as a control request.
	select {
	case extra := <-control:
		t.Errorf("unexpected control request: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	testutil.RequireClosed(t, done, time.Second, "event loop shutdown")
}
