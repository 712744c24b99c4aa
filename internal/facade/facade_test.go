package facade_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/reeltalk/reeltalk/internal/facade"
	"github.com/reeltalk/reeltalk/internal/journal"
	"github.com/reeltalk/reeltalk/internal/registry"
	"github.com/reeltalk/reeltalk/pkg/types"
)

// fakeOrchestrator is a scriptable facade.Orchestrator.
type fakeOrchestrator struct {
	connectResult facade.ConnectResult
	connectErr    error

	rooms []facade.RoomSnapshot

	registerErr   error
	registerCalls []registerCall

	cleanupReport facade.CleanupReport
	cleanupErr    error
	cleanupRooms  []string

	statusResult facade.StatusResult
	statusErr    error
	statusCalls  []statusCall
}

type registerCall struct {
	roomURL string
	role    types.EdgeRole
	pid     int
}

type statusCall struct {
	identifier string
	cursor     uint64
}

func (f *fakeOrchestrator) Connect(context.Context) (facade.ConnectResult, error) {
	return f.connectResult, f.connectErr
}

func (f *fakeOrchestrator) ListRooms() []facade.RoomSnapshot { return f.rooms }

func (f *fakeOrchestrator) RegisterEdge(roomURL string, role types.EdgeRole, pid int) error {
	f.registerCalls = append(f.registerCalls, registerCall{roomURL: roomURL, role: role, pid: pid})
	return f.registerErr
}

func (f *fakeOrchestrator) CleanupRoom(_ context.Context, roomURL string) (facade.CleanupReport, error) {
	f.cleanupRooms = append(f.cleanupRooms, roomURL)
	return f.cleanupReport, f.cleanupErr
}

func (f *fakeOrchestrator) ConversationStatus(identifier string, cursor uint64) (facade.StatusResult, error) {
	f.statusCalls = append(f.statusCalls, statusCall{identifier: identifier, cursor: cursor})
	return f.statusResult, f.statusErr
}

func newServer(orch *fakeOrchestrator) *httptest.Server {
	mux := http.NewServeMux()
	facade.New(orch, slog.New(slog.DiscardHandler)).Register(mux)
	return httptest.NewServer(mux)
}

func doJSON(t *testing.T, method, url, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp.StatusCode, decoded
}

func TestConnect(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{
		connectResult: facade.ConnectResult{
			RoomURL:    "https://rooms.example/rt-1",
			BotToken:   "tok-1",
			Identifier: "sess-1",
		},
	}
	srv := newServer(orch)
	defer srv.Close()

	status, body := doJSON(t, http.MethodPost, srv.URL+"/connect", `{}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body["room_url"] != "https://rooms.example/rt-1" || body["identifier"] != "sess-1" || body["bot_token"] != "tok-1" {
		t.Errorf("body = %v", body)
	}
}

func TestConnectTransportFailure(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{connectErr: errors.New("daily: create room: boom")}
	srv := newServer(orch)
	defer srv.Close()

	status, body := doJSON(t, http.MethodPost, srv.URL+"/connect", `{}`)
	if status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", status)
	}
	errObj := body["error"].(map[string]any)
	if errObj["kind"] != "internal" {
		t.Errorf("error kind = %v", errObj["kind"])
	}
	if strings.Contains(errObj["message"].(string), "boom") {
		t.Error("internal error details must not leak to clients")
	}
}

func TestRooms(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{rooms: []facade.RoomSnapshot{
		{RoomURL: "https://rooms.example/a", Identifier: "s-a", State: "active", BotRunning: true, PiClientPID: 101},
	}}
	srv := newServer(orch)
	defer srv.Close()

	status, body := doJSON(t, http.MethodGet, srv.URL+"/rooms", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	rooms := body["active_rooms"].([]any)
	if len(rooms) != 1 {
		t.Fatalf("active_rooms = %v", rooms)
	}
	room := rooms[0].(map[string]any)
	if room["identifier"] != "s-a" || room["state"] != "active" || room["pi_client_pid"] != float64(101) {
		t.Errorf("room = %v", room)
	}
}

func TestRoomsEmpty(t *testing.T) {
	t.Parallel()

	srv := newServer(&fakeOrchestrator{})
	defer srv.Close()

	status, body := doJSON(t, http.MethodGet, srv.URL+"/rooms", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if rooms, ok := body["active_rooms"].([]any); !ok || len(rooms) != 0 {
		t.Errorf("active_rooms = %v, want empty array", body["active_rooms"])
	}
}

func TestRegisterEdgeRoles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     string
		body     string
		wantRole types.EdgeRole
		wantPID  int
	}{
		{
			name:     "pi client registers capture",
			path:     "/register-pi-client",
			body:     `{"room_url":"https://rooms.example/a","pi_client_pid":101}`,
			wantRole: types.EdgeCapture,
			wantPID:  101,
		},
		{
			name:     "video service registers player",
			path:     "/register-video-service",
			body:     `{"room_url":"https://rooms.example/a","video_service_pid":202}`,
			wantRole: types.EdgePlayer,
			wantPID:  202,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			orch := &fakeOrchestrator{}
			srv := newServer(orch)
			defer srv.Close()

			status, body := doJSON(t, http.MethodPost, srv.URL+tt.path, tt.body)
			if status != http.StatusOK {
				t.Fatalf("status = %d, want 200 (%v)", status, body)
			}
			if body["ok"] != true {
				t.Errorf("body = %v", body)
			}
			if len(orch.registerCalls) != 1 {
				t.Fatalf("register calls = %v", orch.registerCalls)
			}
			call := orch.registerCalls[0]
			if call.role != tt.wantRole || call.pid != tt.wantPID || call.roomURL != "https://rooms.example/a" {
				t.Errorf("register call = %+v", call)
			}
		})
	}
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{not json`},
		{"missing room_url", `{"pi_client_pid":101}`},
		{"missing pid", `{"room_url":"https://rooms.example/a"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			orch := &fakeOrchestrator{}
			srv := newServer(orch)
			defer srv.Close()

			status, body := doJSON(t, http.MethodPost, srv.URL+"/register-pi-client", tt.body)
			if status != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (%v)", status, body)
			}
			if len(orch.registerCalls) != 0 {
				t.Errorf("invalid request reached the orchestrator: %v", orch.registerCalls)
			}
		})
	}
}

func TestRegisterUnknownRoom(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{registerErr: registry.ErrNotFound}
	srv := newServer(orch)
	defer srv.Close()

	status, body := doJSON(t, http.MethodPost, srv.URL+"/register-pi-client",
		`{"room_url":"https://rooms.example/gone","pi_client_pid":101}`)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	errObj := body["error"].(map[string]any)
	if errObj["kind"] != "unknown_room" {
		t.Errorf("error kind = %v", errObj["kind"])
	}
}

func TestRegisterWrongSessionState(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{registerErr: registry.ErrWrongState}
	srv := newServer(orch)
	defer srv.Close()

	status, body := doJSON(t, http.MethodPost, srv.URL+"/register-pi-client",
		`{"room_url":"https://rooms.example/a","pi_client_pid":101}`)
	if status != http.StatusConflict {
		t.Fatalf("status = %d, want 409", status)
	}
	errObj := body["error"].(map[string]any)
	if errObj["kind"] != "wrong_state" {
		t.Errorf("error kind = %v", errObj["kind"])
	}
}

func TestCleanupRoom(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{
		cleanupReport: facade.CleanupReport{
			BotTerminated:          true,
			PiClientTerminated:     true,
			VideoServiceTerminated: false,
			Errors:                 []string{"video service survived sigkill"},
		},
	}
	srv := newServer(orch)
	defer srv.Close()

	status, body := doJSON(t, http.MethodPost, srv.URL+"/cleanup-room",
		`{"room_url":"https://rooms.example/a"}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body["bot_terminated"] != true || body["video_service_terminated"] != false {
		t.Errorf("report = %v", body)
	}
	errs := body["errors"].([]any)
	if len(errs) != 1 {
		t.Errorf("errors = %v", errs)
	}
	if len(orch.cleanupRooms) != 1 || orch.cleanupRooms[0] != "https://rooms.example/a" {
		t.Errorf("cleanup calls = %v", orch.cleanupRooms)
	}
}

func TestCleanupRoomEmptyErrorsIsArray(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{cleanupReport: facade.CleanupReport{BotTerminated: true}}
	srv := newServer(orch)
	defer srv.Close()

	status, body := doJSON(t, http.MethodPost, srv.URL+"/cleanup-room",
		`{"room_url":"https://rooms.example/a"}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if errs, ok := body["errors"].([]any); !ok || len(errs) != 0 {
		t.Errorf("errors = %v, want empty array", body["errors"])
	}
}

func TestConversationStatus(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{
		statusResult: facade.StatusResult{
			State:        "active",
			UserSpeaking: true,
			CommandSeq:   4,
			Context: facade.StatusContext{
				StatusMessages: []journal.Observation{
					{Seq: 7, Kind: journal.KindUserUtterance, Text: "hello"},
				},
				TotalMessageCount: 7,
			},
		},
	}
	srv := newServer(orch)
	defer srv.Close()

	status, body := doJSON(t, http.MethodGet, srv.URL+"/conversation-status/sess-1?last_seen=6", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body["state"] != "active" || body["user_speaking"] != true || body["command_seq"] != float64(4) {
		t.Errorf("body = %v", body)
	}
	ctxObj := body["context"].(map[string]any)
	msgs := ctxObj["status_messages"].([]any)
	if len(msgs) != 1 || ctxObj["total_message_count"] != float64(7) {
		t.Errorf("context = %v", ctxObj)
	}

	if len(orch.statusCalls) != 1 {
		t.Fatalf("status calls = %v", orch.statusCalls)
	}
	if call := orch.statusCalls[0]; call.identifier != "sess-1" || call.cursor != 6 {
		t.Errorf("status call = %+v", call)
	}
}

func TestConversationStatusBadCursor(t *testing.T) {
	t.Parallel()

	srv := newServer(&fakeOrchestrator{})
	defer srv.Close()

	status, _ := doJSON(t, http.MethodGet, srv.URL+"/conversation-status/sess-1?last_seen=minus-one", "")
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
}

func TestConversationStatusUnknownSession(t *testing.T) {
	t.Parallel()

	orch := &fakeOrchestrator{statusErr: registry.ErrNotFound}
	srv := newServer(orch)
	defer srv.Close()

	status, body := doJSON(t, http.MethodGet, srv.URL+"/conversation-status/nope", "")
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (%v)", status, body)
	}
}
