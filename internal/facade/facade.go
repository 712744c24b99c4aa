// Package facade exposes the orchestrator's HTTP surface.
//
// The handlers are a thin JSON layer over the Orchestrator interface; all
// session logic lives behind it. Errors are returned as structured
// {"error": {"kind", "message"}} bodies, never stack traces.
package facade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/reeltalk/reeltalk/internal/journal"
	"github.com/reeltalk/reeltalk/internal/registry"
	"github.com/reeltalk/reeltalk/pkg/transport"
	"github.com/reeltalk/reeltalk/pkg/types"
)

// ConnectResult is the response body of POST /connect.
type ConnectResult struct {
	RoomURL    string `json:"room_url"`
	BotToken   string `json:"bot_token"`
	Identifier string `json:"identifier"`
}

// RoomSnapshot is one entry of GET /rooms.
type RoomSnapshot struct {
	RoomURL         string    `json:"room_url"`
	Identifier      string    `json:"identifier"`
	State           string    `json:"state"`
	CreatedAt       time.Time `json:"created_at"`
	BotRunning      bool      `json:"bot_running"`
	BotPID          int       `json:"bot_pid"`
	PiClientPID     int       `json:"pi_client_pid,omitempty"`
	VideoServicePID int       `json:"video_service_pid,omitempty"`
}

// CleanupReport is the response body of POST /cleanup-room.
type CleanupReport struct {
	BotTerminated          bool     `json:"bot_terminated"`
	PiClientTerminated     bool     `json:"pi_client_terminated"`
	VideoServiceTerminated bool     `json:"video_service_terminated"`
	Errors                 []string `json:"errors"`
}

// StatusResult is the response body of GET /conversation-status/{identifier}.
type StatusResult struct {
	State        string        `json:"state"`
	UserSpeaking bool          `json:"user_speaking"`
	CommandSeq   uint64        `json:"command_seq"`
	Context      StatusContext `json:"context"`
}

// StatusContext carries the journal slice for one status poll.
type StatusContext struct {
	StatusMessages    []journal.Observation `json:"status_messages"`
	TotalMessageCount uint64                `json:"total_message_count"`
}

// Orchestrator is the session-management surface the facade fronts.
// internal/app provides the production implementation.
type Orchestrator interface {
	// Connect provisions a room and starts a session.
	Connect(ctx context.Context) (ConnectResult, error)

	// ListRooms snapshots every session in the registry.
	ListRooms() []RoomSnapshot

	// RegisterEdge attaches an externally spawned edge PID to the session
	// owning the room.
	RegisterEdge(roomURL string, role types.EdgeRole, pid int) error

	// CleanupRoom tears the room's session down and reports the outcome.
	CleanupRoom(ctx context.Context, roomURL string) (CleanupReport, error)

	// ConversationStatus projects the session journal past the cursor.
	ConversationStatus(identifier string, cursor uint64) (StatusResult, error)
}

// Handler serves the orchestrator endpoints.
type Handler struct {
	orch Orchestrator
	log  *slog.Logger
}

// New creates a Handler over the given orchestrator.
func New(orch Orchestrator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{orch: orch, log: log}
}

// Register adds all facade routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /connect", h.connect)
	mux.HandleFunc("GET /rooms", h.rooms)
	mux.HandleFunc("POST /register-pi-client", h.registerPiClient)
	mux.HandleFunc("POST /register-video-service", h.registerVideoService)
	mux.HandleFunc("POST /cleanup-room", h.cleanupRoom)
	mux.HandleFunc("GET /conversation-status/{identifier}", h.conversationStatus)
}

func (h *Handler) connect(w http.ResponseWriter, r *http.Request) {
	res, err := h.orch.Connect(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) rooms(w http.ResponseWriter, _ *http.Request) {
	snaps := h.orch.ListRooms()
	if snaps == nil {
		snaps = []RoomSnapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"active_rooms": snaps})
}

type registerRequest struct {
	RoomURL         string `json:"room_url"`
	PiClientPID     int    `json:"pi_client_pid"`
	VideoServicePID int    `json:"video_service_pid"`
}

func (h *Handler) registerPiClient(w http.ResponseWriter, r *http.Request) {
	h.registerEdge(w, r, types.EdgeCapture)
}

func (h *Handler) registerVideoService(w http.ResponseWriter, r *http.Request) {
	h.registerEdge(w, r, types.EdgePlayer)
}

func (h *Handler) registerEdge(w http.ResponseWriter, r *http.Request, role types.EdgeRole) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorKind(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.RoomURL == "" {
		h.writeErrorKind(w, http.StatusBadRequest, "invalid_request", "room_url is required")
		return
	}
	pid := req.PiClientPID
	if role == types.EdgePlayer {
		pid = req.VideoServicePID
	}
	if pid <= 0 {
		h.writeErrorKind(w, http.StatusBadRequest, "invalid_request", "a positive pid is required")
		return
	}
	if err := h.orch.RegisterEdge(req.RoomURL, role, pid); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type cleanupRequest struct {
	RoomURL string `json:"room_url"`
}

func (h *Handler) cleanupRoom(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorKind(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.RoomURL == "" {
		h.writeErrorKind(w, http.StatusBadRequest, "invalid_request", "room_url is required")
		return
	}
	report, err := h.orch.CleanupRoom(r.Context(), req.RoomURL)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if report.Errors == nil {
		report.Errors = []string{}
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) conversationStatus(w http.ResponseWriter, r *http.Request) {
	identifier := r.PathValue("identifier")
	cursor := uint64(0)
	if raw := r.URL.Query().Get("last_seen"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			h.writeErrorKind(w, http.StatusBadRequest, "invalid_request", "last_seen must be a non-negative integer")
			return
		}
		cursor = v
	}
	res, err := h.orch.ConversationStatus(identifier, cursor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if res.Context.StatusMessages == nil {
		res.Context.StatusMessages = []journal.Observation{}
	}
	writeJSON(w, http.StatusOK, res)
}

// ─── Error mapping ────────────────────────────────────────────────────────────

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeError maps sentinel errors onto the facade's error kinds.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		h.writeErrorKind(w, http.StatusNotFound, "unknown_room", err.Error())
	case errors.Is(err, registry.ErrRoomInUse):
		h.writeErrorKind(w, http.StatusConflict, "duplicate", err.Error())
	case errors.Is(err, registry.ErrWrongState):
		h.writeErrorKind(w, http.StatusConflict, "wrong_state", err.Error())
	case errors.Is(err, transport.ErrUnavailable):
		h.writeErrorKind(w, http.StatusBadGateway, "transport_unavailable", err.Error())
	default:
		h.log.Error("facade request failed", "error", err)
		h.writeErrorKind(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (h *Handler) writeErrorKind(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
