package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/GoCodeAlone/turnstile/agent"
	"github.com/GoCodeAlone/turnstile/comms"
	"github.com/GoCodeAlone/turnstile/task"
)

const (
	defaultEventLimit      = 50
	maxEventLimit          = 500
	defaultTransitionLimit = 200
	maxTransitionLimit     = 1000
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Engine  Engine
	Logger  *slog.Logger
	Version string
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/rooms", h.listRooms)
	mux.HandleFunc("POST /api/rooms/{room}/messages", h.postMessage)
	mux.HandleFunc("GET /api/rooms/{room}/events", h.listEvents)

	mux.HandleFunc("GET /api/agents", h.listAgents)
	mux.HandleFunc("GET /api/transitions", h.listTransitions)
	mux.HandleFunc("GET /api/admission", h.admission)

	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handlers) knownRoom(w http.ResponseWriter, room string) bool {
	if !slices.Contains(h.Engine.Rooms(), room) {
		writeError(w, http.StatusNotFound, "room not found")
		return false
	}
	return true
}

// queryInt parses an integer query parameter, falling back to def when it
// is absent.
func queryInt(r *http.Request, name string, def int64) (int64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

// pageLimit reads ?limit=. Absent or zero means def; larger values are
// capped at ceiling, so a page is never unbounded.
func pageLimit(r *http.Request, def, ceiling int64) (int64, error) {
	n, err := queryInt(r, "limit", 0)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return def, nil
	}
	return min(n, ceiling), nil
}

// --- Room handlers ---

func (h *Handlers) listRooms(w http.ResponseWriter, _ *http.Request) {
	rooms := h.Engine.Rooms()
	if rooms == nil {
		rooms = []string{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

type postMessageRequest struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

func (h *Handlers) postMessage(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if !h.knownRoom(w, room) {
		return
	}
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Sender == "" {
		req.Sender = subjectFrom(r)
	}
	ev, err := h.Engine.PostHuman(r.Context(), room, req.Sender, req.Content)
	if err != nil {
		if errors.Is(err, comms.ErrInvalidEvent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.Logger.Error("post message", slog.String("room_id", room), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if !h.knownRoom(w, room) {
		return
	}
	after, err := queryInt(r, "after", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := pageLimit(r, defaultEventLimit, maxEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.Engine.Events(r.Context(), room, after, int(limit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []comms.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Agent handlers ---

func (h *Handlers) listAgents(w http.ResponseWriter, _ *http.Request) {
	agents := h.Engine.Agents()
	if agents == nil {
		agents = []agent.Info{}
	}
	writeJSON(w, http.StatusOK, agents)
}

// --- Observability handlers ---

func (h *Handlers) listTransitions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := task.Filter{
		RoomID:    q.Get("room"),
		TaskID:    q.Get("task"),
		AgentType: q.Get("agent_type"),
	}
	trigger, err := queryInt(r, "trigger", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := pageLimit(r, defaultTransitionLimit, maxTransitionLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.TriggerSeq, f.Limit = trigger, int(limit)

	trs, err := h.Engine.Transitions(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if trs == nil {
		trs = []task.Transition{}
	}
	writeJSON(w, http.StatusOK, trs)
}

func (h *Handlers) admission(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.Admission())
}

// --- Status / version ---

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.Version,
		"engine":  h.Engine.Status(),
	})
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
