package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	httperrors "github.com/jw6ventures/orca/internal/http/errors"
	"github.com/jw6ventures/orca/internal/protocol"
	"github.com/jw6ventures/orca/internal/session"
	"github.com/jw6ventures/orca/internal/store"
	"github.com/jw6ventures/orca/internal/week"
	"github.com/jw6ventures/orca/internal/ws"
)

type scheduleHandler struct {
	store       *store.Store
	hub         *session.Hub
	upgrader    websocket.Upgrader
	idleTimeout time.Duration
}

func newScheduleHandler(st *store.Store, hub *session.Hub, idleTimeout time.Duration) *scheduleHandler {
	return &scheduleHandler{
		store: st,
		hub:   hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Cross-origin policy belongs to the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		idleTimeout: idleTimeout,
	}
}

type scheduleRequest struct {
	InitWeekStart      string `json:"init_week_start"`
	InitTimezoneOffset int    `json:"init_timezone_offset"`
}

type scheduleResponse struct {
	ID                 string    `json:"id"`
	InitWeekStart      time.Time `json:"init_week_start"`
	InitTimezoneOffset int       `json:"init_timezone_offset"`
}

func toScheduleResponse(s *store.Schedule) scheduleResponse {
	return scheduleResponse{ID: s.ID, InitWeekStart: s.InitWeekStart.UTC(), InitTimezoneOffset: s.InitTimezoneOffset}
}

// Create provisions a schedule. The initial week is normalized to its
// Monday.
func (h *scheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid request body")
		return
	}
	start, err := protocol.ParseTime(req.InitWeekStart)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "init_week_start must be an ISO-8601 timestamp")
		return
	}

	created, err := h.store.Schedules.Create(r.Context(), store.Schedule{
		ID:                 uuid.NewString(),
		InitWeekStart:      week.Start(start),
		InitTimezoneOffset: req.InitTimezoneOffset,
	})
	if err != nil {
		httperrors.InternalError(w, r, err, "create schedule")
		return
	}
	w.Header().Set("Location", "/v1/schedule/"+created.ID)
	httperrors.WriteJSON(w, http.StatusCreated, toScheduleResponse(created))
}

func (h *scheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	scheduleID, ok := uuidParam(w, r, "scheduleID")
	if !ok {
		return
	}
	s, err := h.store.Schedules.GetByID(r.Context(), scheduleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httperrors.NotFound(w, r, "schedule not found")
			return
		}
		httperrors.InternalError(w, r, err, "load schedule")
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, toScheduleResponse(s))
}

// Connect upgrades to a websocket and runs the session until the client
// leaves.
func (h *scheduleHandler) Connect(w http.ResponseWriter, r *http.Request) {
	scheduleID, ok := uuidParam(w, r, "scheduleID")
	if !ok {
		return
	}
	clientID, ok := uuidParam(w, r, "clientID")
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		httperrors.LogError(r, "websocket upgrade", err)
		return
	}

	log := logrus.WithFields(logrus.Fields{"schedule_id": scheduleID, "client_id": clientID})
	sock := ws.Wrap(clientID, conn, ws.Options{IdleTimeout: h.idleTimeout, Logger: log})

	err = h.hub.Serve(r.Context(), scheduleID, clientID, sock)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, session.ErrScheduleNotFound), errors.Is(err, session.ErrDuplicateClient):
		log.WithError(err).Info("session rejected")
	default:
		log.WithError(err).Warn("session ended with error")
	}
	if err := sock.Error(); err != nil {
		log.WithError(err).Debug("websocket loop error")
	}
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	parsed, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		httperrors.BadRequestError(w, r, err, fmt.Sprintf("%s must be a UUID", name))
		return "", false
	}
	return parsed.String(), true
}
