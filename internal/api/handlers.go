// Package api provides HTTP handlers for CounselPipe endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/CounselPipe/internal/models"
	"github.com/BTreeMap/CounselPipe/internal/session"
	"github.com/go-chi/chi/v5"
)

// MaintenanceRequest toggles maintenance mode.
type MaintenanceRequest struct {
	Active *bool `json:"active"`
}

// DelegateRequest hands a dialogue to a human operator or back.
type DelegateRequest struct {
	Delegate *bool `json:"delegate"`
}

// OperatorReplyRequest carries a human operator's message.
type OperatorReplyRequest struct {
	Text string `json:"text"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, Success(map[string]any{"service": "counselpipe"}))
}

func (s *Server) getMaintenanceHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, Success(map[string]bool{"active": s.admin.MaintenanceActive()}))
}

func (s *Server) setMaintenanceHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req MaintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.setMaintenanceHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, Error("Invalid JSON format"))
		return
	}
	if req.Active == nil {
		writeJSONResponse(w, http.StatusBadRequest, Error("Missing required field: active"))
		return
	}

	var err error
	if *req.Active {
		err = s.admin.EnterMaintenance(r.Context())
	} else {
		err = s.admin.ExitMaintenance(r.Context())
	}
	if err != nil {
		slog.Error("Server.setMaintenanceHandler: toggle failed", "active", *req.Active, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, Error("Failed to change maintenance mode"))
		return
	}
	slog.Info("Server.setMaintenanceHandler: maintenance changed", "active", *req.Active)
	writeJSONResponse(w, http.StatusOK, Success(map[string]bool{"active": *req.Active}))
}

func (s *Server) timersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, Success(s.admin.ActiveTimers()))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sess, err := s.admin.Session(userID)
	if err != nil {
		s.writeSessionError(w, "getSessionHandler", userID, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, Success(sess))
}

func (s *Server) delegateHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	userID := chi.URLParam(r, "userID")
	var req DelegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, Error("Invalid JSON format"))
		return
	}
	if req.Delegate == nil {
		writeJSONResponse(w, http.StatusBadRequest, Error("Missing required field: delegate"))
		return
	}
	if err := s.admin.SetDelegate(r.Context(), userID, *req.Delegate); err != nil {
		s.writeSessionError(w, "delegateHandler", userID, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, SuccessWithMessage("Delegation updated", map[string]bool{"delegate": *req.Delegate}))
}

func (s *Server) operatorReplyHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	userID := chi.URLParam(r, "userID")
	var req OperatorReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, Error("Invalid JSON format"))
		return
	}
	if err := s.admin.OperatorReply(r.Context(), userID, req.Text); err != nil {
		s.writeSessionError(w, "operatorReplyHandler", userID, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, SuccessWithMessage("Reply sent", nil))
}

// writeSessionError maps controller errors to HTTP statuses.
func (s *Server) writeSessionError(w http.ResponseWriter, handler, userID string, err error) {
	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		writeJSONResponse(w, http.StatusNotFound, Error("Session not found"))
	case errors.Is(err, session.ErrEmptyText), errors.Is(err, models.ErrEmptyUserID):
		writeJSONResponse(w, http.StatusBadRequest, Error(err.Error()))
	case errors.Is(err, session.ErrNoDialogue):
		writeJSONResponse(w, http.StatusConflict, Error(err.Error()))
	default:
		slog.Error("Server."+handler+": request failed", "user", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, Error("Internal server error"))
	}
}
