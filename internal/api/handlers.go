package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/MailPipe/internal/delivery"
	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/store"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "mailpipe"}))
}

func decodeSendRequest(w http.ResponseWriter, r *http.Request, handler string) (models.SendRequest, bool) {
	var req models.SendRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		slog.Warn(handler+": failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format", nil)
		return req, false
	}
	return req, true
}

// intakeStatus maps intake errors to HTTP statuses.
func intakeStatus(err error) int {
	switch {
	case errors.Is(err, delivery.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrTemplateNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNoActiveProfile), errors.Is(err, delivery.ErrInvalidProfile):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) enqueueHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	req, ok := decodeSendRequest(w, r, "Server.enqueueHandler")
	if !ok {
		return
	}
	entry, err := s.mailer.Enqueue(r.Context(), req)
	if err != nil {
		status := intakeStatus(err)
		slog.Warn("Server.enqueueHandler: enqueue failed", "error", err, "template", req.TemplateKey, "status", status)
		writeError(w, status, err.Error(), nil)
		return
	}
	slog.Info("Server.enqueueHandler: message queued", "id", entry.ID, "dedupeKey", entry.DedupeKey, "status", entry.Status)
	writeJSONResponse(w, http.StatusAccepted, models.Queued(entry))
}

func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	req, ok := decodeSendRequest(w, r, "Server.sendHandler")
	if !ok {
		return
	}
	entry, err := s.mailer.SendNow(r.Context(), req)
	if err == nil {
		slog.Info("Server.sendHandler: message sent", "id", entry.ID, "status", entry.Status)
		writeJSONResponse(w, http.StatusOK, models.Success(entry))
		return
	}
	if entry.ID == "" {
		// Nothing was recorded: bad input or no usable server profile.
		status := intakeStatus(err)
		slog.Warn("Server.sendHandler: not accepted", "error", err, "status", status)
		writeError(w, status, err.Error(), nil)
		return
	}
	// The entry exists and the attempt failed; the log carries the reason.
	slog.Error("Server.sendHandler: send failed", "id", entry.ID, "error", err)
	writeError(w, http.StatusBadGateway, err.Error(), entry)
}

func (s *Server) getMessageHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.store.Get(r.Context(), id)
	if err != nil {
		slog.Error("Server.getMessageHandler: lookup failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load message", nil)
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "Message not found", nil)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entry))
}

func (s *Server) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	status := models.DeliveryStatus(r.URL.Query().Get("status"))
	if status != "" && !models.IsValidDeliveryStatus(status) {
		writeError(w, http.StatusBadRequest, "Invalid status filter", nil)
		return
	}
	entries, err := s.store.ListEntries(r.Context(), status, limit)
	if err != nil {
		slog.Error("Server.listMessagesHandler: list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list messages", nil)
		return
	}
	if entries == nil {
		entries = []models.LogEntry{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}

func (s *Server) triggerRunHandler(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "Orchestrator not configured", nil)
		return
	}
	run, err := s.runner.Run(r.Context())
	if err != nil {
		slog.Error("Server.triggerRunHandler: run failed", "error", err, "run", run.ID)
		if run.ID == "" {
			writeError(w, http.StatusInternalServerError, err.Error(), nil)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), run)
		return
	}
	if run.Status == models.RunStatusSkipped {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Another run is in progress", run))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(run))
}

func (s *Server) listRunsHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	job := r.URL.Query().Get("job")
	if job == "" && s.runner != nil {
		job = s.runner.JobName()
	}
	runs, err := s.store.ListRuns(r.Context(), job, limit)
	if err != nil {
		slog.Error("Server.listRunsHandler: list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list runs", nil)
		return
	}
	if runs == nil {
		runs = []models.JobRun{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(runs))
}

func (s *Server) listTemplatesHandler(w http.ResponseWriter, r *http.Request) {
	templates, err := s.store.ListTemplates(r.Context())
	if err != nil {
		slog.Error("Server.listTemplatesHandler: list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list templates", nil)
		return
	}
	if templates == nil {
		templates = []models.Template{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(templates))
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return DefaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer", nil)
		return 0, false
	}
	if n > MaxListLimit {
		n = MaxListLimit
	}
	return n, true
}
