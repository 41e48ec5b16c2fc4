// Package handler exposes the assessment pipeline over a JSON API.
package handler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MustafaEmreBiyik/DentistryProject/internal/model"
	"github.com/MustafaEmreBiyik/DentistryProject/internal/pipeline"
	"github.com/MustafaEmreBiyik/DentistryProject/internal/scenario"
	"github.com/MustafaEmreBiyik/DentistryProject/internal/store"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	library  *scenario.Library
	pipeline *pipeline.Pipeline
	config   model.PipelineConfig
}

// New creates a new Handler.
func New(s *store.Store, lib *scenario.Library, p *pipeline.Pipeline, cfg model.PipelineConfig) *Handler {
	return &Handler{store: s, library: lib, pipeline: p, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/cases", h.handleListCases)
	r.Post("/api/turns", h.handleTurn)
	r.Get("/api/sessions/{sessionID}", h.handleGetSession)
	r.Post("/api/sessions/{sessionID}/feedback", h.handleFeedback)
	r.Get("/api/export", h.handleExport)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// caseSummary is the student-facing view of a case. Hidden findings and
// the rule set never leave the server.
type caseSummary struct {
	ID             string `json:"case_id"`
	Name           string `json:"name"`
	Category       string `json:"category,omitempty"`
	PatientAge     int    `json:"patient_age"`
	ChiefComplaint string `json:"chief_complaint"`
	Playable       bool   `json:"playable"`
}

func (h *Handler) handleListCases(w http.ResponseWriter, r *http.Request) {
	var out []caseSummary
	for _, c := range h.library.List() {
		out = append(out, caseSummary{
			ID:             c.ID,
			Name:           c.Name,
			Category:       c.Category,
			PatientAge:     c.Patient.Age,
			ChiefComplaint: c.Patient.ChiefComplaint,
			Playable:       len(c.Rules) > 0,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type turnRequest struct {
	StudentID string `json:"student_id"`
	CaseID    string `json:"case_id"`
	Text      string `json:"text"`
}

func (h *Handler) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.StudentID = strings.TrimSpace(req.StudentID)
	req.Text = strings.TrimSpace(req.Text)
	if req.StudentID == "" || req.CaseID == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "student_id, case_id and text are required")
		return
	}

	result, err := h.pipeline.ProcessAction(r.Context(), req.StudentID, req.CaseID, req.Text)
	if err != nil {
		switch {
		case errors.Is(err, scenario.ErrCaseNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, scenario.ErrNoRuleSet):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			slog.Error("turn failed", "student", req.StudentID, "case", req.CaseID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "turn could not be processed")
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type sessionView struct {
	Session model.Session             `json:"session"`
	Records []model.InteractionRecord `json:"records"`
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := h.store.GetSession(sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	records, err := h.store.GetRecords(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessionView{Session: sess, Records: records})
}

type feedbackRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

func (h *Handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if _, err := h.store.GetSession(sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	id, err := h.pipeline.SubmitFeedback(sessionID, req.Rating, req.Comment)
	if err != nil {
		if errors.Is(err, store.ErrInvalidRating) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ExportAllSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	export := model.StudyExport{
		StudyID:  r.URL.Query().Get("study_id"),
		Cohort:   r.URL.Query().Get("cohort"),
		Date:     time.Now().Format("2006-01-02"),
		Sessions: sessions,
	}
	writeJSON(w, http.StatusOK, export)
}
