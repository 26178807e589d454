// Package handler exposes the placement flow as a JSON API.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/engplace/placement/internal/generator"
	"github.com/engplace/placement/internal/model"
	"github.com/engplace/placement/internal/placement"
	"github.com/engplace/placement/internal/store"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store     *store.Store
	placement *placement.Service
	generator *generator.Coordinator
}

// New creates a new Handler.
func New(s *store.Store, p *placement.Service, g *generator.Coordinator) *Handler {
	return &Handler{store: s, placement: p, generator: g}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/placement", func(r chi.Router) {
		r.Post("/start", h.handleStart)
		r.Get("/{sessionID}", h.handleSession)
		r.Post("/{sessionID}/quiz", h.handleGenerateQuiz)
		r.Get("/{sessionID}/questions", h.handleQuestions)
		r.Post("/{sessionID}/complete", h.handleComplete)
		r.Post("/{sessionID}/annul", h.handleAnnul)
		r.Post("/questions/{questionID}/answer", h.handleAnswer)
	})
	r.Route("/api/tests", func(r chi.Router) {
		r.Post("/{testID}/generate", h.handleGenerateTest)
		r.Get("/{testID}/status", h.handleTestStatus)
		r.Get("/{testID}/questions/{section}", h.handleTestQuestions)
		r.Post("/{testID}/complete", h.handleCompleteTest)
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// respondError maps the domain sentinels onto HTTP status codes.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrSessionNotFound),
		errors.Is(err, model.ErrTestSessionNotFound),
		errors.Is(err, model.ErrQuestionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrUnknownLevel),
		errors.Is(err, model.ErrSessionCompleted),
		errors.Is(err, model.ErrNoAiTest):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	respondJSON(w, status, errorResponse{Error: err.Error()})
}

func sessionIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid session ID: %w", model.ErrSessionNotFound)
	}
	return id, nil
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID <= 0 {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id is required"})
		return
	}

	sess, err := h.placement.Start(r.Context(), req.UserID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDParam(r)
	if err != nil {
		respondError(w, err)
		return
	}
	sess, err := h.store.GetPlacementSession(id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleGenerateQuiz(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDParam(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req struct {
		Level model.LadderLevel `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "level is required"})
		return
	}

	plan, err := h.placement.GenerateLevelQuiz(r.Context(), id, req.Level)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

func (h *Handler) handleQuestions(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDParam(r)
	if err != nil {
		respondError(w, err)
		return
	}
	questions, err := h.placement.Questions(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, questions)
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	questionID, err := strconv.ParseInt(chi.URLParam(r, "questionID"), 10, 64)
	if err != nil {
		respondError(w, model.ErrQuestionNotFound)
		return
	}
	var req struct {
		Answer string `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Answer == "" {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "answer is required"})
		return
	}

	result, err := h.placement.SubmitAnswer(r.Context(), questionID, req.Answer)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type completeResponse struct {
	placement.CompletionResult
	TestSessionID string `json:"test_session_id,omitempty"`
}

// handleComplete finishes a placement session. When the state machine
// escalates to an AI test, a test session is created (or the existing one
// reused on idempotent re-completion) and its ID is returned for the client
// to drive generation with.
func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDParam(r)
	if err != nil {
		respondError(w, err)
		return
	}

	result, err := h.placement.Complete(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	resp := completeResponse{CompletionResult: result}
	if result.Action.Type == model.ActionAiTest {
		ts, err := h.ensureTestSession(id, result.Action.AiLevel)
		if err != nil {
			respondError(w, err)
			return
		}
		resp.TestSessionID = ts.ID
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) ensureTestSession(placementID int64, level model.LadderLevel) (model.TestSession, error) {
	ts, err := h.store.GetTestSessionForPlacement(placementID)
	if err == nil {
		return ts, nil
	}
	if !errors.Is(err, model.ErrTestSessionNotFound) {
		return model.TestSession{}, err
	}

	sess, err := h.store.GetPlacementSession(placementID)
	if err != nil {
		return model.TestSession{}, err
	}
	ts = model.TestSession{
		ID:                 uuid.NewString(),
		PlacementSessionID: placementID,
		UserID:             sess.UserID,
		Level:              level,
	}
	if err := h.store.CreateTestSession(ts); err != nil {
		return model.TestSession{}, fmt.Errorf("create test session: %w", err)
	}
	slog.Info("ai test session created", "test_session_id", ts.ID, "placement_session_id", placementID, "level", level)
	return ts, nil
}

func (h *Handler) handleAnnul(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDParam(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := h.placement.Annul(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": string(model.StatusAnnulled)})
}

func (h *Handler) handleGenerateTest(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	ts, err := h.store.GetTestSession(testID)
	if err != nil {
		respondError(w, err)
		return
	}

	result, err := h.generator.GenerateFullTest(r.Context(), ts.ID, ts.Level)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) handleTestStatus(w http.ResponseWriter, r *http.Request) {
	result, err := h.generator.Status(chi.URLParam(r, "testID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleTestQuestions serves one section's questions from the database, for
// clients resuming a test after the cached generation result has expired.
func (h *Handler) handleTestQuestions(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	kind := model.SectionKind(chi.URLParam(r, "section"))
	if !model.ValidSectionKind(kind) {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("unknown test section %q", kind)})
		return
	}

	if _, err := h.store.GetTestSession(testID); err != nil {
		respondError(w, err)
		return
	}
	data, err := h.generator.SectionQuestions(testID, kind)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, json.RawMessage(data))
}

// handleCompleteTest records the final AI test score and resolves the
// placement session's determined level through the recorded outcome map.
func (h *Handler) handleCompleteTest(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	var req struct {
		FinalScore *float64 `json:"final_score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FinalScore == nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "final_score is required"})
		return
	}

	ts, err := h.store.GetTestSession(testID)
	if err != nil {
		respondError(w, err)
		return
	}

	determined, err := h.placement.ResolveAITest(r.Context(), ts.PlacementSessionID, *req.FinalScore)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := h.store.CompleteTestSession(ts.ID, *req.FinalScore); err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"test_session_id":  ts.ID,
		"final_score":      *req.FinalScore,
		"determined_level": determined,
	})
}
