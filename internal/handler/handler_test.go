package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/engplace/placement/internal/cache"
	"github.com/engplace/placement/internal/generator"
	"github.com/engplace/placement/internal/model"
	"github.com/engplace/placement/internal/placement"
	"github.com/engplace/placement/internal/questions"
	"github.com/engplace/placement/internal/store"
)

type stubProvider struct{}

func (stubProvider) GenerateFullTest(ctx context.Context, level model.LadderLevel) model.GeneratedTest {
	return model.GeneratedTest{
		Reading: model.SectionResult{Data: json.RawMessage(`{
			"passage": "A passage.",
			"questions": [{"question": "Q?", "options": {"A": "a", "B": "b"}, "correct_answer": "A"}]
		}`)},
		Listening: model.SectionResult{Data: json.RawMessage(`{
			"scenarios": [{"audio_script": "Hi.", "question": "Q?", "options": {"A": "a"}, "correct_answer": "A"}]
		}`)},
		Writing: model.SectionResult{Data: json.RawMessage(`{
			"prompts": [{"title": "T", "prompt": "Write.", "instructions": "Do.", "word_count": 150, "time_limit": 20, "evaluation_criteria": ["Grammar"]}]
		}`)},
		Speaking: model.SectionResult{Data: json.RawMessage(`{
			"questions": [{"type": "personal", "question": "Q?", "preparation_time": 15, "speaking_time": 60, "evaluation_criteria": ["Fluency"]}]
		}`)},
	}
}

type stubQueue struct{}

func (stubQueue) Enqueue(name string, fn func(context.Context) error) (string, error) {
	return "job-1", nil
}

func writeQuestionFixtures(t *testing.T, dir string, level model.LadderLevel) {
	t.Helper()
	specs := `[
		{"question": "Pick A.", "options": {"A": "a", "B": "b"}, "correct_answer": "A"},
		{"question": "Pick B.", "options": {"A": "a", "B": "b"}, "correct_answer": "B"}
	]`
	passages := `[
		{"text": "A passage.", "questions": [
			{"question": "Pick A.", "options": {"A": "a", "B": "b"}, "correct_answer": "A"}
		]}
	]`
	for category, content := range map[model.QuizCategory]string{
		model.CategoryGrammar:    specs,
		model.CategoryVocabulary: specs,
		model.CategoryReading:    passages,
	} {
		path := filepath.Join(dir, string(category), string(level))
		if err := os.MkdirAll(path, 0o755); err != nil {
			t.Fatalf("mkdir fixtures: %v", err)
		}
		if err := os.WriteFile(filepath.Join(path, "questions.json"), []byte(content), 0o644); err != nil {
			t.Fatalf("write fixtures: %v", err)
		}
	}
}

func newTestRouter(t *testing.T) (chi.Router, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	dir := t.TempDir()
	writeQuestionFixtures(t, dir, model.LevelPreIntermediate)
	writeQuestionFixtures(t, dir, model.LevelIntermediate)

	coord, err := generator.New(st, cache.NewMemory(time.Minute), stubProvider{}, nil, stubQueue{}, generator.Config{})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	h := New(st, placement.NewService(st, questions.NewLoader(dir)), coord)
	r := chi.NewRouter()
	h.Routes(r)
	return r, st
}

func doJSON(t *testing.T, r chi.Router, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode response %s: %v", rec.Body.String(), err)
		}
	}
	return rec
}

func TestPlacementFlow(t *testing.T) {
	r, _ := newTestRouter(t)

	var sess model.PlacementSession
	rec := doJSON(t, r, http.MethodPost, "/api/placement/start", map[string]any{"user_id": 1}, &sess)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: status %d: %s", rec.Code, rec.Body.String())
	}
	if sess.CurrentLevel != model.LevelPreIntermediate || sess.Status != model.StatusInProgress {
		t.Fatalf("unexpected new session: %+v", sess)
	}

	// Starting again returns the same active session.
	var again model.PlacementSession
	doJSON(t, r, http.MethodPost, "/api/placement/start", map[string]any{"user_id": 1}, &again)
	if again.ID != sess.ID {
		t.Errorf("second start created session %d, want %d", again.ID, sess.ID)
	}

	base := fmt.Sprintf("/api/placement/%d", sess.ID)

	var plan placement.QuizPlan
	rec = doJSON(t, r, http.MethodPost, base+"/quiz", map[string]any{"level": "pre_intermediate"}, &plan)
	if rec.Code != http.StatusOK {
		t.Fatalf("quiz: status %d: %s", rec.Code, rec.Body.String())
	}
	if plan.TotalQuestions != 5 {
		t.Fatalf("plan = %+v, want 5 questions", plan)
	}

	var grouped map[model.QuizCategory][]placement.QuizView
	rec = doJSON(t, r, http.MethodGet, base+"/questions", nil, &grouped)
	if rec.Code != http.StatusOK {
		t.Fatalf("questions: status %d", rec.Code)
	}
	if len(grouped[model.CategoryGrammar]) != 2 || len(grouped[model.CategoryReading]) != 1 {
		t.Fatalf("unexpected grouping: %+v", grouped)
	}

	// The question views must not leak the correct answers.
	for _, q := range grouped[model.CategoryGrammar] {
		if bytes.Contains(q.Data, []byte("correct_answer")) {
			t.Fatalf("question view leaks the correct answer: %s", q.Data)
		}
	}

	// First guess A everywhere, then correct the misses through the
	// re-answer path: the overwrite leaves every question right.
	for _, category := range model.QuizCategories {
		for _, q := range grouped[category] {
			path := fmt.Sprintf("/api/placement/questions/%d/answer", q.ID)
			var result placement.AnswerResult
			rec = doJSON(t, r, http.MethodPost, path, map[string]any{"answer": "A"}, &result)
			if rec.Code != http.StatusOK {
				t.Fatalf("answer: status %d: %s", rec.Code, rec.Body.String())
			}
			if result.IsCorrect {
				continue
			}
			rec = doJSON(t, r, http.MethodPost, path, map[string]any{"answer": result.CorrectAnswer}, &result)
			if rec.Code != http.StatusOK || !result.IsCorrect || !result.WasUpdated {
				t.Fatalf("re-answer failed: status %d, result %+v", rec.Code, result)
			}
		}
	}

	var completion completeResponse
	rec = doJSON(t, r, http.MethodPost, base+"/complete", nil, &completion)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: status %d: %s", rec.Code, rec.Body.String())
	}
	if !completion.Passed || completion.ScorePercentage != 100.0 {
		t.Errorf("score = %v passed=%v, want 100.0 pass", completion.ScorePercentage, completion.Passed)
	}
	if completion.Action.Type != model.ActionContinueTest || completion.Action.NextLevel != model.LevelIntermediate {
		t.Errorf("action = %+v, want continue_test to intermediate", completion.Action)
	}
	if completion.TestSessionID != "" {
		t.Error("continue_test must not spawn a test session")
	}

	// Completing again returns the recorded result unchanged.
	var repeat completeResponse
	doJSON(t, r, http.MethodPost, base+"/complete", nil, &repeat)
	if repeat.ScorePercentage != completion.ScorePercentage || repeat.Action.Type != completion.Action.Type {
		t.Errorf("repeated completion differs: %+v vs %+v", repeat, completion)
	}

	// The continue_test outcome keeps the session open: the next level's
	// quiz is generated on the same session and the cycle repeats.
	rec = doJSON(t, r, http.MethodPost, base+"/quiz", map[string]any{"level": "intermediate"}, &plan)
	if rec.Code != http.StatusOK {
		t.Fatalf("intermediate quiz: status %d: %s", rec.Code, rec.Body.String())
	}
	if plan.Level != model.LevelIntermediate || plan.TotalQuestions != 5 {
		t.Fatalf("intermediate plan = %+v", plan)
	}
	var current model.PlacementSession
	doJSON(t, r, http.MethodGet, base, nil, &current)
	if current.Status != model.StatusReady || current.CurrentLevel != model.LevelIntermediate {
		t.Errorf("session after advancing = %+v", current)
	}
}

func TestAiTestFlow(t *testing.T) {
	r, st := newTestRouter(t)

	var sess model.PlacementSession
	doJSON(t, r, http.MethodPost, "/api/placement/start", map[string]any{"user_id": 7}, &sess)
	// Move the session to advanced with no answered quizzes: completion
	// scores zero, fails, and escalates to an AI test.
	if err := st.SetSessionReady(sess.ID, model.LevelAdvanced); err != nil {
		t.Fatalf("set level: %v", err)
	}

	var completion completeResponse
	rec := doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/placement/%d/complete", sess.ID), nil, &completion)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: status %d: %s", rec.Code, rec.Body.String())
	}
	if completion.Action.Type != model.ActionAiTest {
		t.Fatalf("action = %+v, want ai_test", completion.Action)
	}
	if completion.TestSessionID == "" {
		t.Fatal("ai_test completion should create a test session")
	}

	// Re-completing reuses the same test session.
	var repeat completeResponse
	doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/placement/%d/complete", sess.ID), nil, &repeat)
	if repeat.TestSessionID != completion.TestSessionID {
		t.Errorf("repeated completion created a new test session %q", repeat.TestSessionID)
	}

	testBase := "/api/tests/" + completion.TestSessionID

	var generated model.GenerationResult
	rec = doJSON(t, r, http.MethodPost, testBase+"/generate", nil, &generated)
	if rec.Code != http.StatusOK {
		t.Fatalf("generate: status %d: %s", rec.Code, rec.Body.String())
	}
	if generated.State != model.GenerationReady || generated.Test == nil {
		t.Fatalf("generation = %+v, want ready with test", generated)
	}

	var status model.GenerationResult
	rec = doJSON(t, r, http.MethodGet, testBase+"/status", nil, &status)
	if rec.Code != http.StatusOK || status.State != model.GenerationReady {
		t.Fatalf("status = %+v (code %d), want ready", status, rec.Code)
	}

	// Stored questions remain servable per section, without grading data.
	var reading struct {
		Passage   string `json:"passage"`
		Questions []struct {
			ID int64 `json:"id"`
		} `json:"questions"`
	}
	rec = doJSON(t, r, http.MethodGet, testBase+"/questions/reading", nil, &reading)
	if rec.Code != http.StatusOK {
		t.Fatalf("reading questions: status %d: %s", rec.Code, rec.Body.String())
	}
	if reading.Passage == "" || len(reading.Questions) != 1 || reading.Questions[0].ID == 0 {
		t.Fatalf("unexpected stored reading view: %s", rec.Body.String())
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("correct_answer")) {
		t.Fatalf("stored reading view leaks the correct answer: %s", rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, testBase+"/questions/algebra", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown section: status %d, want 400", rec.Code)
	}

	// Advanced fail maps pass to B2: an 80% AI test score lands there.
	var resolved map[string]any
	rec = doJSON(t, r, http.MethodPost, testBase+"/complete", map[string]any{"final_score": 80.0}, &resolved)
	if rec.Code != http.StatusOK {
		t.Fatalf("test complete: status %d: %s", rec.Code, rec.Body.String())
	}
	if resolved["determined_level"] != "B2" {
		t.Errorf("determined_level = %v, want B2", resolved["determined_level"])
	}

	updated, err := st.GetPlacementSession(sess.ID)
	if err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if updated.DeterminedLevel == nil || *updated.DeterminedLevel != model.CEFRB2 {
		t.Errorf("placement determined level = %v, want B2", updated.DeterminedLevel)
	}
}

func TestErrorMapping(t *testing.T) {
	r, _ := newTestRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown session", http.MethodGet, "/api/placement/99999", nil, http.StatusNotFound},
		{"bad session id", http.MethodGet, "/api/placement/abc", nil, http.StatusNotFound},
		{"missing user id", http.MethodPost, "/api/placement/start", map[string]any{}, http.StatusBadRequest},
		{"unknown test session", http.MethodGet, "/api/tests/nope/generate", nil, http.StatusMethodNotAllowed},
		{"unknown test generate", http.MethodPost, "/api/tests/nope/generate", nil, http.StatusNotFound},
		{"missing final score", http.MethodPost, "/api/tests/nope/complete", map[string]any{}, http.StatusBadRequest},
		{"unknown test questions", http.MethodGet, "/api/tests/nope/questions/reading", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, r, tt.method, tt.path, tt.body, nil)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	t.Run("bad quiz level", func(t *testing.T) {
		var sess model.PlacementSession
		doJSON(t, r, http.MethodPost, "/api/placement/start", map[string]any{"user_id": 2}, &sess)
		rec := doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/placement/%d/quiz", sess.ID),
			map[string]any{"level": "beginner"}, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}
