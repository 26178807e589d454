package store

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/engplace/placement/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeQuiz(category model.QuizCategory, order int, correct string) model.LeveledQuiz {
	data, _ := json.Marshal(model.QuestionSpec{
		Question:      "Q",
		Options:       map[string]string{"A": "a", "B": "b"},
		CorrectAnswer: correct,
	})
	return model.LeveledQuiz{Category: category, QuestionData: string(data), OrderNumber: order}
}

func TestPlacementSessionLifecycle(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreatePlacementSession(7)
	if err != nil {
		t.Fatalf("CreatePlacementSession: %v", err)
	}

	sess, err := s.GetPlacementSession(id)
	if err != nil {
		t.Fatalf("GetPlacementSession: %v", err)
	}
	if sess.Status != model.StatusInProgress {
		t.Errorf("expected status in_progress, got %q", sess.Status)
	}
	if sess.CurrentLevel != model.LevelPreIntermediate {
		t.Errorf("expected pre_intermediate, got %q", sess.CurrentLevel)
	}
	if sess.DeterminedLevel != nil || sess.NextAction != nil {
		t.Error("new session should carry no outcome")
	}

	// Not found.
	_, err = s.GetPlacementSession(9999)
	if !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	// Level generation moves the session to ready at the new level.
	if err := s.SetSessionReady(id, model.LevelIntermediate); err != nil {
		t.Fatalf("SetSessionReady: %v", err)
	}
	sess, _ = s.GetPlacementSession(id)
	if sess.Status != model.StatusReady || sess.CurrentLevel != model.LevelIntermediate {
		t.Errorf("expected ready/intermediate, got %q/%q", sess.Status, sess.CurrentLevel)
	}

	// Completion persists score, action and determined level together.
	determined := model.CEFRA2
	action := model.SetLevel(determined)
	if err := s.CompletePlacementSession(id, 55.0, action, &determined); err != nil {
		t.Fatalf("CompletePlacementSession: %v", err)
	}
	sess, _ = s.GetPlacementSession(id)
	if sess.Status != model.StatusCompleted {
		t.Errorf("expected completed, got %q", sess.Status)
	}
	if sess.ScorePercentage == nil || *sess.ScorePercentage != 55.0 {
		t.Errorf("expected score 55.0, got %v", sess.ScorePercentage)
	}
	if sess.NextAction == nil || sess.NextAction.Type != model.ActionSetLevel || sess.NextAction.Level != model.CEFRA2 {
		t.Errorf("unexpected next action: %+v", sess.NextAction)
	}
	if sess.DeterminedLevel == nil || *sess.DeterminedLevel != model.CEFRA2 {
		t.Errorf("expected determined A2, got %v", sess.DeterminedLevel)
	}
	if sess.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
}

func TestRecordQuizResult(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreatePlacementSession(1)
	if err := s.SetSessionReady(id, model.LevelPreIntermediate); err != nil {
		t.Fatalf("SetSessionReady: %v", err)
	}

	action := model.ContinueTest(model.LevelIntermediate)
	if err := s.RecordQuizResult(id, 80.0, action); err != nil {
		t.Fatalf("RecordQuizResult: %v", err)
	}

	sess, _ := s.GetPlacementSession(id)
	if sess.Status != model.StatusInProgress {
		t.Errorf("expected in_progress, got %q", sess.Status)
	}
	if sess.ScorePercentage == nil || *sess.ScorePercentage != 80.0 {
		t.Errorf("expected score 80.0, got %v", sess.ScorePercentage)
	}
	if sess.NextAction == nil || sess.NextAction.Type != model.ActionContinueTest ||
		sess.NextAction.NextLevel != model.LevelIntermediate {
		t.Errorf("unexpected next action: %+v", sess.NextAction)
	}
	if sess.CompletedAt != nil || sess.DeterminedLevel != nil {
		t.Error("non-terminal result must not close the session")
	}

	// The session remains the user's active attempt.
	active, err := s.GetActivePlacementSession(1)
	if err != nil {
		t.Fatalf("GetActivePlacementSession: %v", err)
	}
	if active.ID != id {
		t.Errorf("expected active session %d, got %d", id, active.ID)
	}
}

func TestCompleteWithAiTestAction(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreatePlacementSession(1)

	action := model.AiTest(model.LevelIntermediate, model.OutcomeMap{Pass: model.CEFRB1, Fail: model.CEFRA2})
	if err := s.CompletePlacementSession(id, 40.0, action, nil); err != nil {
		t.Fatalf("CompletePlacementSession: %v", err)
	}

	sess, _ := s.GetPlacementSession(id)
	if sess.DeterminedLevel != nil {
		t.Error("ai_test completion should leave determined level unset")
	}
	got := sess.NextAction
	if got == nil || got.Type != model.ActionAiTest || got.AiLevel != model.LevelIntermediate {
		t.Fatalf("unexpected action: %+v", got)
	}
	if got.Outcomes == nil || got.Outcomes.Pass != model.CEFRB1 || got.Outcomes.Fail != model.CEFRA2 {
		t.Errorf("outcome map not preserved: %+v", got.Outcomes)
	}

	// The AI test outcome later resolves the determined level.
	if err := s.SetDeterminedLevel(id, model.CEFRB1); err != nil {
		t.Fatalf("SetDeterminedLevel: %v", err)
	}
	sess, _ = s.GetPlacementSession(id)
	if sess.DeterminedLevel == nil || *sess.DeterminedLevel != model.CEFRB1 {
		t.Errorf("expected determined B1, got %v", sess.DeterminedLevel)
	}
}

func TestGetActivePlacementSession(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetActivePlacementSession(3)
	if !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	id, _ := s.CreatePlacementSession(3)
	active, err := s.GetActivePlacementSession(3)
	if err != nil {
		t.Fatalf("GetActivePlacementSession: %v", err)
	}
	if active.ID != id {
		t.Errorf("expected session %d, got %d", id, active.ID)
	}

	// Terminal sessions are not active.
	if err := s.AnnulPlacementSession(id, model.CEFRA1); err != nil {
		t.Fatalf("AnnulPlacementSession: %v", err)
	}
	_, err = s.GetActivePlacementSession(3)
	if !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after annul, got %v", err)
	}

	sess, _ := s.GetPlacementSession(id)
	if sess.Status != model.StatusAnnulled {
		t.Errorf("expected annulled, got %q", sess.Status)
	}
	if sess.DeterminedLevel == nil || *sess.DeterminedLevel != model.CEFRA1 {
		t.Errorf("annulled session should carry a determined level, got %v", sess.DeterminedLevel)
	}
}

func TestReplaceQuizzes(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreatePlacementSession(1)

	first := []model.LeveledQuiz{
		makeQuiz(model.CategoryGrammar, 1, "A"),
		makeQuiz(model.CategoryVocabulary, 2, "B"),
	}
	for i := range first {
		first[i].SessionID = id
	}
	if err := s.ReplaceQuizzes(id, first); err != nil {
		t.Fatalf("ReplaceQuizzes: %v", err)
	}

	quizzes, err := s.GetQuizzes(id)
	if err != nil {
		t.Fatalf("GetQuizzes: %v", err)
	}
	if len(quizzes) != 2 {
		t.Fatalf("expected 2 quizzes, got %d", len(quizzes))
	}
	if quizzes[0].OrderNumber != 1 || quizzes[1].OrderNumber != 2 {
		t.Error("quizzes not ordered by order_number")
	}

	// A new level replaces the old set wholesale.
	second := []model.LeveledQuiz{makeQuiz(model.CategoryGrammar, 1, "B")}
	second[0].SessionID = id
	if err := s.ReplaceQuizzes(id, second); err != nil {
		t.Fatalf("ReplaceQuizzes (second): %v", err)
	}
	quizzes, _ = s.GetQuizzes(id)
	if len(quizzes) != 1 {
		t.Fatalf("expected old quizzes deleted, got %d rows", len(quizzes))
	}
}

func TestQuizAnswer(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreatePlacementSession(1)
	q := makeQuiz(model.CategoryGrammar, 1, "A")
	q.SessionID = id
	if err := s.ReplaceQuizzes(id, []model.LeveledQuiz{q}); err != nil {
		t.Fatalf("ReplaceQuizzes: %v", err)
	}
	quizzes, _ := s.GetQuizzes(id)
	quizID := quizzes[0].ID

	got, err := s.GetQuiz(quizID)
	if err != nil {
		t.Fatalf("GetQuiz: %v", err)
	}
	if got.UserAnswer != nil || got.IsCorrect != nil {
		t.Error("fresh quiz should be unanswered")
	}

	_, err = s.GetQuiz(9999)
	if !errors.Is(err, model.ErrQuestionNotFound) {
		t.Errorf("expected ErrQuestionNotFound, got %v", err)
	}

	if err := s.UpdateQuizAnswer(quizID, "A", true); err != nil {
		t.Fatalf("UpdateQuizAnswer: %v", err)
	}
	got, _ = s.GetQuiz(quizID)
	if got.UserAnswer == nil || *got.UserAnswer != "A" {
		t.Errorf("expected answer A, got %v", got.UserAnswer)
	}
	if got.IsCorrect == nil || !*got.IsCorrect {
		t.Error("expected is_correct true")
	}
	if got.AnsweredAt == nil {
		t.Error("expected answered_at to be set")
	}

	// Re-answering overwrites.
	if err := s.UpdateQuizAnswer(quizID, "B", false); err != nil {
		t.Fatalf("UpdateQuizAnswer (overwrite): %v", err)
	}
	got, _ = s.GetQuiz(quizID)
	if *got.UserAnswer != "B" || *got.IsCorrect {
		t.Errorf("expected overwritten answer B/false, got %v/%v", *got.UserAnswer, *got.IsCorrect)
	}
}

func TestTestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	placementID, _ := s.CreatePlacementSession(1)

	ts := model.TestSession{
		ID:                 "ts-1",
		PlacementSessionID: placementID,
		UserID:             1,
		Level:              model.LevelAdvanced,
	}
	if err := s.CreateTestSession(ts); err != nil {
		t.Fatalf("CreateTestSession: %v", err)
	}

	got, err := s.GetTestSession("ts-1")
	if err != nil {
		t.Fatalf("GetTestSession: %v", err)
	}
	if got.Status != model.TestGenerating {
		t.Errorf("expected generating, got %q", got.Status)
	}
	if got.Level != model.LevelAdvanced {
		t.Errorf("expected advanced, got %q", got.Level)
	}

	_, err = s.GetTestSession("nope")
	if !errors.Is(err, model.ErrTestSessionNotFound) {
		t.Errorf("expected ErrTestSessionNotFound, got %v", err)
	}

	byPlacement, err := s.GetTestSessionForPlacement(placementID)
	if err != nil {
		t.Fatalf("GetTestSessionForPlacement: %v", err)
	}
	if byPlacement.ID != "ts-1" {
		t.Errorf("expected ts-1, got %q", byPlacement.ID)
	}

	if err := s.UpdateTestSessionStatus("ts-1", model.TestReady); err != nil {
		t.Fatalf("UpdateTestSessionStatus: %v", err)
	}
	got, _ = s.GetTestSession("ts-1")
	if got.Status != model.TestReady {
		t.Errorf("expected ready, got %q", got.Status)
	}

	if err := s.CompleteTestSession("ts-1", 75.0); err != nil {
		t.Fatalf("CompleteTestSession: %v", err)
	}
	got, _ = s.GetTestSession("ts-1")
	if got.Status != model.TestCompleted {
		t.Errorf("expected completed, got %q", got.Status)
	}
	if got.FinalScore == nil || *got.FinalScore != 75.0 {
		t.Errorf("expected final score 75.0, got %v", got.FinalScore)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
}

func TestGeneratedQuestions(t *testing.T) {
	s := newTestStore(t)
	placementID, _ := s.CreatePlacementSession(1)
	_ = s.CreateTestSession(model.TestSession{ID: "ts-1", PlacementSessionID: placementID, UserID: 1, Level: model.LevelIntermediate})

	correct := "B"
	options := `{"A":"a","B":"b"}`
	qs := []model.GeneratedQuestion{
		{TestSessionID: "ts-1", Kind: model.SectionReading, Content: `{"question":"Q1"}`, Options: &options, CorrectAnswer: &correct},
		{TestSessionID: "ts-1", Kind: model.SectionReading, Content: `{"question":"Q2"}`, Options: &options, CorrectAnswer: &correct},
		{TestSessionID: "ts-1", Kind: model.SectionWriting, Content: `{"prompt":"Write"}`},
	}
	created, err := s.BulkInsertGeneratedQuestions(qs)
	if err != nil {
		t.Fatalf("BulkInsertGeneratedQuestions: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("expected 3 created, got %d", len(created))
	}
	for _, q := range created {
		if q.ID == 0 {
			t.Error("expected assigned IDs")
		}
	}

	reading, err := s.GetGeneratedQuestions("ts-1", model.SectionReading)
	if err != nil {
		t.Fatalf("GetGeneratedQuestions: %v", err)
	}
	if len(reading) != 2 {
		t.Fatalf("expected 2 reading questions, got %d", len(reading))
	}
	if reading[0].CorrectAnswer == nil || *reading[0].CorrectAnswer != "B" {
		t.Errorf("unexpected correct answer: %v", reading[0].CorrectAnswer)
	}

	writing, _ := s.GetGeneratedQuestions("ts-1", model.SectionWriting)
	if len(writing) != 1 {
		t.Fatalf("expected 1 writing prompt, got %d", len(writing))
	}
	if writing[0].Options != nil || writing[0].CorrectAnswer != nil {
		t.Error("writing prompts carry no options or correct answer")
	}
}

func TestDeleteStaleSessions(t *testing.T) {
	s := newTestStore(t)

	oldID, _ := s.CreatePlacementSession(1)
	q := makeQuiz(model.CategoryGrammar, 1, "A")
	q.SessionID = oldID
	_ = s.ReplaceQuizzes(oldID, []model.LeveledQuiz{q})

	completedID, _ := s.CreatePlacementSession(2)
	determined := model.CEFRA1
	_ = s.CompletePlacementSession(completedID, 10, model.SetLevel(determined), &determined)

	// Everything so far is older than a future cutoff; completed sessions
	// must survive the sweep regardless.
	ids, err := s.DeleteStaleSessions(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteStaleSessions: %v", err)
	}
	if len(ids) != 1 || ids[0] != oldID {
		t.Fatalf("expected [%d] deleted, got %v", oldID, ids)
	}

	if _, err := s.GetPlacementSession(oldID); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("expected stale session gone, got %v", err)
	}
	quizzes, _ := s.GetQuizzes(oldID)
	if len(quizzes) != 0 {
		t.Errorf("expected quizzes removed with session, got %d", len(quizzes))
	}
	if _, err := s.GetPlacementSession(completedID); err != nil {
		t.Errorf("completed session should survive: %v", err)
	}
}
