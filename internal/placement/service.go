package placement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/engplace/placement/internal/model"
	"github.com/engplace/placement/internal/questions"
	"github.com/engplace/placement/internal/store"
)

// Service drives a placement session through its lifecycle: quiz
// generation, answer submission, idempotent completion and AI test outcome
// resolution. A session is only ever mutated through this type.
type Service struct {
	store  *store.Store
	loader *questions.Loader
	perCat int
}

// NewService creates a placement Service.
func NewService(st *store.Store, loader *questions.Loader) *Service {
	return &Service{store: st, loader: loader, perCat: questions.DefaultPerCategory}
}

// Start returns the user's active placement session, creating one at the
// bottom of the ladder if none exists.
func (s *Service) Start(ctx context.Context, userID int64) (model.PlacementSession, error) {
	sess, err := s.store.GetActivePlacementSession(userID)
	if err == nil {
		return sess, nil
	}
	if err != model.ErrSessionNotFound {
		return model.PlacementSession{}, fmt.Errorf("look up active session: %w", err)
	}

	id, err := s.store.CreatePlacementSession(userID)
	if err != nil {
		return model.PlacementSession{}, fmt.Errorf("create session: %w", err)
	}
	slog.Info("placement session started", "session_id", id, "user_id", userID)
	return s.store.GetPlacementSession(id)
}

// QuizPlan summarizes a freshly generated leveled quiz.
type QuizPlan struct {
	SessionID       int64             `json:"session_id"`
	Level           model.LadderLevel `json:"level"`
	TotalQuestions  int               `json:"total_questions"`
	GrammarCount    int               `json:"grammar_count"`
	VocabularyCount int               `json:"vocabulary_count"`
	ReadingCount    int               `json:"reading_count"`
}

// GenerateLevelQuiz builds the leveled quiz for a session: up to ten
// grammar and ten vocabulary questions plus up to ten reading questions
// flattened from the level's passages. Any quizzes from a previous level
// are replaced wholesale and order numbers are assigned densely from one.
func (s *Service) GenerateLevelQuiz(ctx context.Context, sessionID int64, level model.LadderLevel) (QuizPlan, error) {
	if !model.ValidLadderLevel(level) {
		return QuizPlan{}, model.ErrUnknownLevel
	}
	sess, err := s.store.GetPlacementSession(sessionID)
	if err != nil {
		return QuizPlan{}, err
	}
	if sess.Status.Terminal() {
		return QuizPlan{}, model.ErrSessionCompleted
	}

	grammar, err := s.loader.Load(level, model.CategoryGrammar)
	if err != nil {
		return QuizPlan{}, fmt.Errorf("load grammar questions: %w", err)
	}
	vocabulary, err := s.loader.Load(level, model.CategoryVocabulary)
	if err != nil {
		return QuizPlan{}, fmt.Errorf("load vocabulary questions: %w", err)
	}
	passages, err := s.loader.LoadPassages(level)
	if err != nil {
		return QuizPlan{}, fmt.Errorf("load reading passages: %w", err)
	}

	grammar = questions.FirstN(grammar, s.perCat)
	vocabulary = questions.FirstN(vocabulary, s.perCat)

	var quizzes []model.LeveledQuiz
	appendSpec := func(category model.QuizCategory, payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s question: %w", category, err)
		}
		quizzes = append(quizzes, model.LeveledQuiz{
			SessionID:    sessionID,
			Category:     category,
			QuestionData: string(data),
			OrderNumber:  len(quizzes) + 1,
		})
		return nil
	}

	for _, q := range grammar {
		if err := appendSpec(model.CategoryGrammar, q); err != nil {
			return QuizPlan{}, err
		}
	}
	for _, q := range vocabulary {
		if err := appendSpec(model.CategoryVocabulary, q); err != nil {
			return QuizPlan{}, err
		}
	}
	readingCount := 0
	for _, passage := range passages {
		for _, q := range passage.Questions {
			if readingCount >= s.perCat {
				break
			}
			payload := model.ReadingQuizPayload{Text: passage.Text, Question: q}
			if err := appendSpec(model.CategoryReading, payload); err != nil {
				return QuizPlan{}, err
			}
			readingCount++
		}
		if readingCount >= s.perCat {
			break
		}
	}

	if err := s.store.ReplaceQuizzes(sessionID, quizzes); err != nil {
		return QuizPlan{}, fmt.Errorf("replace quizzes: %w", err)
	}
	if err := s.store.SetSessionReady(sessionID, level); err != nil {
		return QuizPlan{}, fmt.Errorf("update session: %w", err)
	}

	slog.Info("leveled quiz generated",
		"session_id", sessionID,
		"level", level,
		"total", len(quizzes),
		"grammar", len(grammar),
		"vocabulary", len(vocabulary),
		"reading", readingCount,
	)
	return QuizPlan{
		SessionID:       sessionID,
		Level:           level,
		TotalQuestions:  len(quizzes),
		GrammarCount:    len(grammar),
		VocabularyCount: len(vocabulary),
		ReadingCount:    readingCount,
	}, nil
}

// QuizView is one quiz question as presented to the client. The correct
// answer stays server-side.
type QuizView struct {
	ID          int64           `json:"id"`
	OrderNumber int             `json:"order_number"`
	Data        json.RawMessage `json:"data"`
}

// Questions returns a session's quiz questions grouped by category.
func (s *Service) Questions(ctx context.Context, sessionID int64) (map[model.QuizCategory][]QuizView, error) {
	if _, err := s.store.GetPlacementSession(sessionID); err != nil {
		return nil, err
	}
	quizzes, err := s.store.GetQuizzes(sessionID)
	if err != nil {
		return nil, fmt.Errorf("load quizzes: %w", err)
	}

	grouped := make(map[model.QuizCategory][]QuizView)
	for _, category := range model.QuizCategories {
		grouped[category] = []QuizView{}
	}
	for _, q := range quizzes {
		data, err := clientPayload(q)
		if err != nil {
			return nil, err
		}
		grouped[q.Category] = append(grouped[q.Category], QuizView{
			ID:          q.ID,
			OrderNumber: q.OrderNumber,
			Data:        data,
		})
	}
	return grouped, nil
}

// clientPayload re-encodes a stored question payload without the correct
// answer.
func clientPayload(quiz model.LeveledQuiz) (json.RawMessage, error) {
	strip := func(spec model.QuestionSpec) map[string]any {
		return map[string]any{"question": spec.Question, "options": spec.Options}
	}
	switch quiz.Category {
	case model.CategoryGrammar, model.CategoryVocabulary:
		var spec model.QuestionSpec
		if err := json.Unmarshal([]byte(quiz.QuestionData), &spec); err != nil {
			return nil, fmt.Errorf("decode question payload: %w", err)
		}
		return json.Marshal(strip(spec))
	case model.CategoryReading:
		var payload model.ReadingQuizPayload
		if err := json.Unmarshal([]byte(quiz.QuestionData), &payload); err != nil {
			return nil, fmt.Errorf("decode reading payload: %w", err)
		}
		return json.Marshal(map[string]any{"text": payload.Text, "question": strip(payload.Question)})
	}
	return nil, fmt.Errorf("unknown quiz category %q", quiz.Category)
}

// AnswerResult reports the grading of one submitted answer.
type AnswerResult struct {
	IsCorrect     bool   `json:"is_correct"`
	CorrectAnswer string `json:"correct_answer"`
	WasUpdated    bool   `json:"was_updated"`
}

// SubmitAnswer grades an answer against the stored question payload and
// records it. Re-answering an already-answered question overwrites the
// previous answer while the session is open; terminal sessions reject the
// submission so recorded results cannot shift after completion.
func (s *Service) SubmitAnswer(ctx context.Context, questionID int64, answer string) (AnswerResult, error) {
	quiz, err := s.store.GetQuiz(questionID)
	if err != nil {
		return AnswerResult{}, err
	}
	sess, err := s.store.GetPlacementSession(quiz.SessionID)
	if err != nil {
		return AnswerResult{}, err
	}
	if sess.Status.Terminal() {
		return AnswerResult{}, model.ErrSessionCompleted
	}

	correct, err := correctAnswer(quiz)
	if err != nil {
		return AnswerResult{}, err
	}

	wasAnswered := quiz.UserAnswer != nil
	if wasAnswered {
		slog.Debug("quiz answer updated", "question_id", questionID, "previous", *quiz.UserAnswer)
	}

	isCorrect := answer == correct
	if err := s.store.UpdateQuizAnswer(questionID, answer, isCorrect); err != nil {
		return AnswerResult{}, fmt.Errorf("record answer: %w", err)
	}
	return AnswerResult{
		IsCorrect:     isCorrect,
		CorrectAnswer: correct,
		WasUpdated:    wasAnswered,
	}, nil
}

// correctAnswer extracts the correct answer from the category-specific
// question payload.
func correctAnswer(quiz model.LeveledQuiz) (string, error) {
	switch quiz.Category {
	case model.CategoryGrammar, model.CategoryVocabulary:
		var spec model.QuestionSpec
		if err := json.Unmarshal([]byte(quiz.QuestionData), &spec); err != nil {
			return "", fmt.Errorf("decode question payload: %w", err)
		}
		return spec.CorrectAnswer, nil
	case model.CategoryReading:
		var payload model.ReadingQuizPayload
		if err := json.Unmarshal([]byte(quiz.QuestionData), &payload); err != nil {
			return "", fmt.Errorf("decode reading payload: %w", err)
		}
		return payload.Question.CorrectAnswer, nil
	}
	return "", fmt.Errorf("unknown quiz category %q", quiz.Category)
}

// CompletionResult is the outcome of completing a placement session.
type CompletionResult struct {
	model.ScoreSummary
	CurrentLevel model.LadderLevel `json:"current_level"`
	Action       model.Action      `json:"next_action"`
}

// Complete scores the session's quiz and runs the state machine.
//
// A continue_test outcome is non-terminal: the score and action are
// recorded but the session stays open so the next level's quiz can be
// generated for it. Terminal outcomes (set_level, ai_test) close the
// session, and completing it again returns the previously recorded score
// and action without recomputation or writes, so re-submission cannot
// alter results or spawn another AI test.
func (s *Service) Complete(ctx context.Context, sessionID int64) (CompletionResult, error) {
	sess, err := s.store.GetPlacementSession(sessionID)
	if err != nil {
		return CompletionResult{}, err
	}

	if sess.Status == model.StatusCompleted {
		slog.Info("session already completed, returning recorded result", "session_id", sessionID)
		return recordedResult(sess)
	}
	if sess.Status == model.StatusAnnulled {
		return CompletionResult{}, model.ErrSessionCompleted
	}

	quizzes, err := s.store.GetQuizzes(sessionID)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("load quizzes: %w", err)
	}
	summary := Score(quizzes)

	action, err := NextAction(sess.CurrentLevel, summary.Passed)
	if err != nil {
		return CompletionResult{}, err
	}

	if action.Type == model.ActionContinueTest {
		if err := s.store.RecordQuizResult(sessionID, summary.ScorePercentage, action); err != nil {
			return CompletionResult{}, fmt.Errorf("record quiz result: %w", err)
		}
		slog.Info("placement continues at next level",
			"session_id", sessionID,
			"level", sess.CurrentLevel,
			"score", summary.ScorePercentage,
			"next_level", action.NextLevel,
		)
		return CompletionResult{
			ScoreSummary: summary,
			CurrentLevel: sess.CurrentLevel,
			Action:       action,
		}, nil
	}

	var determined *model.CEFRLevel
	if action.Type == model.ActionSetLevel {
		determined = &action.Level
	}
	if err := s.store.CompletePlacementSession(sessionID, summary.ScorePercentage, action, determined); err != nil {
		return CompletionResult{}, fmt.Errorf("complete session: %w", err)
	}

	slog.Info("placement session completed",
		"session_id", sessionID,
		"level", sess.CurrentLevel,
		"score", summary.ScorePercentage,
		"passed", summary.Passed,
		"action", action.Type,
	)
	return CompletionResult{
		ScoreSummary: summary,
		CurrentLevel: sess.CurrentLevel,
		Action:       action,
	}, nil
}

// recordedResult rebuilds the completion response from the fields persisted
// by the first completion.
func recordedResult(sess model.PlacementSession) (CompletionResult, error) {
	if sess.NextAction == nil {
		return CompletionResult{}, fmt.Errorf("completed session %d has no recorded action", sess.ID)
	}
	score := 0.0
	if sess.ScorePercentage != nil {
		score = *sess.ScorePercentage
	}
	return CompletionResult{
		ScoreSummary: model.ScoreSummary{
			ScorePercentage: score,
			Passed:          score >= PassThreshold,
		},
		CurrentLevel: sess.CurrentLevel,
		Action:       *sess.NextAction,
	}, nil
}

// ResolveAITest applies an AI test's final score to the placement session
// that escalated to it, fixing the determined CEFR level through the
// recorded outcome map.
func (s *Service) ResolveAITest(ctx context.Context, sessionID int64, finalScore float64) (model.CEFRLevel, error) {
	sess, err := s.store.GetPlacementSession(sessionID)
	if err != nil {
		return "", err
	}
	if sess.Status != model.StatusCompleted || sess.NextAction == nil ||
		sess.NextAction.Type != model.ActionAiTest || sess.NextAction.Outcomes == nil {
		return "", model.ErrNoAiTest
	}

	level := Resolve(*sess.NextAction.Outcomes, finalScore)
	if err := s.store.SetDeterminedLevel(sessionID, level); err != nil {
		return "", fmt.Errorf("record determined level: %w", err)
	}
	slog.Info("ai test resolved", "session_id", sessionID, "score", finalScore, "determined_level", level)
	return level, nil
}

// Annul terminates a session, recording the floor level. Used when
// proctoring violations invalidate the attempt.
func (s *Service) Annul(ctx context.Context, sessionID int64) error {
	sess, err := s.store.GetPlacementSession(sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return model.ErrSessionCompleted
	}
	if err := s.store.AnnulPlacementSession(sessionID, model.CEFRA1); err != nil {
		return fmt.Errorf("annul session: %w", err)
	}
	slog.Warn("placement session annulled", "session_id", sessionID)
	return nil
}
