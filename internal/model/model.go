package model

import (
	"encoding/json"
	"time"
)

// LadderLevel is an internal placement-quiz difficulty tier. It is distinct
// from the CEFR level a session ultimately resolves to.
type LadderLevel string

const (
	LevelPreIntermediate   LadderLevel = "pre_intermediate"
	LevelIntermediate      LadderLevel = "intermediate"
	LevelUpperIntermediate LadderLevel = "upper_intermediate"
	LevelAdvanced          LadderLevel = "advanced"
)

// Ladder lists the placement levels in ascending difficulty order.
var Ladder = []LadderLevel{
	LevelPreIntermediate,
	LevelIntermediate,
	LevelUpperIntermediate,
	LevelAdvanced,
}

// ValidLadderLevel reports whether l is one of the known placement levels.
func ValidLadderLevel(l LadderLevel) bool {
	for _, known := range Ladder {
		if l == known {
			return true
		}
	}
	return false
}

// CEFRLevel is a Common European Framework of Reference proficiency tier.
type CEFRLevel string

const (
	CEFRA1 CEFRLevel = "A1"
	CEFRA2 CEFRLevel = "A2"
	CEFRB1 CEFRLevel = "B1"
	CEFRB2 CEFRLevel = "B2"
	CEFRC1 CEFRLevel = "C1"
	CEFRC2 CEFRLevel = "C2"
)

// SessionStatus represents the lifecycle state of a placement session.
type SessionStatus string

const (
	StatusInProgress SessionStatus = "in_progress"
	StatusReady      SessionStatus = "ready"
	StatusCompleted  SessionStatus = "completed"
	StatusAnnulled   SessionStatus = "annulled"
)

// Terminal reports whether the status permits no further mutation.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAnnulled
}

// QuizCategory is one of the graded question categories of a leveled quiz.
type QuizCategory string

const (
	CategoryGrammar    QuizCategory = "grammar"
	CategoryVocabulary QuizCategory = "vocabulary"
	CategoryReading    QuizCategory = "reading"
)

// QuizCategories lists all leveled-quiz categories in presentation order.
var QuizCategories = []QuizCategory{CategoryGrammar, CategoryVocabulary, CategoryReading}

// ActionType tags the variant of a next-action decision.
type ActionType string

const (
	ActionSetLevel     ActionType = "set_level"
	ActionContinueTest ActionType = "continue_test"
	ActionAiTest       ActionType = "ai_test"
)

// OutcomeMap maps the pass/fail outcome of an AI-generated full test to the
// final CEFR level.
type OutcomeMap struct {
	Pass CEFRLevel `json:"pass"`
	Fail CEFRLevel `json:"fail"`
}

// Action is the closed set of next-action decisions the state machine can
// produce after a leveled quiz is scored. Exactly the fields of the tagged
// variant are populated:
//
//   - set_level: Level
//   - continue_test: NextLevel
//   - ai_test: AiLevel and Outcomes
type Action struct {
	Type      ActionType  `json:"action"`
	Level     CEFRLevel   `json:"level,omitempty"`
	NextLevel LadderLevel `json:"next_level,omitempty"`
	AiLevel   LadderLevel `json:"ai_level,omitempty"`
	Outcomes  *OutcomeMap `json:"outcomes,omitempty"`
}

// SetLevel builds a terminal action concluding the placement at level.
func SetLevel(level CEFRLevel) Action {
	return Action{Type: ActionSetLevel, Level: level}
}

// ContinueTest builds a non-terminal action requesting a quiz at next.
func ContinueTest(next LadderLevel) Action {
	return Action{Type: ActionContinueTest, NextLevel: next}
}

// AiTest builds a terminal-trigger action handing off to the generation
// coordinator for a full test at base.
func AiTest(base LadderLevel, outcomes OutcomeMap) Action {
	return Action{Type: ActionAiTest, AiLevel: base, Outcomes: &outcomes}
}

// PlacementSession is one run of the adaptive placement flow for one user.
type PlacementSession struct {
	ID              int64         `json:"id"`
	UserID          int64         `json:"user_id"`
	Status          SessionStatus `json:"status"`
	CurrentLevel    LadderLevel   `json:"current_level"`
	ScorePercentage *float64      `json:"score_percentage,omitempty"`
	NextAction      *Action       `json:"next_action,omitempty"`
	DeterminedLevel *CEFRLevel    `json:"determined_level,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// LeveledQuiz is one graded question bound to a placement session at a
// specific level. The question payload is stored serialized; its shape
// depends on the category (see QuestionSpec and ReadingQuizPayload).
type LeveledQuiz struct {
	ID           int64        `json:"id"`
	SessionID    int64        `json:"session_id"`
	Category     QuizCategory `json:"category"`
	QuestionData string       `json:"-"`
	UserAnswer   *string      `json:"user_answer,omitempty"`
	IsCorrect    *bool        `json:"is_correct,omitempty"`
	OrderNumber  int          `json:"order_number"`
	AnsweredAt   *time.Time   `json:"answered_at,omitempty"`
}

// QuestionSpec is a single multiple-choice question as delivered by the
// quiz content source.
type QuestionSpec struct {
	Question      string            `json:"question"`
	Options       map[string]string `json:"options"`
	CorrectAnswer string            `json:"correct_answer"`
}

// ReadingPassage is a reading text with its attached questions, as stored
// by the content source.
type ReadingPassage struct {
	Text      string         `json:"text"`
	Questions []QuestionSpec `json:"questions"`
}

// ReadingQuizPayload is the per-question payload persisted for reading
// quizzes: the passage text is repeated on every question record.
type ReadingQuizPayload struct {
	Text     string       `json:"text"`
	Question QuestionSpec `json:"question"`
}

// TestStatus represents the lifecycle state of an AI-generated full test.
type TestStatus string

const (
	TestGenerating TestStatus = "generating"
	TestReady      TestStatus = "ready"
	TestCompleted  TestStatus = "completed"
	TestError      TestStatus = "error"
)

// TestSession is one AI-generated full test, created when the state machine
// escalates a placement session to an ai_test action.
type TestSession struct {
	ID                 string      `json:"id"`
	PlacementSessionID int64       `json:"placement_session_id"`
	UserID             int64       `json:"user_id"`
	Level              LadderLevel `json:"level"`
	Status             TestStatus  `json:"status"`
	FinalScore         *float64    `json:"final_score,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	CompletedAt        *time.Time  `json:"completed_at,omitempty"`
}

// SectionKind is one of the four skill areas of a full test.
type SectionKind string

const (
	SectionReading   SectionKind = "reading"
	SectionListening SectionKind = "listening"
	SectionWriting   SectionKind = "writing"
	SectionSpeaking  SectionKind = "speaking"
)

// SectionKinds lists the four sections in generation order.
var SectionKinds = []SectionKind{SectionReading, SectionListening, SectionWriting, SectionSpeaking}

// ValidSectionKind reports whether kind names one of the four sections.
func ValidSectionKind(kind SectionKind) bool {
	for _, k := range SectionKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// SectionResult is a soft-failure wrapper: a section payload is either JSON
// content or an error marker, never both. Failures captured here do not
// abort sibling sections.
type SectionResult struct {
	Data json.RawMessage `json:"data,omitempty"`
	Err  string          `json:"error,omitempty"`
}

// Failed reports whether the section carries an error marker.
func (r SectionResult) Failed() bool { return r.Err != "" }

// SectionFailure builds an error-marker result.
func SectionFailure(reason string) SectionResult {
	return SectionResult{Err: reason}
}

// GeneratedTest holds one payload per section of a full test. The same
// shape carries both raw provider output and the processed, persisted
// projection returned to callers.
type GeneratedTest struct {
	Reading   SectionResult `json:"reading"`
	Listening SectionResult `json:"listening"`
	Writing   SectionResult `json:"writing"`
	Speaking  SectionResult `json:"speaking"`
}

// Section returns the payload for kind.
func (t GeneratedTest) Section(kind SectionKind) SectionResult {
	switch kind {
	case SectionReading:
		return t.Reading
	case SectionListening:
		return t.Listening
	case SectionWriting:
		return t.Writing
	case SectionSpeaking:
		return t.Speaking
	}
	return SectionResult{}
}

// SetSection stores the payload for kind.
func (t *GeneratedTest) SetSection(kind SectionKind, r SectionResult) {
	switch kind {
	case SectionReading:
		t.Reading = r
	case SectionListening:
		t.Listening = r
	case SectionWriting:
		t.Writing = r
	case SectionSpeaking:
		t.Speaking = r
	}
}

// Clean reports whether no section carries an error marker. Only clean
// results may be cached.
func (t GeneratedTest) Clean() bool {
	for _, kind := range SectionKinds {
		if t.Section(kind).Failed() {
			return false
		}
	}
	return true
}

// GeneratedQuestion is one persisted question record of an AI-generated
// test section. Options and CorrectAnswer are null for the open-ended
// writing and speaking sections.
type GeneratedQuestion struct {
	ID            int64       `json:"id"`
	TestSessionID string      `json:"test_session_id"`
	Kind          SectionKind `json:"kind"`
	Content       string      `json:"content"`
	Options       *string     `json:"options,omitempty"`
	CorrectAnswer *string     `json:"correct_answer,omitempty"`
	UserAnswer    *string     `json:"user_answer,omitempty"`
	Score         *float64    `json:"score,omitempty"`
	Feedback      *string     `json:"feedback,omitempty"`
}

// GenerationState is the caller-facing status of a generation request.
type GenerationState string

const (
	GenerationNotStarted GenerationState = "not_started"
	GenerationInProgress GenerationState = "generating"
	GenerationReady      GenerationState = "ready"
	GenerationFailed     GenerationState = "error"
)

// GenerationResult is the caller-facing outcome of a generation request or
// status query. Test is populated only in the ready state; JobID and
// Estimate only when work continues in the background.
type GenerationResult struct {
	State     GenerationState `json:"status"`
	SessionID string          `json:"session_id"`
	Test      *GeneratedTest  `json:"test,omitempty"`
	JobID     string          `json:"job_id,omitempty"`
	Estimate  string          `json:"estimated_time,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// CategoryStat is the per-category breakdown of a quiz score.
type CategoryStat struct {
	Correct    int     `json:"correct"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// ScoreSummary is the tallied result of a leveled quiz.
type ScoreSummary struct {
	TotalQuestions  int                           `json:"total_questions"`
	CorrectAnswers  int                           `json:"correct_answers"`
	ScorePercentage float64                       `json:"score_percentage"`
	Passed          bool                          `json:"passed"`
	Categories      map[QuizCategory]CategoryStat `json:"category_stats"`
}
