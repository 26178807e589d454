package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/engplace/placement/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS placement_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'in_progress',
		current_level TEXT NOT NULL DEFAULT 'pre_intermediate',
		score_percentage REAL,
		next_action TEXT,
		determined_level TEXT,
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS leveled_quizzes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		category TEXT NOT NULL,
		question_data TEXT NOT NULL,
		user_answer TEXT,
		is_correct INTEGER,
		order_number INTEGER NOT NULL,
		answered_at DATETIME,
		FOREIGN KEY (session_id) REFERENCES placement_sessions(id)
	);

	CREATE TABLE IF NOT EXISTS test_sessions (
		id TEXT PRIMARY KEY,
		placement_session_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		level TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'generating',
		final_score REAL,
		created_at DATETIME NOT NULL,
		completed_at DATETIME,
		FOREIGN KEY (placement_session_id) REFERENCES placement_sessions(id)
	);

	CREATE TABLE IF NOT EXISTS generated_questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		test_session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		options TEXT,
		correct_answer TEXT,
		user_answer TEXT,
		score REAL,
		feedback TEXT,
		FOREIGN KEY (test_session_id) REFERENCES test_sessions(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreatePlacementSession starts a new placement run for a user at the
// bottom of the ladder.
func (s *Store) CreatePlacementSession(userID int64) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO placement_sessions (user_id, status, current_level, created_at) VALUES (?, ?, ?, ?)`,
		userID, model.StatusInProgress, model.LevelPreIntermediate, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanPlacementSession(row *sql.Row) (model.PlacementSession, error) {
	var sess model.PlacementSession
	var actionJSON sql.NullString
	var determined sql.NullString
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Status, &sess.CurrentLevel,
		&sess.ScorePercentage, &actionJSON, &determined, &sess.CreatedAt, &sess.CompletedAt)
	if err == sql.ErrNoRows {
		return sess, model.ErrSessionNotFound
	}
	if err != nil {
		return sess, err
	}
	if actionJSON.Valid {
		var action model.Action
		if err := json.Unmarshal([]byte(actionJSON.String), &action); err != nil {
			return sess, fmt.Errorf("decode next_action: %w", err)
		}
		sess.NextAction = &action
	}
	if determined.Valid {
		level := model.CEFRLevel(determined.String)
		sess.DeterminedLevel = &level
	}
	return sess, nil
}

// GetPlacementSession returns a session by ID, or ErrSessionNotFound.
func (s *Store) GetPlacementSession(id int64) (model.PlacementSession, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, status, current_level, score_percentage, next_action, determined_level, created_at, completed_at
		 FROM placement_sessions WHERE id = ?`, id,
	)
	return scanPlacementSession(row)
}

// GetActivePlacementSession returns the user's non-terminal session, if one
// exists. Each user has at most one active attempt.
func (s *Store) GetActivePlacementSession(userID int64) (model.PlacementSession, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, status, current_level, score_percentage, next_action, determined_level, created_at, completed_at
		 FROM placement_sessions WHERE user_id = ? AND status IN (?, ?) ORDER BY id DESC LIMIT 1`,
		userID, model.StatusInProgress, model.StatusReady,
	)
	return scanPlacementSession(row)
}

// SetSessionReady records that a leveled quiz has been generated: the
// session moves to the given level with status ready.
func (s *Store) SetSessionReady(id int64, level model.LadderLevel) error {
	_, err := s.db.Exec(
		`UPDATE placement_sessions SET status = ?, current_level = ? WHERE id = ?`,
		model.StatusReady, level, id,
	)
	return err
}

// RecordQuizResult persists a non-terminal quiz outcome: the latest score
// and action are recorded and the session drops back to in_progress so the
// next level's quiz can be generated for it.
func (s *Store) RecordQuizResult(id int64, score float64, action model.Action) error {
	actionJSON, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encode next_action: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE placement_sessions SET status = ?, score_percentage = ?, next_action = ? WHERE id = ?`,
		model.StatusInProgress, score, string(actionJSON), id,
	)
	return err
}

// CompletePlacementSession records the terminal outcome of a session in one
// write: status, score, next action and (when already decided) the
// determined level.
func (s *Store) CompletePlacementSession(id int64, score float64, action model.Action, determined *model.CEFRLevel) error {
	actionJSON, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encode next_action: %w", err)
	}
	var level any
	if determined != nil {
		level = string(*determined)
	}
	_, err = s.db.Exec(
		`UPDATE placement_sessions
		 SET status = ?, score_percentage = ?, next_action = ?, determined_level = ?, completed_at = ?
		 WHERE id = ?`,
		model.StatusCompleted, score, string(actionJSON), level, time.Now(), id,
	)
	return err
}

// SetDeterminedLevel records the final CEFR level resolved from an AI test
// outcome.
func (s *Store) SetDeterminedLevel(id int64, level model.CEFRLevel) error {
	_, err := s.db.Exec(
		`UPDATE placement_sessions SET determined_level = ? WHERE id = ?`, level, id,
	)
	return err
}

// AnnulPlacementSession terminates a session without a computed score.
func (s *Store) AnnulPlacementSession(id int64, determined model.CEFRLevel) error {
	_, err := s.db.Exec(
		`UPDATE placement_sessions SET status = ?, determined_level = ?, completed_at = ? WHERE id = ?`,
		model.StatusAnnulled, determined, time.Now(), id,
	)
	return err
}

// ReplaceQuizzes deletes a session's existing quizzes and inserts the new
// set in one transaction. Quizzes are replaced wholesale each time a level
// is generated.
func (s *Store) ReplaceQuizzes(sessionID int64, quizzes []model.LeveledQuiz) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM leveled_quizzes WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	for _, q := range quizzes {
		_, err := tx.Exec(
			`INSERT INTO leveled_quizzes (session_id, category, question_data, order_number) VALUES (?, ?, ?, ?)`,
			sessionID, q.Category, q.QuestionData, q.OrderNumber,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetQuizzes returns all quizzes for a session in order.
func (s *Store) GetQuizzes(sessionID int64) ([]model.LeveledQuiz, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, category, question_data, user_answer, is_correct, order_number, answered_at
		 FROM leveled_quizzes WHERE session_id = ? ORDER BY order_number`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var quizzes []model.LeveledQuiz
	for rows.Next() {
		var q model.LeveledQuiz
		if err := rows.Scan(&q.ID, &q.SessionID, &q.Category, &q.QuestionData,
			&q.UserAnswer, &q.IsCorrect, &q.OrderNumber, &q.AnsweredAt); err != nil {
			return nil, err
		}
		quizzes = append(quizzes, q)
	}
	return quizzes, rows.Err()
}

// GetQuiz returns a quiz question by ID, or ErrQuestionNotFound.
func (s *Store) GetQuiz(id int64) (model.LeveledQuiz, error) {
	var q model.LeveledQuiz
	err := s.db.QueryRow(
		`SELECT id, session_id, category, question_data, user_answer, is_correct, order_number, answered_at
		 FROM leveled_quizzes WHERE id = ?`, id,
	).Scan(&q.ID, &q.SessionID, &q.Category, &q.QuestionData,
		&q.UserAnswer, &q.IsCorrect, &q.OrderNumber, &q.AnsweredAt)
	if err == sql.ErrNoRows {
		return q, model.ErrQuestionNotFound
	}
	return q, err
}

// UpdateQuizAnswer records an answer and its correctness. Re-answering
// overwrites the previous values.
func (s *Store) UpdateQuizAnswer(id int64, answer string, correct bool) error {
	_, err := s.db.Exec(
		`UPDATE leveled_quizzes SET user_answer = ?, is_correct = ?, answered_at = ? WHERE id = ?`,
		answer, correct, time.Now(), id,
	)
	return err
}

// CreateTestSession creates an AI test session in generating status.
func (s *Store) CreateTestSession(ts model.TestSession) error {
	_, err := s.db.Exec(
		`INSERT INTO test_sessions (id, placement_session_id, user_id, level, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ts.ID, ts.PlacementSessionID, ts.UserID, ts.Level, model.TestGenerating, time.Now(),
	)
	return err
}

// GetTestSession returns an AI test session by ID, or ErrTestSessionNotFound.
func (s *Store) GetTestSession(id string) (model.TestSession, error) {
	var ts model.TestSession
	err := s.db.QueryRow(
		`SELECT id, placement_session_id, user_id, level, status, final_score, created_at, completed_at
		 FROM test_sessions WHERE id = ?`, id,
	).Scan(&ts.ID, &ts.PlacementSessionID, &ts.UserID, &ts.Level, &ts.Status,
		&ts.FinalScore, &ts.CreatedAt, &ts.CompletedAt)
	if err == sql.ErrNoRows {
		return ts, model.ErrTestSessionNotFound
	}
	return ts, err
}

// GetTestSessionForPlacement returns the AI test session spawned by a
// placement session, or ErrTestSessionNotFound.
func (s *Store) GetTestSessionForPlacement(placementID int64) (model.TestSession, error) {
	var ts model.TestSession
	err := s.db.QueryRow(
		`SELECT id, placement_session_id, user_id, level, status, final_score, created_at, completed_at
		 FROM test_sessions WHERE placement_session_id = ? ORDER BY created_at DESC LIMIT 1`, placementID,
	).Scan(&ts.ID, &ts.PlacementSessionID, &ts.UserID, &ts.Level, &ts.Status,
		&ts.FinalScore, &ts.CreatedAt, &ts.CompletedAt)
	if err == sql.ErrNoRows {
		return ts, model.ErrTestSessionNotFound
	}
	return ts, err
}

// UpdateTestSessionStatus updates an AI test session's status.
func (s *Store) UpdateTestSessionStatus(id string, status model.TestStatus) error {
	_, err := s.db.Exec(`UPDATE test_sessions SET status = ? WHERE id = ?`, status, id)
	return err
}

// CompleteTestSession records the final score of an AI test session.
func (s *Store) CompleteTestSession(id string, finalScore float64) error {
	_, err := s.db.Exec(
		`UPDATE test_sessions SET status = ?, final_score = ?, completed_at = ? WHERE id = ?`,
		model.TestCompleted, finalScore, time.Now(), id,
	)
	return err
}

// BulkInsertGeneratedQuestions inserts the question records of one section
// in a transaction and returns them with their assigned IDs.
func (s *Store) BulkInsertGeneratedQuestions(qs []model.GeneratedQuestion) ([]model.GeneratedQuestion, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	out := make([]model.GeneratedQuestion, 0, len(qs))
	for _, q := range qs {
		res, err := tx.Exec(
			`INSERT INTO generated_questions (test_session_id, kind, content, options, correct_answer) VALUES (?, ?, ?, ?, ?)`,
			q.TestSessionID, q.Kind, q.Content, q.Options, q.CorrectAnswer,
		)
		if err != nil {
			return nil, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		q.ID = id
		out = append(out, q)
	}
	return out, tx.Commit()
}

// GetGeneratedQuestions returns the persisted questions of one section.
func (s *Store) GetGeneratedQuestions(testSessionID string, kind model.SectionKind) ([]model.GeneratedQuestion, error) {
	rows, err := s.db.Query(
		`SELECT id, test_session_id, kind, content, options, correct_answer, user_answer, score, feedback
		 FROM generated_questions WHERE test_session_id = ? AND kind = ? ORDER BY id`, testSessionID, kind,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var qs []model.GeneratedQuestion
	for rows.Next() {
		var q model.GeneratedQuestion
		if err := rows.Scan(&q.ID, &q.TestSessionID, &q.Kind, &q.Content,
			&q.Options, &q.CorrectAnswer, &q.UserAnswer, &q.Score, &q.Feedback); err != nil {
			return nil, err
		}
		qs = append(qs, q)
	}
	return qs, rows.Err()
}

// DeleteStaleSessions removes in-progress placement sessions (and their
// quizzes) started before cutoff. It returns the IDs of the removed
// sessions so callers can purge related cache entries.
func (s *Store) DeleteStaleSessions(cutoff time.Time) ([]int64, error) {
	rows, err := s.db.Query(
		`SELECT id FROM placement_sessions WHERE status IN (?, ?) AND created_at < ?`,
		model.StatusInProgress, model.StatusReady, cutoff,
	)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM leveled_quizzes WHERE session_id = ?`, id); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`DELETE FROM placement_sessions WHERE id = ?`, id); err != nil {
			return nil, err
		}
	}
	return ids, tx.Commit()
}

// DeleteStaleTestSessions removes AI test sessions (and their questions)
// stuck in generating or error status since before cutoff. It returns the
// IDs of the removed sessions so callers can purge related cache entries.
func (s *Store) DeleteStaleTestSessions(cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT id FROM test_sessions WHERE status IN (?, ?) AND created_at < ?`,
		model.TestGenerating, model.TestError, cutoff,
	)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM generated_questions WHERE test_session_id = ?`, id); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`DELETE FROM test_sessions WHERE id = ?`, id); err != nil {
			return nil, err
		}
	}
	return ids, tx.Commit()
}
