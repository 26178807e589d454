package model

import "errors"

// Input errors: rejected immediately, never retried.
var (
	// ErrUnknownLevel is returned for a level outside the placement ladder.
	ErrUnknownLevel = errors.New("unknown placement level")
	// ErrSessionNotFound is returned when a placement session does not exist.
	ErrSessionNotFound = errors.New("placement session not found")
	// ErrTestSessionNotFound is returned when an AI test session does not exist.
	ErrTestSessionNotFound = errors.New("test session not found")
	// ErrQuestionNotFound is returned when a quiz question does not exist.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrSessionCompleted is returned when a mutation targets a terminal session.
	ErrSessionCompleted = errors.New("session already completed")
	// ErrNoAiTest is returned when an AI test outcome is submitted for a
	// session whose recorded action is not ai_test.
	ErrNoAiTest = errors.New("session has no pending ai test")
)
