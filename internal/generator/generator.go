// Package generator coordinates full-test generation: whole-test caching,
// an advisory in-flight lock per test session, a bounded wait on the
// provider with fallback to a background job, and per-section persistence
// of whatever the provider managed to produce.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/engplace/placement/internal/cache"
	"github.com/engplace/placement/internal/model"
	"github.com/engplace/placement/internal/store"
)

const (
	// DefaultDeadline bounds the synchronous wait on the provider before
	// the request falls back to a background job.
	DefaultDeadline = 120 * time.Second

	// DefaultLockTTL bounds the advisory in-flight lock. It must outlast
	// the deadline, otherwise the lock can expire mid-generation and admit
	// a duplicate attempt.
	DefaultLockTTL = 5 * time.Minute

	// DefaultResultTTL bounds the whole-test cache entry.
	DefaultResultTTL = 30 * time.Minute

	// backgroundEstimate is the completion window reported to callers on
	// the deadline-fallback path.
	backgroundEstimate = "2-5 minutes"
)

// Provider produces the raw four-section test payloads.
type Provider interface {
	GenerateFullTest(ctx context.Context, level model.LadderLevel) model.GeneratedTest
}

// Speech renders text to an audio file and returns its path. A Speech
// failure degrades the affected question to a null audio reference; it
// never fails the section.
type Speech interface {
	Synthesize(ctx context.Context, text, name string) (string, error)
}

// Enqueuer submits work to the background job queue.
type Enqueuer interface {
	Enqueue(name string, fn func(context.Context) error) (string, error)
}

// Config carries the coordinator's timing knobs. Zero values fall back to
// the defaults above.
type Config struct {
	Deadline  time.Duration
	LockTTL   time.Duration
	ResultTTL time.Duration
}

// Coordinator implements the generation contract for (test session, level)
// pairs.
type Coordinator struct {
	store     *store.Store
	cache     cache.Store
	lock      *cache.Lock
	provider  Provider
	speech    Speech
	queue     Enqueuer
	deadline  time.Duration
	resultTTL time.Duration
}

// New creates a Coordinator. speech may be nil, in which case listening and
// speaking questions carry no audio. New fails when the lock TTL does not
// exceed the deadline: that configuration admits duplicate generations.
func New(st *store.Store, cs cache.Store, p Provider, sp Speech, q Enqueuer, cfg Config) (*Coordinator, error) {
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = DefaultResultTTL
	}
	if cfg.LockTTL <= cfg.Deadline {
		return nil, fmt.Errorf("lock TTL %v must exceed generation deadline %v", cfg.LockTTL, cfg.Deadline)
	}
	return &Coordinator{
		store:     st,
		cache:     cs,
		lock:      cache.NewLock(cs, cfg.LockTTL),
		provider:  p,
		speech:    sp,
		queue:     q,
		deadline:  cfg.Deadline,
		resultTTL: cfg.ResultTTL,
	}, nil
}

// ResultKey is the whole-test cache key for a (test session, level) pair.
func ResultKey(sessionID string, level model.LadderLevel) string {
	return fmt.Sprintf("generated_test:%s:%s", sessionID, level)
}

// ResultKeyPrefix matches every whole-test cache entry of a test session.
func ResultKeyPrefix(sessionID string) string {
	return "generated_test:" + sessionID + ":"
}

// LockKey is the advisory in-flight lock key for a test session.
func LockKey(sessionID string) string {
	return "generating:" + sessionID
}

// ErrorKey is the cache key holding the cause of a failed generation, kept
// so status queries can tell the caller what went wrong.
func ErrorKey(sessionID string) string {
	return "generation_error:" + sessionID
}

// GenerateFullTest produces the full test for a session at the given level.
// It returns Ready with the test when a cached or freshly generated result
// is available within the deadline, and Generating when another attempt is
// already in flight or the work has been handed to a background job. Hard
// failures (storage, queue) are returned as errors after the session is
// marked errored.
func (c *Coordinator) GenerateFullTest(ctx context.Context, sessionID string, level model.LadderLevel) (model.GenerationResult, error) {
	key := ResultKey(sessionID, level)
	if test, ok := c.cachedResult(key); ok {
		slog.Debug("returning cached test", "session", sessionID, "level", level)
		return model.GenerationResult{State: model.GenerationReady, SessionID: sessionID, Test: test}, nil
	}

	lk := LockKey(sessionID)
	if !c.lock.Acquire(lk) {
		slog.Debug("generation already in flight", "session", sessionID)
		return model.GenerationResult{
			State:     model.GenerationInProgress,
			SessionID: sessionID,
			Message:   "Test generation in progress",
		}, nil
	}
	defer c.lock.Release(lk)

	slog.Info("starting test generation", "session", sessionID, "level", level, "deadline", c.deadline)

	// The provider call is detached from the request context: on deadline
	// expiry the request moves on but the call itself is not aborted.
	done := make(chan model.GeneratedTest, 1)
	go func() {
		done <- c.provider.GenerateFullTest(context.WithoutCancel(ctx), level)
	}()

	select {
	case raw := <-done:
		result, err := c.finish(ctx, sessionID, level, raw)
		if err != nil {
			return model.GenerationResult{}, c.failSession(sessionID, key, err)
		}
		return result, nil

	case <-time.After(c.deadline):
		slog.Warn("generation deadline exceeded, falling back to background job",
			"session", sessionID, "level", level)
		jobID, err := c.queue.Enqueue("generate_full_test", func(jctx context.Context) error {
			return c.runBackground(jctx, sessionID, level)
		})
		if err != nil {
			return model.GenerationResult{}, c.failSession(sessionID, key, fmt.Errorf("enqueue background generation: %w", err))
		}
		if err := c.store.UpdateTestSessionStatus(sessionID, model.TestGenerating); err != nil {
			return model.GenerationResult{}, c.failSession(sessionID, key, err)
		}
		return model.GenerationResult{
			State:     model.GenerationInProgress,
			SessionID: sessionID,
			JobID:     jobID,
			Estimate:  backgroundEstimate,
			Message:   "Test generation started in background",
		}, nil
	}
}

// runBackground re-enters the generation logic without a deadline. It is
// the body of the deadline-fallback job and may race a user-triggered
// retry; the lock decides which attempt proceeds.
func (c *Coordinator) runBackground(ctx context.Context, sessionID string, level model.LadderLevel) error {
	key := ResultKey(sessionID, level)
	if _, ok := c.cachedResult(key); ok {
		slog.Debug("background generation found cached result", "session", sessionID)
		return nil
	}

	lk := LockKey(sessionID)
	if !c.lock.Acquire(lk) {
		slog.Debug("background generation skipped, another attempt in flight", "session", sessionID)
		return nil
	}
	defer c.lock.Release(lk)

	raw := c.provider.GenerateFullTest(ctx, level)
	if _, err := c.finish(ctx, sessionID, level, raw); err != nil {
		return c.failSession(sessionID, key, err)
	}
	return nil
}

// finish processes the raw provider output: each section is validated and
// persisted independently, the session is marked ready, and the combined
// result is cached only when every section came through clean.
func (c *Coordinator) finish(ctx context.Context, sessionID string, level model.LadderLevel, raw model.GeneratedTest) (model.GenerationResult, error) {
	var test model.GeneratedTest
	for _, kind := range model.SectionKinds {
		processed, err := c.processSection(ctx, sessionID, kind, raw.Section(kind))
		if err != nil {
			return model.GenerationResult{}, fmt.Errorf("process %s section: %w", kind, err)
		}
		test.SetSection(kind, processed)
	}

	if err := c.store.UpdateTestSessionStatus(sessionID, model.TestReady); err != nil {
		return model.GenerationResult{}, fmt.Errorf("mark session ready: %w", err)
	}

	if test.Clean() {
		c.cache.Set(ResultKey(sessionID, level), test, c.resultTTL)
	} else {
		slog.Warn("not caching test with failed sections", "session", sessionID, "level", level)
	}
	c.cache.Delete(ErrorKey(sessionID))

	return model.GenerationResult{
		State:     model.GenerationReady,
		SessionID: sessionID,
		Test:      &test,
	}, nil
}

// failSession is the hard-failure path: the whole-test cache entry is
// invalidated, the cause is retained for status queries, the session is
// marked errored and the original error is returned for propagation. The
// lock is released by the caller's defer.
func (c *Coordinator) failSession(sessionID, key string, cause error) error {
	c.cache.Delete(key)
	c.cache.Set(ErrorKey(sessionID), cause.Error(), c.resultTTL)
	if err := c.store.UpdateTestSessionStatus(sessionID, model.TestError); err != nil {
		slog.Error("failed to mark session errored", "session", sessionID, "error", err)
	}
	slog.Error("test generation failed", "session", sessionID, "error", cause)
	return cause
}

// Status reports the caller-facing generation state for a test session.
func (c *Coordinator) Status(sessionID string) (model.GenerationResult, error) {
	ts, err := c.store.GetTestSession(sessionID)
	if errors.Is(err, model.ErrTestSessionNotFound) {
		return model.GenerationResult{State: model.GenerationNotStarted, SessionID: sessionID}, nil
	}
	if err != nil {
		return model.GenerationResult{}, err
	}

	if c.lock.Held(LockKey(sessionID)) {
		return model.GenerationResult{
			State:     model.GenerationInProgress,
			SessionID: sessionID,
			Message:   "Test generation in progress",
		}, nil
	}

	switch ts.Status {
	case model.TestGenerating:
		return model.GenerationResult{
			State:     model.GenerationInProgress,
			SessionID: sessionID,
			Estimate:  backgroundEstimate,
		}, nil
	case model.TestError:
		message := "Test generation failed"
		if v, ok := c.cache.Get(ErrorKey(sessionID)); ok {
			if cause, ok := v.(string); ok && cause != "" {
				message = "Test generation failed: " + cause
			}
		}
		return model.GenerationResult{
			State:     model.GenerationFailed,
			SessionID: sessionID,
			Message:   message,
		}, nil
	default:
		result := model.GenerationResult{State: model.GenerationReady, SessionID: sessionID}
		if test, ok := c.cachedResult(ResultKey(sessionID, ts.Level)); ok {
			result.Test = test
		}
		return result, nil
	}
}

func (c *Coordinator) cachedResult(key string) (*model.GeneratedTest, bool) {
	cached, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	test, ok := cached.(model.GeneratedTest)
	if !ok || !test.Clean() {
		return nil, false
	}
	return &test, true
}
