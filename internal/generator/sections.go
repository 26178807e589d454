package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/engplace/placement/internal/model"
	"github.com/engplace/placement/internal/provider"
)

// processSection turns a raw provider payload into persisted question rows
// plus a client-facing projection. Malformed payloads come back as error
// markers; only storage failures are returned as hard errors.
func (c *Coordinator) processSection(ctx context.Context, sessionID string, kind model.SectionKind, raw model.SectionResult) (model.SectionResult, error) {
	if raw.Failed() {
		return raw, nil
	}
	if len(raw.Data) == 0 {
		return model.SectionFailure(fmt.Sprintf("failed to generate %s test data", kind)), nil
	}

	switch kind {
	case model.SectionReading:
		return c.processReading(sessionID, raw.Data)
	case model.SectionListening:
		return c.processListening(ctx, sessionID, raw.Data)
	case model.SectionWriting:
		return c.processWriting(sessionID, raw.Data)
	case model.SectionSpeaking:
		return c.processSpeaking(ctx, sessionID, raw.Data)
	}
	return model.SectionFailure(fmt.Sprintf("unknown section kind %q", kind)), nil
}

type readingQuestionView struct {
	ID             int64             `json:"id"`
	Question       string            `json:"question"`
	Options        map[string]string `json:"options"`
	QuestionNumber int               `json:"question_number"`
}

type readingView struct {
	Passage   string                `json:"passage"`
	Questions []readingQuestionView `json:"questions"`
}

func (c *Coordinator) processReading(sessionID string, data json.RawMessage) (model.SectionResult, error) {
	var section provider.ReadingSection
	if err := json.Unmarshal(data, &section); err != nil {
		return model.SectionFailure(fmt.Sprintf("invalid reading payload: %v", err)), nil
	}

	rows := make([]model.GeneratedQuestion, 0, len(section.Questions))
	for i, q := range section.Questions {
		content, err := json.Marshal(map[string]any{
			"passage":         section.Passage,
			"question":        q.Question,
			"question_number": i + 1,
		})
		if err != nil {
			return model.SectionResult{}, err
		}
		options, err := json.Marshal(q.Options)
		if err != nil {
			return model.SectionResult{}, err
		}
		rows = append(rows, model.GeneratedQuestion{
			TestSessionID: sessionID,
			Kind:          model.SectionReading,
			Content:       string(content),
			Options:       strPtr(string(options)),
			CorrectAnswer: strPtr(q.CorrectAnswer),
		})
	}

	created, err := c.store.BulkInsertGeneratedQuestions(rows)
	if err != nil {
		return model.SectionResult{}, fmt.Errorf("persist reading questions: %w", err)
	}

	view := readingView{Passage: section.Passage}
	for i, row := range created {
		view.Questions = append(view.Questions, readingQuestionView{
			ID:             row.ID,
			Question:       section.Questions[i].Question,
			Options:        section.Questions[i].Options,
			QuestionNumber: i + 1,
		})
	}
	return marshalView(view)
}

type listeningScenarioView struct {
	ID             int64             `json:"id"`
	AudioPath      string            `json:"audio_path,omitempty"`
	Question       string            `json:"question"`
	Options        map[string]string `json:"options"`
	ScenarioNumber int               `json:"scenario_number"`
}

type listeningView struct {
	Scenarios []listeningScenarioView `json:"scenarios"`
}

func (c *Coordinator) processListening(ctx context.Context, sessionID string, data json.RawMessage) (model.SectionResult, error) {
	var section provider.ListeningSection
	if err := json.Unmarshal(data, &section); err != nil {
		return model.SectionFailure(fmt.Sprintf("invalid listening payload: %v", err)), nil
	}
	if len(section.Scenarios) == 0 {
		return model.SectionFailure("no scenarios found in test data"), nil
	}

	rows := make([]model.GeneratedQuestion, 0, len(section.Scenarios))
	audioPaths := make([]string, len(section.Scenarios))
	for i, scenario := range section.Scenarios {
		name := fmt.Sprintf("listening_%s_%d", sessionID, i+1)
		audioPaths[i] = c.synthesize(ctx, scenario.AudioScript, name)

		content, err := json.Marshal(map[string]any{
			"audio_script":    scenario.AudioScript,
			"audio_path":      nullableStr(audioPaths[i]),
			"question":        scenario.Question,
			"scenario_number": i + 1,
		})
		if err != nil {
			return model.SectionResult{}, err
		}
		options, err := json.Marshal(scenario.Options)
		if err != nil {
			return model.SectionResult{}, err
		}
		rows = append(rows, model.GeneratedQuestion{
			TestSessionID: sessionID,
			Kind:          model.SectionListening,
			Content:       string(content),
			Options:       strPtr(string(options)),
			CorrectAnswer: strPtr(scenario.CorrectAnswer),
		})
	}

	created, err := c.store.BulkInsertGeneratedQuestions(rows)
	if err != nil {
		return model.SectionResult{}, fmt.Errorf("persist listening questions: %w", err)
	}

	// The projection deliberately leaves out the audio script: the client
	// only gets the rendered audio and the question.
	var view listeningView
	for i, row := range created {
		view.Scenarios = append(view.Scenarios, listeningScenarioView{
			ID:             row.ID,
			AudioPath:      audioPaths[i],
			Question:       section.Scenarios[i].Question,
			Options:        section.Scenarios[i].Options,
			ScenarioNumber: i + 1,
		})
	}
	return marshalView(view)
}

type writingPromptView struct {
	ID int64 `json:"id,omitempty"`
	provider.WritingPrompt
	PromptNumber int `json:"prompt_number"`
}

type writingView struct {
	Prompts []writingPromptView `json:"prompts"`
}

func (c *Coordinator) processWriting(sessionID string, data json.RawMessage) (model.SectionResult, error) {
	var section provider.WritingSection
	if err := json.Unmarshal(data, &section); err != nil {
		return model.SectionFailure(fmt.Sprintf("invalid writing payload: %v", err)), nil
	}

	rows := make([]model.GeneratedQuestion, 0, len(section.Prompts))
	for i, p := range section.Prompts {
		content, err := json.Marshal(writingPromptView{WritingPrompt: p, PromptNumber: i + 1})
		if err != nil {
			return model.SectionResult{}, err
		}
		rows = append(rows, model.GeneratedQuestion{
			TestSessionID: sessionID,
			Kind:          model.SectionWriting,
			Content:       string(content),
		})
	}

	created, err := c.store.BulkInsertGeneratedQuestions(rows)
	if err != nil {
		return model.SectionResult{}, fmt.Errorf("persist writing prompts: %w", err)
	}

	var view writingView
	for i, row := range created {
		view.Prompts = append(view.Prompts, writingPromptView{
			ID:            row.ID,
			WritingPrompt: section.Prompts[i],
			PromptNumber:  i + 1,
		})
	}
	return marshalView(view)
}

type speakingQuestionView struct {
	ID int64 `json:"id,omitempty"`
	provider.SpeakingQuestion
	AudioPath      string `json:"audio_path,omitempty"`
	QuestionNumber int    `json:"question_number"`
}

type speakingView struct {
	Questions []speakingQuestionView `json:"questions"`
}

func (c *Coordinator) processSpeaking(ctx context.Context, sessionID string, data json.RawMessage) (model.SectionResult, error) {
	var section provider.SpeakingSection
	if err := json.Unmarshal(data, &section); err != nil {
		return model.SectionFailure(fmt.Sprintf("invalid speaking payload: %v", err)), nil
	}
	if len(section.Questions) == 0 {
		return model.SectionFailure("no questions found in test data"), nil
	}

	rows := make([]model.GeneratedQuestion, 0, len(section.Questions))
	audioPaths := make([]string, len(section.Questions))
	for i, q := range section.Questions {
		// The spoken prompt covers the question and its follow-up in one
		// clip.
		text := strings.TrimSpace(q.Question + " " + q.FollowUp)
		name := fmt.Sprintf("speaking_%s_%d", sessionID, i+1)
		audioPaths[i] = c.synthesize(ctx, text, name)

		content, err := json.Marshal(speakingQuestionView{
			SpeakingQuestion: q,
			AudioPath:        audioPaths[i],
			QuestionNumber:   i + 1,
		})
		if err != nil {
			return model.SectionResult{}, err
		}
		rows = append(rows, model.GeneratedQuestion{
			TestSessionID: sessionID,
			Kind:          model.SectionSpeaking,
			Content:       string(content),
		})
	}

	created, err := c.store.BulkInsertGeneratedQuestions(rows)
	if err != nil {
		return model.SectionResult{}, fmt.Errorf("persist speaking questions: %w", err)
	}

	var view speakingView
	for i, row := range created {
		view.Questions = append(view.Questions, speakingQuestionView{
			ID:               row.ID,
			SpeakingQuestion: section.Questions[i],
			AudioPath:        audioPaths[i],
			QuestionNumber:   i + 1,
		})
	}
	return marshalView(view)
}

// SectionQuestions rebuilds a section's client projection from the
// persisted question rows, for callers arriving after the cached result
// has expired. Correct answers and listening audio scripts stay behind.
func (c *Coordinator) SectionQuestions(sessionID string, kind model.SectionKind) (json.RawMessage, error) {
	rows, err := c.store.GetGeneratedQuestions(sessionID, kind)
	if err != nil {
		return nil, err
	}
	switch kind {
	case model.SectionReading:
		return storedReadingView(rows)
	case model.SectionListening:
		return storedListeningView(rows)
	default:
		return storedPromptView(kind, rows)
	}
}

func storedReadingView(rows []model.GeneratedQuestion) (json.RawMessage, error) {
	view := readingView{Questions: []readingQuestionView{}}
	for _, row := range rows {
		var content struct {
			Passage        string `json:"passage"`
			Question       string `json:"question"`
			QuestionNumber int    `json:"question_number"`
		}
		if err := json.Unmarshal([]byte(row.Content), &content); err != nil {
			return nil, fmt.Errorf("decode stored reading question %d: %w", row.ID, err)
		}
		q := readingQuestionView{
			ID:             row.ID,
			Question:       content.Question,
			QuestionNumber: content.QuestionNumber,
		}
		if row.Options != nil {
			if err := json.Unmarshal([]byte(*row.Options), &q.Options); err != nil {
				return nil, fmt.Errorf("decode stored reading options %d: %w", row.ID, err)
			}
		}
		view.Passage = content.Passage
		view.Questions = append(view.Questions, q)
	}
	return json.Marshal(view)
}

func storedListeningView(rows []model.GeneratedQuestion) (json.RawMessage, error) {
	view := listeningView{Scenarios: []listeningScenarioView{}}
	for _, row := range rows {
		var content struct {
			AudioPath      *string `json:"audio_path"`
			Question       string  `json:"question"`
			ScenarioNumber int     `json:"scenario_number"`
		}
		if err := json.Unmarshal([]byte(row.Content), &content); err != nil {
			return nil, fmt.Errorf("decode stored listening scenario %d: %w", row.ID, err)
		}
		s := listeningScenarioView{
			ID:             row.ID,
			Question:       content.Question,
			ScenarioNumber: content.ScenarioNumber,
		}
		if content.AudioPath != nil {
			s.AudioPath = *content.AudioPath
		}
		if row.Options != nil {
			if err := json.Unmarshal([]byte(*row.Options), &s.Options); err != nil {
				return nil, fmt.Errorf("decode stored listening options %d: %w", row.ID, err)
			}
		}
		view.Scenarios = append(view.Scenarios, s)
	}
	return json.Marshal(view)
}

// storedPromptView handles writing and speaking, whose stored content is
// already the client view minus the row ID.
func storedPromptView(kind model.SectionKind, rows []model.GeneratedQuestion) (json.RawMessage, error) {
	items := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		var item map[string]any
		if err := json.Unmarshal([]byte(row.Content), &item); err != nil {
			return nil, fmt.Errorf("decode stored %s question %d: %w", kind, row.ID, err)
		}
		item["id"] = row.ID
		items = append(items, item)
	}
	key := "prompts"
	if kind == model.SectionSpeaking {
		key = "questions"
	}
	return json.Marshal(map[string]any{key: items})
}

// synthesize renders text to audio, degrading to an empty path when no
// synthesizer is configured or the synthesis fails.
func (c *Coordinator) synthesize(ctx context.Context, text, name string) string {
	if c.speech == nil || text == "" {
		return ""
	}
	path, err := c.speech.Synthesize(ctx, text, name)
	if err != nil {
		slog.Warn("audio synthesis failed", "clip", name, "error", err)
		return ""
	}
	return path
}

func marshalView(view any) (model.SectionResult, error) {
	data, err := json.Marshal(view)
	if err != nil {
		return model.SectionResult{}, err
	}
	return model.SectionResult{Data: data}, nil
}

func strPtr(s string) *string { return &s }

func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
