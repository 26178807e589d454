// Package provider generates full-test sections through an OpenAI-compatible
// chat API. Section failures are reported as error markers inside the
// returned payloads rather than as hard errors, so one failed section never
// takes down the other three.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/engplace/placement/internal/cache"
	"github.com/engplace/placement/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// SectionTTL is how long a successfully generated section stays reusable
// across test sessions at the same level.
const SectionTTL = 30 * time.Minute

// SectionQuestion is one multiple-choice question inside a generated section.
type SectionQuestion struct {
	Question      string            `json:"question"`
	Options       map[string]string `json:"options"`
	CorrectAnswer string            `json:"correct_answer"`
	Explanation   string            `json:"explanation,omitempty"`
}

// ReadingSection is the parsed payload of a generated reading section.
type ReadingSection struct {
	Passage   string            `json:"passage"`
	Questions []SectionQuestion `json:"questions"`
}

// ListeningScenario is one audio script with its comprehension question.
type ListeningScenario struct {
	AudioScript   string            `json:"audio_script"`
	AudioURL      string            `json:"audio_url,omitempty"`
	Question      string            `json:"question"`
	Options       map[string]string `json:"options"`
	CorrectAnswer string            `json:"correct_answer"`
	Explanation   string            `json:"explanation,omitempty"`
}

// ListeningSection is the parsed payload of a generated listening section.
type ListeningSection struct {
	Scenarios []ListeningScenario `json:"scenarios"`
}

// WritingPrompt is one open-ended writing task.
type WritingPrompt struct {
	Title              string   `json:"title"`
	Prompt             string   `json:"prompt"`
	Instructions       string   `json:"instructions"`
	WordCount          int      `json:"word_count"`
	TimeLimit          int      `json:"time_limit"`
	EvaluationCriteria []string `json:"evaluation_criteria"`
}

// WritingSection is the parsed payload of a generated writing section.
type WritingSection struct {
	Prompts []WritingPrompt `json:"prompts"`
}

// SpeakingQuestion is one open-ended speaking task.
type SpeakingQuestion struct {
	Type               string   `json:"type"`
	Question           string   `json:"question"`
	FollowUp           string   `json:"follow_up,omitempty"`
	AudioURL           string   `json:"audio_url,omitempty"`
	PreparationTime    int      `json:"preparation_time"`
	SpeakingTime       int      `json:"speaking_time"`
	EvaluationCriteria []string `json:"evaluation_criteria"`
}

// SpeakingSection is the parsed payload of a generated speaking section.
type SpeakingSection struct {
	Questions []SpeakingQuestion `json:"questions"`
}

// Client wraps an OpenAI-compatible API client and a section cache.
type Client struct {
	api        *openai.Client
	model      string
	cache      cache.Store
	sectionTTL time.Duration
}

// New creates a new generation client. The cache may be nil, in which case
// every section is generated fresh.
func New(baseURL, apiKey, modelName string, store cache.Store) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:        openai.NewClientWithConfig(config),
		model:      modelName,
		cache:      store,
		sectionTTL: SectionTTL,
	}
}

// Ping verifies that the API endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("generation API ping: %w", err)
	}
	return nil
}

func sectionKey(level model.LadderLevel, kind model.SectionKind) string {
	return fmt.Sprintf("test_section:%s:%s", level, kind)
}

// GenerateFullTest generates all four sections in parallel. Each section is
// independently cached per level; a section that fails validation or the API
// call comes back as an error marker and is never cached.
func (c *Client) GenerateFullTest(ctx context.Context, level model.LadderLevel) model.GeneratedTest {
	var (
		test model.GeneratedTest
		wg   sync.WaitGroup
		mu   sync.Mutex
	)

	for _, kind := range model.SectionKinds {
		wg.Add(1)
		go func(kind model.SectionKind) {
			defer wg.Done()
			result := c.GenerateSection(ctx, level, kind)
			mu.Lock()
			test.SetSection(kind, result)
			mu.Unlock()
		}(kind)
	}
	wg.Wait()

	for _, kind := range model.SectionKinds {
		if r := test.Section(kind); r.Failed() {
			slog.Error("section generation failed", "level", level, "section", kind, "reason", r.Err)
		}
	}
	return test
}

// GenerateSection generates a single section, consulting the per-level
// section cache first.
func (c *Client) GenerateSection(ctx context.Context, level model.LadderLevel, kind model.SectionKind) model.SectionResult {
	key := sectionKey(level, kind)
	if c.cache != nil {
		if cached, ok := c.cache.Get(key); ok {
			if data, ok := cached.(json.RawMessage); ok {
				slog.Debug("section cache hit", "level", level, "section", kind)
				return model.SectionResult{Data: data}
			}
		}
	}

	result := c.generate(ctx, level, kind)
	if result.Failed() {
		return result
	}

	if c.cache != nil {
		c.cache.Set(key, result.Data, c.sectionTTL)
	}
	return result
}

func (c *Client) generate(ctx context.Context, level model.LadderLevel, kind model.SectionKind) model.SectionResult {
	prompt, temperature := sectionPrompt(level, kind)
	if prompt == "" {
		return model.SectionFailure(fmt.Sprintf("unknown section kind %q", kind))
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: temperature,
	})
	if err != nil {
		return model.SectionFailure(fmt.Sprintf("generation API call: %v", err))
	}
	if len(resp.Choices) == 0 {
		return model.SectionFailure("generation API returned no choices")
	}

	raw := []byte(resp.Choices[0].Message.Content)
	if reason := validateSection(kind, raw); reason != "" {
		slog.Warn("rejected section payload", "level", level, "section", kind, "reason", reason)
		return model.SectionFailure(reason)
	}
	return model.SectionResult{Data: raw}
}

// validateSection parses a raw section payload and checks the fields the
// rest of the pipeline relies on. It returns an empty string when the
// payload is acceptable.
func validateSection(kind model.SectionKind, raw []byte) string {
	switch kind {
	case model.SectionReading:
		var section ReadingSection
		if err := json.Unmarshal(raw, &section); err != nil {
			return fmt.Sprintf("invalid reading payload: %v", err)
		}
		if strings.TrimSpace(section.Passage) == "" {
			return "reading payload missing passage"
		}
		if len(section.Questions) == 0 {
			return "reading payload has no questions"
		}
		for i, q := range section.Questions {
			if q.Question == "" || len(q.Options) == 0 || q.CorrectAnswer == "" {
				return fmt.Sprintf("reading question %d missing required fields", i+1)
			}
		}

	case model.SectionListening:
		var section ListeningSection
		if err := json.Unmarshal(raw, &section); err != nil {
			return fmt.Sprintf("invalid listening payload: %v", err)
		}
		if len(section.Scenarios) == 0 {
			return "listening payload has no scenarios"
		}
		for i, s := range section.Scenarios {
			if s.AudioScript == "" || s.Question == "" || len(s.Options) == 0 || s.CorrectAnswer == "" {
				return fmt.Sprintf("scenario %d missing required fields", i+1)
			}
		}

	case model.SectionWriting:
		var section WritingSection
		if err := json.Unmarshal(raw, &section); err != nil {
			return fmt.Sprintf("invalid writing payload: %v", err)
		}
		if len(section.Prompts) == 0 {
			return "writing payload has no prompts"
		}
		for i, p := range section.Prompts {
			if p.Prompt == "" {
				return fmt.Sprintf("writing prompt %d missing required fields", i+1)
			}
		}

	case model.SectionSpeaking:
		var section SpeakingSection
		if err := json.Unmarshal(raw, &section); err != nil {
			return fmt.Sprintf("invalid speaking payload: %v", err)
		}
		if len(section.Questions) == 0 {
			return "speaking payload has no questions"
		}
		for i, q := range section.Questions {
			if q.Question == "" {
				return fmt.Sprintf("speaking question %d missing required fields", i+1)
			}
		}

	default:
		return fmt.Sprintf("unknown section kind %q", kind)
	}
	return ""
}
