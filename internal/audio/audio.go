// Package audio turns listening scripts and speaking questions into mp3
// files through an OpenAI-compatible text-to-speech API.
package audio

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	openai "github.com/sashabaranov/go-openai"
)

// Synthesizer renders text to mp3 files under a single output directory.
type Synthesizer struct {
	api   *openai.Client
	model openai.SpeechModel
	voice openai.SpeechVoice
	dir   string
}

// New creates a Synthesizer writing files under dir. The directory is
// created on first use.
func New(baseURL, apiKey, modelName, dir string) *Synthesizer {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Synthesizer{
		api:   openai.NewClientWithConfig(config),
		model: openai.SpeechModel(modelName),
		voice: openai.VoiceAlloy,
		dir:   dir,
	}
}

// Synthesize renders text to <dir>/<name>.mp3 and returns the written path.
// A failure leaves no partial file behind.
func (s *Synthesizer) Synthesize(ctx context.Context, text, name string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create audio dir: %w", err)
	}

	resp, err := s.api.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          s.model,
		Input:          text,
		Voice:          s.voice,
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return "", fmt.Errorf("TTS request: %w", err)
	}
	defer resp.Close()

	path := filepath.Join(s.dir, name+".mp3")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create audio file: %w", err)
	}
	if _, err := io.Copy(f, resp); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write audio file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close audio file: %w", err)
	}
	return path, nil
}
