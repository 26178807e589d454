package questions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/engplace/placement/internal/model"
)

func writeFile(t *testing.T, dir, category, level, content string) {
	t.Helper()
	path := filepath.Join(dir, category, level)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, "questions.json"), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "grammar", "intermediate", `[
		{"question": "She ___ to school.", "options": {"A": "go", "B": "goes"}, "correct_answer": "B"},
		{"question": "They ___ happy.", "options": {"A": "is", "B": "are"}, "correct_answer": "B"}
	]`)

	l := NewLoader(dir)
	specs, err := l.Load(model.LevelIntermediate, model.CategoryGrammar)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(specs))
	}
	if specs[0].CorrectAnswer != "B" {
		t.Errorf("expected correct answer B, got %q", specs[0].CorrectAnswer)
	}
	if specs[0].Options["A"] != "go" {
		t.Errorf("unexpected option A: %q", specs[0].Options["A"])
	}
}

func TestLoadMissingFile(t *testing.T) {
	l := NewLoader(t.TempDir())
	specs, err := l.Load(model.LevelAdvanced, model.CategoryVocabulary)
	if err != nil {
		t.Fatalf("expected nil error for missing file, got %v", err)
	}
	if len(specs) != 0 {
		t.Errorf("expected empty list, got %d", len(specs))
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "grammar", "advanced", `{not json`)
	l := NewLoader(dir)
	if _, err := l.Load(model.LevelAdvanced, model.CategoryGrammar); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadPassages(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "reading", "pre_intermediate", `[
		{"text": "A short story.", "questions": [
			{"question": "What is it?", "options": {"A": "story", "B": "poem"}, "correct_answer": "A"}
		]}
	]`)

	l := NewLoader(dir)
	passages, err := l.LoadPassages(model.LevelPreIntermediate)
	if err != nil {
		t.Fatalf("LoadPassages: %v", err)
	}
	if len(passages) != 1 {
		t.Fatalf("expected 1 passage, got %d", len(passages))
	}
	if passages[0].Text != "A short story." {
		t.Errorf("unexpected passage text: %q", passages[0].Text)
	}
	if len(passages[0].Questions) != 1 {
		t.Fatalf("expected 1 question, got %d", len(passages[0].Questions))
	}
}

func TestFirstN(t *testing.T) {
	specs := make([]model.QuestionSpec, 15)
	tests := []struct {
		name string
		n    int
		want int
	}{
		{"fewer than n", 20, 15},
		{"exactly n", 15, 15},
		{"more than n", 10, 10},
		{"zero", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(FirstN(specs, tt.n)); got != tt.want {
				t.Errorf("FirstN(%d) returned %d, want %d", tt.n, got, tt.want)
			}
		})
	}
}
