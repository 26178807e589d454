// Package questions is the quiz content source: leveled multiple-choice
// questions stored as JSON files on disk, one file per category and level.
package questions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/engplace/placement/internal/model"
)

// DefaultPerCategory is the number of questions selected per category when
// assembling a leveled quiz.
const DefaultPerCategory = 10

// Loader reads question files from a base directory laid out as
// <base>/<category>/<level>/questions.json.
type Loader struct {
	baseDir string
}

// NewLoader creates a Loader rooted at baseDir.
func NewLoader(baseDir string) *Loader {
	return &Loader{baseDir: baseDir}
}

func (l *Loader) path(level model.LadderLevel, category model.QuizCategory) string {
	return filepath.Join(l.baseDir, string(category), string(level), "questions.json")
}

// Load returns the questions for a grammar or vocabulary quiz. A missing
// file yields an empty list, not an error: levels without content simply
// contribute no questions.
func (l *Loader) Load(level model.LadderLevel, category model.QuizCategory) ([]model.QuestionSpec, error) {
	data, err := os.ReadFile(l.path(level, category))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read questions file: %w", err)
	}
	var specs []model.QuestionSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse %s/%s questions: %w", category, level, err)
	}
	return specs, nil
}

// LoadPassages returns the reading passages for a level. Missing files
// yield an empty list.
func (l *Loader) LoadPassages(level model.LadderLevel) ([]model.ReadingPassage, error) {
	data, err := os.ReadFile(l.path(level, model.CategoryReading))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read passages file: %w", err)
	}
	var passages []model.ReadingPassage
	if err := json.Unmarshal(data, &passages); err != nil {
		return nil, fmt.Errorf("parse reading/%s passages: %w", level, err)
	}
	return passages, nil
}

// FirstN returns the first n elements of specs, or all of them if fewer.
func FirstN(specs []model.QuestionSpec, n int) []model.QuestionSpec {
	if len(specs) <= n {
		return specs
	}
	return specs[:n]
}
