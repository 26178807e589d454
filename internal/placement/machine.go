// Package placement implements the adaptive level-determination flow: the
// ladder state machine, quiz scoring and the session lifecycle around them.
package placement

import "github.com/engplace/placement/internal/model"

// PassThreshold is the score percentage at and above which a quiz or AI
// test counts as passed.
const PassThreshold = 70.0

// NextAction computes the next step of the placement flow from the current
// ladder level and the pass/fail outcome of the quiz taken at that level.
//
// The ladder runs pre_intermediate → intermediate → upper_intermediate →
// advanced. Failing low levels concludes immediately (A1/A2); the upper
// half of the ladder escalates to a full AI-generated test whose outcome
// map decides between two adjacent CEFR levels.
func NextAction(level model.LadderLevel, passed bool) (model.Action, error) {
	switch level {
	case model.LevelPreIntermediate:
		if passed {
			return model.ContinueTest(model.LevelIntermediate), nil
		}
		return model.SetLevel(model.CEFRA1), nil

	case model.LevelIntermediate:
		if passed {
			return model.ContinueTest(model.LevelUpperIntermediate), nil
		}
		return model.SetLevel(model.CEFRA2), nil

	case model.LevelUpperIntermediate:
		if passed {
			return model.ContinueTest(model.LevelAdvanced), nil
		}
		return model.AiTest(model.LevelIntermediate, model.OutcomeMap{
			Pass: model.CEFRB1,
			Fail: model.CEFRA2,
		}), nil

	case model.LevelAdvanced:
		if passed {
			return model.AiTest(model.LevelAdvanced, model.OutcomeMap{
				Pass: model.CEFRC1,
				Fail: model.CEFRB2,
			}), nil
		}
		return model.AiTest(model.LevelUpperIntermediate, model.OutcomeMap{
			Pass: model.CEFRB2,
			Fail: model.CEFRB1,
		}), nil
	}
	return model.Action{}, model.ErrUnknownLevel
}

// Resolve maps an AI test score onto the final CEFR level through the
// outcome map recorded with the ai_test action.
func Resolve(outcomes model.OutcomeMap, scorePercentage float64) model.CEFRLevel {
	if scorePercentage >= PassThreshold {
		return outcomes.Pass
	}
	return outcomes.Fail
}

// Score tallies a leveled quiz. Only questions with a recorded correctness
// flag enter the tally; an empty tally scores zero rather than erroring.
func Score(quizzes []model.LeveledQuiz) model.ScoreSummary {
	summary := model.ScoreSummary{
		Categories: make(map[model.QuizCategory]model.CategoryStat),
	}
	for _, category := range model.QuizCategories {
		summary.Categories[category] = model.CategoryStat{}
	}

	for _, q := range quizzes {
		if q.IsCorrect == nil {
			continue
		}
		summary.TotalQuestions++
		stat := summary.Categories[q.Category]
		stat.Total++
		if *q.IsCorrect {
			summary.CorrectAnswers++
			stat.Correct++
		}
		summary.Categories[q.Category] = stat
	}

	if summary.TotalQuestions > 0 {
		summary.ScorePercentage = float64(summary.CorrectAnswers) / float64(summary.TotalQuestions) * 100
	}
	for category, stat := range summary.Categories {
		if stat.Total > 0 {
			stat.Percentage = float64(stat.Correct) / float64(stat.Total) * 100
			summary.Categories[category] = stat
		}
	}
	summary.Passed = summary.ScorePercentage >= PassThreshold
	return summary
}
