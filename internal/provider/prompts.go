package provider

import (
	"fmt"
	"strings"

	"github.com/engplace/placement/internal/model"
)

// sectionPrompt returns the system prompt and sampling temperature for a
// section. Reading uses a lower temperature so the passage and its questions
// stay tightly coupled; the open-ended sections benefit from variety.
func sectionPrompt(level model.LadderLevel, kind model.SectionKind) (string, float32) {
	switch kind {
	case model.SectionReading:
		return buildReadingPrompt(level), 0.4
	case model.SectionListening:
		return buildListeningPrompt(level), 0.8
	case model.SectionWriting:
		return buildWritingPrompt(level), 0.8
	case model.SectionSpeaking:
		return buildSpeakingPrompt(level), 0.8
	}
	return "", 0
}

func buildReadingPrompt(level model.LadderLevel) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("You are an expert English language teacher creating a reading comprehension test for %s level students.\n", level))
	sb.WriteString("Your task is to create a reading passage of 400-500 words and 5 multiple-choice questions.\n")
	sb.WriteString("Ensure that the correct answers are varied and not predominantly a single option (e.g., not always 'A').\n")
	sb.WriteString("Return the response in this EXACT JSON format with no extra text:\n")
	sb.WriteString(`{
    "passage": "The reading text here...",
    "questions": [
        {
            "question": "Question text here?",
            "options": {"A": "Option A", "B": "Option B", "C": "Option C", "D": "Option D"},
            "correct_answer": "B",
            "explanation": "Why this answer is correct"
        }
    ]
}`)
	return sb.String()
}

func buildListeningPrompt(level model.LadderLevel) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("You are an expert English language teacher creating 5 listening comprehension scenarios for %s level students.\n", level))
	sb.WriteString("For each scenario, provide an audio script and one related multiple-choice question.\n")
	sb.WriteString("Return the response in this EXACT JSON format with no extra text:\n")
	sb.WriteString(`{
    "scenarios": [
        {
            "audio_script": "The text to be spoken for the first scenario...",
            "question": "What is the main topic of the first scenario?",
            "options": {"A": "Option A", "B": "Option B", "C": "Option C", "D": "Option D"},
            "correct_answer": "A",
            "explanation": "Explanation of the correct answer."
        }
    ]
}`)
	return sb.String()
}

func buildWritingPrompt(level model.LadderLevel) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("You are an English language teacher creating 1 writing prompt for %s level students.\n", level))
	sb.WriteString("Provide clear instructions and evaluation criteria.\n")
	sb.WriteString("Return the response in this EXACT JSON format with no extra text:\n")
	sb.WriteString(`{
    "prompts": [
        {
            "title": "Writing Task 1: An Email",
            "prompt": "Detailed writing prompt for the first task...",
            "instructions": "Specific instructions for the task.",
            "word_count": 150,
            "time_limit": 20,
            "evaluation_criteria": ["Grammar", "Vocabulary", "Coherence", "Task Completion"]
        }
    ]
}`)
	return sb.String()
}

func buildSpeakingPrompt(level model.LadderLevel) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("You are an English language teacher creating 5 speaking assessment questions for %s level students.\n", level))
	sb.WriteString("Include a variety of types: personal, opinion, situational, and descriptive.\n")
	sb.WriteString("Return the response in this EXACT JSON format with no extra text:\n")
	sb.WriteString(`{
    "questions": [
        {
            "type": "personal",
            "question": "Can you tell me about your hometown?",
            "follow_up": "What is the most interesting place to visit there?",
            "preparation_time": 15,
            "speaking_time": 60,
            "evaluation_criteria": ["Fluency", "Accuracy", "Vocabulary", "Pronunciation"]
        }
    ]
}`)
	return sb.String()
}
