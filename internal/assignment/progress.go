package assignment

import (
	"strings"

	"cogtest/internal/question"
)

// Progress is the saved state a patient resumes from. Found is false when
// nothing was saved yet, which is a fresh start rather than an error.
type Progress struct {
	Found       bool              `json:"found"`
	Status      Status            `json:"status"`
	Answers     map[string]string `json:"answers"`
	ResumeIndex int               `json:"resume_index"`
}

// ResumePoint returns the index of the first unanswered question in test
// order, or the last index when every question has an answer.
func ResumePoint(t question.Test, answers map[string]string) int {
	if len(t.Questions) == 0 {
		return 0
	}
	for i, q := range t.Questions {
		if strings.TrimSpace(answers[q.ID]) == "" {
			return i
		}
	}
	return len(t.Questions) - 1
}

func progressOf(t question.Test, a Assignment) Progress {
	answers := a.RawAnswers()
	found := false
	for _, raw := range answers {
		if strings.TrimSpace(raw) != "" {
			found = true
			break
		}
	}
	return Progress{
		Found:       found,
		Status:      a.Status,
		Answers:     answers,
		ResumeIndex: ResumePoint(t, answers),
	}
}
