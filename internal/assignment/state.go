package assignment

import (
	"strings"
	"time"

	"cogtest/internal/question"
)

// RecordAnswer stores raw as the answer to questionID. The first non-blank
// save moves a PENDING assignment to INPROGRESS; later saves overwrite the
// previous answer to the same question.
func (a *Assignment) RecordAnswer(t question.Test, questionID, raw string, now time.Time) error {
	if a.Status == StatusCompleted {
		return ErrAlreadyCompleted
	}
	if _, ok := t.Question(questionID); !ok {
		return ErrQuestionNotInTest
	}

	if a.Answers == nil {
		a.Answers = make(map[string]Answer)
	}
	a.Answers[questionID] = Answer{
		QuestionID: questionID,
		RawAnswer:  raw,
		UpdatedAt:  now,
	}
	// a blank save clears the slot but does not start the test
	if a.Status == StatusPending && strings.TrimSpace(raw) != "" {
		a.Status = StatusInProgress
	}
	a.UpdatedAt = now
	return nil
}

// Unanswered lists question ids without a non-blank saved answer, in test
// order.
func Unanswered(t question.Test, answers map[string]string) []string {
	var out []string
	for _, q := range t.Questions {
		if strings.TrimSpace(answers[q.ID]) == "" {
			out = append(out, q.ID)
		}
	}
	return out
}

// CheckSubmittable reports whether a may be submitted now.
func (a Assignment) CheckSubmittable(t question.Test) error {
	if a.Status == StatusCompleted {
		return ErrAlreadyCompleted
	}
	if missing := Unanswered(t, a.RawAnswers()); len(missing) > 0 {
		return &IncompleteSubmissionError{Unanswered: missing}
	}
	if a.Status != StatusInProgress {
		return ErrNotStarted
	}
	return nil
}
