// Package assignment holds the lifecycle of a test handed to a patient:
// answer capture, submission, automatic scoring and clinician review.
package assignment

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "INPROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

var (
	ErrAssignmentNotFound   = errors.New("assignment not found")
	ErrAlreadyCompleted     = errors.New("assignment already completed")
	ErrNotStarted           = errors.New("assignment not started")
	ErrQuestionNotInTest    = errors.New("question not in test")
	ErrIncompleteSubmission = errors.New("incomplete submission")
	ErrNotAwaitingReview    = errors.New("assignment is not awaiting review")
	ErrAlreadyScored        = errors.New("assignment already scored")
	ErrMissingManualScore   = errors.New("missing manual score")
	ErrInvalidManualScore   = errors.New("invalid manual score")
	ErrForbidden            = errors.New("assignment forbidden")
	ErrInvalidInput         = errors.New("invalid input")
)

// IncompleteSubmissionError lists the questions still lacking an answer,
// in test order.
type IncompleteSubmissionError struct {
	Unanswered []string
}

func (e *IncompleteSubmissionError) Error() string {
	return fmt.Sprintf("incomplete submission: %d unanswered (%s)", len(e.Unanswered), strings.Join(e.Unanswered, ", "))
}

func (e *IncompleteSubmissionError) Unwrap() error { return ErrIncompleteSubmission }

type MissingManualScoreError struct {
	QuestionIDs []string
}

func (e *MissingManualScoreError) Error() string {
	return fmt.Sprintf("missing manual score for %s", strings.Join(e.QuestionIDs, ", "))
}

func (e *MissingManualScoreError) Unwrap() error { return ErrMissingManualScore }

type InvalidManualScoreError struct {
	QuestionID string
	Score      float64
	Max        float64
}

func (e *InvalidManualScoreError) Error() string {
	return fmt.Sprintf("manual score %g for %s outside [0, %g]", e.Score, e.QuestionID, e.Max)
}

func (e *InvalidManualScoreError) Unwrap() error { return ErrInvalidManualScore }

type TimerType string

const (
	TimerCountdown TimerType = "timer"
	TimerStopwatch TimerType = "stopwatch"
)

// Timer is shown by the client while the patient works. It is not enforced.
type Timer struct {
	Type    TimerType `json:"type"`
	Seconds int       `json:"seconds"`
}

type Answer struct {
	QuestionID string    `json:"question_id"`
	RawAnswer  string    `json:"raw_answer"`
	Score      *float64  `json:"score,omitempty"`
	IsCorrect  *bool     `json:"is_correct,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Results struct {
	ScorePercent int    `json:"score_percent"`
	Notes        string `json:"notes,omitempty"`
}

type Assignment struct {
	ID          string            `json:"id"`
	TestID      string            `json:"test_id"`
	PatientID   string            `json:"patient_id"`
	DoctorID    string            `json:"doctor_id"`
	Status      Status            `json:"status"`
	StartDate   time.Time         `json:"start_date"`
	EndDate     *time.Time        `json:"end_date,omitempty"`
	Timer       *Timer            `json:"timer,omitempty"`
	Answers     map[string]Answer `json:"answers"`
	Results     *Results          `json:"results,omitempty"`
	SubmittedAt *time.Time        `json:"submitted_at,omitempty"`
	ReviewedAt  *time.Time        `json:"reviewed_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// AwaitingReview reports the COMPLETED-without-results sub-state.
func (a Assignment) AwaitingReview() bool {
	return a.Status == StatusCompleted && a.Results == nil
}

// Expired reports whether the validity window has passed. Expiry is
// informational only.
func (a Assignment) Expired(now time.Time) bool {
	return a.EndDate != nil && now.After(*a.EndDate)
}

// RawAnswers returns the saved answers keyed by question id.
func (a Assignment) RawAnswers() map[string]string {
	out := make(map[string]string, len(a.Answers))
	for id, ans := range a.Answers {
		out[id] = ans.RawAnswer
	}
	return out
}

func (a Assignment) clone() Assignment {
	out := a
	out.Answers = make(map[string]Answer, len(a.Answers))
	for k, v := range a.Answers {
		out.Answers[k] = v
	}
	if a.EndDate != nil {
		v := *a.EndDate
		out.EndDate = &v
	}
	if a.Timer != nil {
		v := *a.Timer
		out.Timer = &v
	}
	if a.Results != nil {
		v := *a.Results
		out.Results = &v
	}
	if a.SubmittedAt != nil {
		v := *a.SubmittedAt
		out.SubmittedAt = &v
	}
	if a.ReviewedAt != nil {
		v := *a.ReviewedAt
		out.ReviewedAt = &v
	}
	return out
}
