package question

import (
	"strconv"
	"strings"
)

const (
	ReasonCorrect    = "correct"
	ReasonWrong      = "wrong"
	ReasonMalformed  = "malformed_answer"
	ReasonUnanswered = "unanswered"
	ReasonManual     = "manual"
)

type ScoreInput struct {
	Question  Question
	RawAnswer string
	// Answered is false when the patient never saved an answer.
	Answered bool
}

type ScoreResult struct {
	Answered       bool     `json:"answered"`
	RequiresManual bool     `json:"requires_manual"`
	IsCorrect      *bool    `json:"is_correct,omitempty"`
	Score          *float64 `json:"score,omitempty"`
	Reason         string   `json:"reason"`
}

// ScoreQuestion computes the automatic score of one answer. Only multiple
// choice is auto scored; every other category is left to the clinician and
// gets RequiresManual with a nil Score.
func ScoreQuestion(in ScoreInput) ScoreResult {
	answered := in.Answered && strings.TrimSpace(in.RawAnswer) != ""

	switch b := in.Question.Body.(type) {
	case MultipleChoice:
		return scoreMultipleChoice(b, in.Question.Points, in.RawAnswer, answered)
	default:
		return ScoreResult{Answered: answered, RequiresManual: true, Reason: ReasonManual}
	}
}

func scoreMultipleChoice(b MultipleChoice, points float64, raw string, answered bool) ScoreResult {
	if !answered {
		zero := 0.0
		return ScoreResult{Answered: false, IsCorrect: nil, Score: &zero, Reason: ReasonUnanswered}
	}

	idx, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || idx < 0 || idx >= len(b.Options) {
		zero := 0.0
		return ScoreResult{Answered: true, IsCorrect: boolPtr(false), Score: &zero, Reason: ReasonMalformed}
	}

	if idx == b.CorrectOptionIndex {
		earned := points
		return ScoreResult{Answered: true, IsCorrect: boolPtr(true), Score: &earned, Reason: ReasonCorrect}
	}
	zero := 0.0
	return ScoreResult{Answered: true, IsCorrect: boolPtr(false), Score: &zero, Reason: ReasonWrong}
}

func boolPtr(v bool) *bool {
	return &v
}
