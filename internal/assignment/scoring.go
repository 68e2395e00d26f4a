package assignment

import (
	"math"
	"strings"
	"time"

	"cogtest/internal/question"
)

type OutcomeKind string

const (
	OutcomeFinalized           OutcomeKind = "FINALIZED"
	OutcomePendingManualReview OutcomeKind = "PENDING_MANUAL_REVIEW"
)

type QuestionScore struct {
	QuestionID     string        `json:"question_id"`
	Code           question.Code `json:"code"`
	Points         float64       `json:"points"`
	Score          *float64      `json:"score,omitempty"`
	IsCorrect      *bool         `json:"is_correct,omitempty"`
	RequiresManual bool          `json:"requires_manual"`
	Reason         string        `json:"reason"`
}

type FinalizationOutcome struct {
	Kind               OutcomeKind     `json:"kind"`
	Items              []QuestionScore `json:"items"`
	TotalScore         float64         `json:"total_score"`
	TotalPoints        float64         `json:"total_points"`
	ScorePercent       *int            `json:"score_percent,omitempty"`
	PendingQuestionIDs []string        `json:"pending_question_ids,omitempty"`
}

type FinalResult struct {
	Items        []QuestionScore `json:"items"`
	TotalScore   float64         `json:"total_score"`
	TotalPoints  float64         `json:"total_points"`
	ScorePercent int             `json:"score_percent"`
	Notes        string          `json:"notes,omitempty"`
}

// Percentage rounds half up to a whole percent. It is 0 when points is not
// positive.
func Percentage(score, points float64) int {
	if !(points > 0) {
		return 0
	}
	return int(math.Round(100 * score / points))
}

func autoScores(t question.Test, a Assignment) []QuestionScore {
	items := make([]QuestionScore, 0, len(t.Questions))
	for _, q := range t.Questions {
		ans, answered := a.Answers[q.ID]
		res := question.ScoreQuestion(question.ScoreInput{
			Question:  q,
			RawAnswer: ans.RawAnswer,
			Answered:  answered,
		})
		items = append(items, QuestionScore{
			QuestionID:     q.ID,
			Code:           q.Code(),
			Points:         q.Points,
			Score:          res.Score,
			IsCorrect:      res.IsCorrect,
			RequiresManual: res.RequiresManual,
			Reason:         res.Reason,
		})
	}
	return items
}

// Finalize scores a submittable assignment. It does not modify a.
func Finalize(t question.Test, a Assignment) (FinalizationOutcome, error) {
	if err := a.CheckSubmittable(t); err != nil {
		return FinalizationOutcome{}, err
	}

	out := FinalizationOutcome{Items: autoScores(t, a)}
	for _, it := range out.Items {
		out.TotalPoints += it.Points
		if it.RequiresManual {
			out.PendingQuestionIDs = append(out.PendingQuestionIDs, it.QuestionID)
			continue
		}
		if it.Score != nil {
			out.TotalScore += *it.Score
		}
	}

	if len(out.PendingQuestionIDs) > 0 {
		out.Kind = OutcomePendingManualReview
		return out, nil
	}
	pct := Percentage(out.TotalScore, out.TotalPoints)
	out.Kind = OutcomeFinalized
	out.ScorePercent = &pct
	return out, nil
}

// ApplyFinalization completes a with the outcome of Finalize. Results are
// attached only for a fully automatic outcome.
func (a *Assignment) ApplyFinalization(o FinalizationOutcome, now time.Time) error {
	if a.Status == StatusCompleted {
		return ErrAlreadyCompleted
	}
	for _, it := range o.Items {
		if it.RequiresManual {
			continue
		}
		ans, ok := a.Answers[it.QuestionID]
		if !ok {
			continue
		}
		ans.Score = it.Score
		ans.IsCorrect = it.IsCorrect
		a.Answers[it.QuestionID] = ans
	}

	a.Status = StatusCompleted
	a.SubmittedAt = &now
	a.UpdatedAt = now
	if o.Kind == OutcomeFinalized && o.ScorePercent != nil {
		a.Results = &Results{ScorePercent: *o.ScorePercent}
	}
	return nil
}

// Reconcile merges clinician scores into the automatic ones. Every question
// that needs manual scoring must have a score within [0, points]; scores for
// other questions are ignored. Nothing is produced unless all are valid.
func Reconcile(t question.Test, a Assignment, manual map[string]float64, notes string) (FinalResult, error) {
	if a.Status != StatusCompleted {
		return FinalResult{}, ErrNotAwaitingReview
	}
	if a.Results != nil {
		return FinalResult{}, ErrAlreadyScored
	}

	items := autoScores(t, a)
	var missing []string
	for _, it := range items {
		if !it.RequiresManual {
			continue
		}
		if _, ok := manual[it.QuestionID]; !ok {
			missing = append(missing, it.QuestionID)
		}
	}
	if len(missing) > 0 {
		return FinalResult{}, &MissingManualScoreError{QuestionIDs: missing}
	}

	out := FinalResult{Items: items, Notes: strings.TrimSpace(notes)}
	for i := range out.Items {
		it := &out.Items[i]
		out.TotalPoints += it.Points
		if it.RequiresManual {
			v := manual[it.QuestionID]
			if math.IsNaN(v) || v < 0 || v > it.Points {
				return FinalResult{}, &InvalidManualScoreError{QuestionID: it.QuestionID, Score: v, Max: it.Points}
			}
			it.Score = &v
		}
		if it.Score != nil {
			out.TotalScore += *it.Score
		}
	}
	out.ScorePercent = Percentage(out.TotalScore, out.TotalPoints)
	return out, nil
}

// ApplyReview attaches the reconciled result. After this the assignment is
// immutable for scoring.
func (a *Assignment) ApplyReview(r FinalResult, now time.Time) error {
	if a.Status != StatusCompleted {
		return ErrNotAwaitingReview
	}
	if a.Results != nil {
		return ErrAlreadyScored
	}
	for _, it := range r.Items {
		ans, ok := a.Answers[it.QuestionID]
		if !ok {
			continue
		}
		ans.Score = it.Score
		if it.IsCorrect != nil {
			ans.IsCorrect = it.IsCorrect
		}
		a.Answers[it.QuestionID] = ans
	}
	a.Results = &Results{ScorePercent: r.ScorePercent, Notes: r.Notes}
	a.ReviewedAt = &now
	a.UpdatedAt = now
	return nil
}

// ReviewItem pairs a question with the patient's answer and its automatic
// score for the clinician.
type ReviewItem struct {
	Question  question.Question `json:"question"`
	RawAnswer string            `json:"raw_answer"`
	QuestionScore
}

type Review struct {
	Assignment     Assignment   `json:"assignment"`
	TestName       string       `json:"test_name"`
	Items          []ReviewItem `json:"items"`
	Score          float64      `json:"score"`
	TotalPoints    float64      `json:"total_points"`
	AwaitingReview bool         `json:"awaiting_review"`
	PendingIDs     []string     `json:"pending_question_ids,omitempty"`
}

func BuildReview(t question.Test, a Assignment) Review {
	scores := autoScores(t, a)
	rv := Review{
		Assignment:     a,
		TestName:       t.Name,
		Items:          make([]ReviewItem, 0, len(scores)),
		AwaitingReview: a.AwaitingReview(),
	}
	for i, s := range scores {
		// stored scores win once a review attached them
		if ans, ok := a.Answers[s.QuestionID]; ok && ans.Score != nil {
			s.Score = ans.Score
		}
		rv.TotalPoints += s.Points
		if s.RequiresManual && rv.AwaitingReview {
			rv.PendingIDs = append(rv.PendingIDs, s.QuestionID)
		} else if s.Score != nil {
			rv.Score += *s.Score
		}
		rv.Items = append(rv.Items, ReviewItem{
			Question:      t.Questions[i],
			RawAnswer:     a.Answers[s.QuestionID].RawAnswer,
			QuestionScore: s,
		})
	}
	return rv
}
