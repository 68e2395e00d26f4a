package question

import (
	"fmt"
	"strings"
	"time"
)

// Test is an ordered list of questions authored by a doctor.
type Test struct {
	ID        string     `json:"id"`
	DoctorID  string     `json:"doctor_id"`
	Name      string     `json:"name"`
	Notes     string     `json:"notes,omitempty"`
	Questions []Question `json:"questions"`
	CreatedAt time.Time  `json:"created_at"`
}

func (t Test) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: test name is required", ErrInvalidInput)
	}
	if len(t.Questions) == 0 {
		return fmt.Errorf("%w: a test needs at least one question", ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(t.Questions))
	for _, q := range t.Questions {
		if err := q.Validate(); err != nil {
			return err
		}
		if _, dup := seen[q.ID]; dup {
			return fmt.Errorf("%w: duplicate question id %s", ErrInvalidInput, q.ID)
		}
		seen[q.ID] = struct{}{}
	}
	return nil
}

// Question looks up a question by id.
func (t Test) Question(id string) (Question, bool) {
	for _, q := range t.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

func (t Test) TotalPoints() float64 {
	total := 0.0
	for _, q := range t.Questions {
		total += q.Points
	}
	return total
}

func (t Test) WithoutAnswerKeys() Test {
	out := t
	out.Questions = make([]Question, len(t.Questions))
	for i, q := range t.Questions {
		out.Questions[i] = q.WithoutAnswerKey()
	}
	return out
}
