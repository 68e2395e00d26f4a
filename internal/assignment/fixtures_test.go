package assignment

import (
	"time"

	"cogtest/internal/question"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func mc(id string, points float64, correct int) question.Question {
	return question.Question{
		ID:       id,
		Category: question.Category{Code: question.CodeMultipleChoice},
		Points:   points,
		Body:     question.MultipleChoice{Options: []string{"a", "b", "c"}, CorrectOptionIndex: correct},
	}
}

func essay(id string, points float64) question.Question {
	return question.Question{
		ID:       id,
		Category: question.Category{Code: question.CodeEssay},
		Points:   points,
		Body:     question.Essay{},
	}
}

func autoTest() question.Test {
	return question.Test{ID: "t-auto", Name: "Auto", Questions: []question.Question{mc("q1", 1, 0), mc("q2", 1, 1), mc("q3", 1, 2)}}
}

func mixedTest() question.Test {
	return question.Test{ID: "t-mixed", Name: "Mixed", Questions: []question.Question{mc("q1", 2, 1), essay("q2", 3), mc("q3", 1, 0)}}
}

func newAssignment(testID string) Assignment {
	return Assignment{
		ID:        "a-1",
		TestID:    testID,
		PatientID: "p-1",
		DoctorID:  "d-1",
		Status:    StatusPending,
		StartDate: t0,
		Answers:   map[string]Answer{},
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func answered(t question.Test, answers map[string]string) Assignment {
	a := newAssignment(t.ID)
	for _, q := range t.Questions {
		if raw, ok := answers[q.ID]; ok {
			if err := a.RecordAnswer(t, q.ID, raw, t0); err != nil {
				panic(err)
			}
		}
	}
	return a
}
