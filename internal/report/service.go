// Package report aggregates the results of one test across its assignments.
package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"cogtest/internal/assignment"
	"cogtest/internal/auth"
	"cogtest/internal/question"

	"github.com/xuri/excelize/v2"
)

var ErrForbidden = errors.New("report forbidden")

type assignmentLister interface {
	ListAssignments(ctx context.Context, f assignment.ListFilter) ([]assignment.Assignment, error)
}

type testCatalog interface {
	GetTest(ctx context.Context, id string) (*question.Test, error)
}

type patientDirectory interface {
	ListPatients(ctx context.Context, doctorID string) ([]auth.User, error)
}

type Service struct {
	assignments assignmentLister
	catalog     testCatalog
	patients    patientDirectory
}

type TestSummary struct {
	TestID         string `json:"test_id"`
	TestName       string `json:"test_name"`
	Assigned       int    `json:"assigned"`
	Pending        int    `json:"pending"`
	InProgress     int    `json:"in_progress"`
	Finalized      int    `json:"finalized"`
	AwaitingReview int    `json:"awaiting_review"`
	// Score fields cover finalized assignments only and are nil without any.
	AverageScore *float64 `json:"average_score,omitempty"`
	HighestScore *int     `json:"highest_score,omitempty"`
	LowestScore  *int     `json:"lowest_score,omitempty"`
}

type Row struct {
	AssignmentID string     `json:"assignment_id"`
	PatientID    string     `json:"patient_id"`
	PatientName  string     `json:"patient_name"`
	Status       string     `json:"status"`
	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`
	ScorePercent *int       `json:"score_percent,omitempty"`
	Notes        string     `json:"notes,omitempty"`
}

func NewService(assignments assignmentLister, catalog testCatalog, patients patientDirectory) *Service {
	return &Service{assignments: assignments, catalog: catalog, patients: patients}
}

func (s *Service) load(ctx context.Context, testID, doctorID string) (*question.Test, []assignment.Assignment, error) {
	t, err := s.catalog.GetTest(ctx, testID)
	if err != nil {
		return nil, nil, err
	}
	if t.DoctorID != doctorID {
		return nil, nil, ErrForbidden
	}
	items, err := s.assignments.ListAssignments(ctx, assignment.ListFilter{TestID: testID, DoctorID: doctorID})
	if err != nil {
		return nil, nil, fmt.Errorf("list assignments: %w", err)
	}
	return t, items, nil
}

func (s *Service) SummaryByTest(ctx context.Context, testID, doctorID string) (*TestSummary, error) {
	t, items, err := s.load(ctx, testID, doctorID)
	if err != nil {
		return nil, err
	}
	return summarize(t, items), nil
}

func summarize(t *question.Test, items []assignment.Assignment) *TestSummary {
	out := &TestSummary{TestID: t.ID, TestName: t.Name, Assigned: len(items)}
	total := 0
	for _, a := range items {
		switch {
		case a.Status == assignment.StatusPending:
			out.Pending++
		case a.Status == assignment.StatusInProgress:
			out.InProgress++
		case a.AwaitingReview():
			out.AwaitingReview++
		case a.Results != nil:
			out.Finalized++
			pct := a.Results.ScorePercent
			total += pct
			if out.HighestScore == nil || pct > *out.HighestScore {
				v := pct
				out.HighestScore = &v
			}
			if out.LowestScore == nil || pct < *out.LowestScore {
				v := pct
				out.LowestScore = &v
			}
		}
	}
	if out.Finalized > 0 {
		avg := float64(total) / float64(out.Finalized)
		out.AverageScore = &avg
	}
	return out
}

func (s *Service) Rows(ctx context.Context, testID, doctorID string) ([]Row, error) {
	_, items, err := s.load(ctx, testID, doctorID)
	if err != nil {
		return nil, err
	}
	names := map[string]string{}
	if s.patients != nil {
		patients, err := s.patients.ListPatients(ctx, doctorID)
		if err != nil {
			return nil, fmt.Errorf("list patients: %w", err)
		}
		for _, p := range patients {
			names[p.ID] = p.FullName
		}
	}

	rows := make([]Row, 0, len(items))
	for _, a := range items {
		row := Row{
			AssignmentID: a.ID,
			PatientID:    a.PatientID,
			PatientName:  names[a.PatientID],
			Status:       string(a.Status),
			SubmittedAt:  a.SubmittedAt,
			ReviewedAt:   a.ReviewedAt,
		}
		if a.AwaitingReview() {
			row.Status = "AWAITING_REVIEW"
		}
		if a.Results != nil {
			v := a.Results.ScorePercent
			row.ScorePercent = &v
			row.Notes = a.Results.Notes
		}
		rows = append(rows, row)
	}
	return rows, nil
}

var exportHeaders = []string{"assignment_id", "patient", "status", "submitted_at", "reviewed_at", "score_percent", "notes"}

func (s *Service) ExportResultsExcel(ctx context.Context, testID, doctorID string) ([]byte, error) {
	rows, err := s.Rows(ctx, testID, doctorID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := f.GetSheetName(0)
	for i, h := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	for i, r := range rows {
		patient := r.PatientName
		if patient == "" {
			patient = r.PatientID
		}
		values := []any{r.AssignmentID, patient, r.Status, formatTime(r.SubmittedAt), formatTime(r.ReviewedAt), "", r.Notes}
		if r.ScorePercent != nil {
			values[5] = *r.ScorePercent
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}
	_ = f.SetColWidth(sheet, "A", "G", 22)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write excel: %w", err)
	}
	return buf.Bytes(), nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
