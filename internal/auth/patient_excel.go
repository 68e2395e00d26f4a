package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

type PatientImportRowError struct {
	Row      int    `json:"row"`
	Username string `json:"username,omitempty"`
	Error    string `json:"error"`
}

type PatientImportReport struct {
	TotalRows   int                     `json:"total_rows"`
	SuccessRows int                     `json:"success_rows"`
	FailedRows  int                     `json:"failed_rows"`
	Errors      []PatientImportRowError `json:"errors"`
}

var patientSheetHeaders = []string{"username", "full_name", "email", "phone"}

func (s *Service) ExportPatientsExcel(ctx context.Context, doctorID string) ([]byte, error) {
	items, err := s.ListPatients(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := f.GetSheetName(0)
	for i, h := range patientSheetHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	for i, it := range items {
		for col, v := range []string{it.Username, it.FullName, it.Email, it.Phone} {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}
	_ = f.SetColWidth(sheet, "A", "D", 24)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write excel: %w", err)
	}
	return buf.Bytes(), nil
}

// ImportPatientsExcel creates one patient per data row of the first sheet.
// Rows fail independently; existing usernames are reported, not updated.
func (s *Service) ImportPatientsExcel(ctx context.Context, doctorID string, r io.Reader) (*PatientImportReport, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read spreadsheet", ErrInvalidInput)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: spreadsheet has no sheets", ErrInvalidInput)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("%w: no data rows found", ErrInvalidInput)
	}

	header := map[string]int{}
	for i, h := range rows[0] {
		header[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range []string{"username", "full_name", "password"} {
		if _, ok := header[col]; !ok {
			return nil, fmt.Errorf("%w: missing required column %s", ErrInvalidInput, col)
		}
	}

	report := &PatientImportReport{Errors: make([]PatientImportRowError, 0)}
	for i := 1; i < len(rows); i++ {
		row := rows[i]
		get := func(key string) string {
			idx, ok := header[key]
			if !ok || idx >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[idx])
		}
		in := PatientInput{
			Username: get("username"),
			Password: get("password"),
			FullName: get("full_name"),
			Email:    get("email"),
			Phone:    get("phone"),
		}
		if in.Username == "" && in.FullName == "" && in.Password == "" {
			continue
		}
		report.TotalRows++

		if _, err := s.CreatePatient(ctx, doctorID, in); err != nil {
			msg := err.Error()
			if !errors.Is(err, ErrInvalidInput) && !errors.Is(err, ErrUsernameTaken) {
				msg = "cannot create patient"
			}
			report.FailedRows++
			report.Errors = append(report.Errors, PatientImportRowError{
				Row:      i + 1,
				Username: normalizeUsername(in.Username),
				Error:    msg,
			})
			continue
		}
		report.SuccessRows++
	}
	return report, nil
}
