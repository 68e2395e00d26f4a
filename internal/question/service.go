package question

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTestNotFound = errors.New("test not found")
	ErrTestInUse    = errors.New("test has assignments")
	ErrForbidden    = errors.New("test belongs to another doctor")
)

// Service is the test catalog backed by SQL.
type Service struct {
	db  *sql.DB
	now func() time.Time
}

type CreateTestInput struct {
	DoctorID  string
	Name      string
	Notes     string
	Questions []Question
}

type TestSummary struct {
	ID            string    `json:"id"`
	DoctorID      string    `json:"doctor_id"`
	Name          string    `json:"name"`
	Notes         string    `json:"notes,omitempty"`
	QuestionCount int       `json:"question_count"`
	TotalPoints   float64   `json:"total_points"`
	CreatedAt     time.Time `json:"created_at"`
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// EnsureCategories writes the built-in categories if they are missing.
func (s *Service) EnsureCategories(ctx context.Context) error {
	for _, c := range DefaultCategories() {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO question_categories (id, name, code, supports_file_attachment)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING
		`, c.ID, c.Name, string(c.Code), c.SupportsFileAttachment); err != nil {
			return fmt.Errorf("seed category %s: %w", c.Code, err)
		}
	}
	return nil
}

func (s *Service) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, code, supports_file_attachment
		FROM question_categories
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	out := make([]Category, 0, len(knownCodes))
	for rows.Next() {
		var c Category
		var code string
		if err := rows.Scan(&c.ID, &c.Name, &code, &c.SupportsFileAttachment); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		parsed, ok := ParseCode(code)
		if !ok {
			continue
		}
		c.Code = parsed
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return out, nil
}

func (s *Service) CreateTest(ctx context.Context, in CreateTestInput) (*Test, error) {
	t, err := s.buildTest(ctx, uuid.NewString(), in)
	if err != nil {
		return nil, err
	}
	qj, err := json.Marshal(t.Questions)
	if err != nil {
		return nil, fmt.Errorf("marshal questions: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO tests (id, doctor_id, name, notes, questions_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.DoctorID, t.Name, t.Notes, string(qj), t.CreatedAt.UnixMilli()); err != nil {
		return nil, fmt.Errorf("insert test: %w", err)
	}
	return t, nil
}

// buildTest resolves categories and validates in. It reads the catalog, so
// it must run outside any open transaction.
func (s *Service) buildTest(ctx context.Context, id string, in CreateTestInput) (*Test, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Notes = strings.TrimSpace(in.Notes)
	if strings.TrimSpace(in.DoctorID) == "" {
		return nil, fmt.Errorf("%w: doctor is required", ErrInvalidInput)
	}

	cats, err := s.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	byCode := make(map[Code]Category, len(cats))
	for _, c := range cats {
		byCode[c.Code] = c
	}

	t := Test{
		ID:        id,
		DoctorID:  in.DoctorID,
		Name:      in.Name,
		Notes:     in.Notes,
		Questions: make([]Question, 0, len(in.Questions)),
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	for _, q := range in.Questions {
		if q.Body == nil {
			return nil, fmt.Errorf("%w: question without body", ErrInvalidInput)
		}
		cat, ok := byCode[q.Body.Code()]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, q.Body.Code())
		}
		q.Category = cat
		if strings.TrimSpace(q.ID) == "" {
			q.ID = uuid.NewString()
		}
		q.Description = strings.TrimSpace(q.Description)
		t.Questions = append(t.Questions, q)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTest replaces the name, notes and questions of a test that was never
// assigned. Assigned tests are frozen so stored answers keep their keys.
func (s *Service) UpdateTest(ctx context.Context, id string, in CreateTestInput) (*Test, error) {
	t, err := s.buildTest(ctx, id, in)
	if err != nil {
		return nil, err
	}
	qj, err := json.Marshal(t.Questions)
	if err != nil {
		return nil, fmt.Errorf("marshal questions: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update test tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		owner     string
		createdAt int64
	)
	if err := tx.QueryRowContext(ctx, `SELECT doctor_id, created_at FROM tests WHERE id = $1`, id).Scan(&owner, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("load test owner: %w", err)
	}
	if owner != in.DoctorID {
		return nil, ErrForbidden
	}
	if err := checkUnassigned(ctx, tx, id); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tests
		SET name = $2, notes = $3, questions_json = $4
		WHERE id = $1
	`, id, t.Name, t.Notes, string(qj)); err != nil {
		return nil, fmt.Errorf("update test: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update test: %w", err)
	}
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	return t, nil
}

func checkUnassigned(ctx context.Context, tx *sql.Tx, testID string) error {
	var assigned int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM assignments WHERE test_id = $1`, testID).Scan(&assigned); err != nil {
		return fmt.Errorf("count assignments: %w", err)
	}
	if assigned > 0 {
		return ErrTestInUse
	}
	return nil
}

func (s *Service) GetTest(ctx context.Context, id string) (*Test, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, doctor_id, name, notes, questions_json, created_at
		FROM tests
		WHERE id = $1
	`, id)

	var t Test
	var qjson string
	var createdAt int64
	if err := row.Scan(&t.ID, &t.DoctorID, &t.Name, &t.Notes, &qjson, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("query test: %w", err)
	}
	if err := json.Unmarshal([]byte(qjson), &t.Questions); err != nil {
		return nil, fmt.Errorf("decode questions of test %s: %w", t.ID, err)
	}
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &t, nil
}

func (s *Service) ListTests(ctx context.Context, doctorID string) ([]TestSummary, error) {
	query := `
		SELECT id, doctor_id, name, notes, questions_json, created_at
		FROM tests`
	args := []any{}
	if doctorID != "" {
		query += ` WHERE doctor_id = $1`
		args = append(args, doctorID)
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tests: %w", err)
	}
	defer rows.Close()

	out := make([]TestSummary, 0)
	for rows.Next() {
		var sum TestSummary
		var qjson string
		var createdAt int64
		if err := rows.Scan(&sum.ID, &sum.DoctorID, &sum.Name, &sum.Notes, &qjson, &createdAt); err != nil {
			return nil, fmt.Errorf("scan test: %w", err)
		}
		var qs []Question
		if err := json.Unmarshal([]byte(qjson), &qs); err != nil {
			return nil, fmt.Errorf("decode questions of test %s: %w", sum.ID, err)
		}
		sum.QuestionCount = len(qs)
		sum.TotalPoints = Test{Questions: qs}.TotalPoints()
		sum.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tests: %w", err)
	}
	return out, nil
}

// DeleteTest removes a test that was never assigned.
func (s *Service) DeleteTest(ctx context.Context, id, doctorID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete test tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	if err := tx.QueryRowContext(ctx, `SELECT doctor_id FROM tests WHERE id = $1`, id).Scan(&owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTestNotFound
		}
		return fmt.Errorf("load test owner: %w", err)
	}
	if doctorID != "" && owner != doctorID {
		return ErrForbidden
	}

	if err := checkUnassigned(ctx, tx, id); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tests WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete test: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete test: %w", err)
	}
	return nil
}
