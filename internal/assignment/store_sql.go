package assignment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	internaldb "cogtest/internal/db"
)

const assignmentColumns = `id, test_id, patient_id, doctor_id, status, start_date, end_date,
	timer_json, answers_json, score_percent, notes, submitted_at, reviewed_at, created_at, updated_at`

// SQLRepository stores assignments in the assignments table. Answers are
// kept as one JSON document per row.
type SQLRepository struct {
	db     *sql.DB
	driver internaldb.Driver
}

func NewSQLRepository(db *sql.DB, driver internaldb.Driver) *SQLRepository {
	return &SQLRepository{db: db, driver: driver}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLRepository) Create(ctx context.Context, a Assignment) error {
	args, err := rowArgs(a)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO assignments (`+assignmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, args...); err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

func (r *SQLRepository) Get(ctx context.Context, id string) (Assignment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id = $1`, id)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Assignment{}, ErrAssignmentNotFound
	}
	if err != nil {
		return Assignment{}, fmt.Errorf("query assignment: %w", err)
	}
	return a, nil
}

func (r *SQLRepository) List(ctx context.Context, f ListFilter) ([]Assignment, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("patient_id", f.PatientID)
	add("doctor_id", f.DoctorID)
	add("test_id", f.TestID)
	add("status", string(f.Status))

	q := `SELECT ` + assignmentColumns + ` FROM assignments`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id ASC`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	out := make([]Assignment, 0)
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return out, nil
}

func (r *SQLRepository) Update(ctx context.Context, id string, fn func(*Assignment) error) (Assignment, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Assignment{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	q := `SELECT ` + assignmentColumns + ` FROM assignments WHERE id = $1`
	if r.driver == internaldb.DriverPostgres {
		q += ` FOR UPDATE`
	}
	a, err := scanAssignment(tx.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Assignment{}, ErrAssignmentNotFound
	}
	if err != nil {
		return Assignment{}, fmt.Errorf("lock assignment: %w", err)
	}

	if err := fn(&a); err != nil {
		return Assignment{}, err
	}

	args, err := rowArgs(a)
	if err != nil {
		return Assignment{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE assignments
		SET test_id = $2, patient_id = $3, doctor_id = $4, status = $5, start_date = $6, end_date = $7,
			timer_json = $8, answers_json = $9, score_percent = $10, notes = $11,
			submitted_at = $12, reviewed_at = $13, created_at = $14, updated_at = $15
		WHERE id = $1
	`, args...); err != nil {
		return Assignment{}, fmt.Errorf("update assignment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Assignment{}, fmt.Errorf("commit assignment: %w", err)
	}
	return a, nil
}

func rowArgs(a Assignment) ([]any, error) {
	answers := a.Answers
	if answers == nil {
		answers = map[string]Answer{}
	}
	answersJSON, err := json.Marshal(answers)
	if err != nil {
		return nil, fmt.Errorf("marshal answers: %w", err)
	}
	timerJSON := ""
	if a.Timer != nil {
		raw, err := json.Marshal(a.Timer)
		if err != nil {
			return nil, fmt.Errorf("marshal timer: %w", err)
		}
		timerJSON = string(raw)
	}
	var (
		score sql.NullInt64
		notes string
	)
	if a.Results != nil {
		score = sql.NullInt64{Int64: int64(a.Results.ScorePercent), Valid: true}
		notes = a.Results.Notes
	}
	return []any{
		a.ID, a.TestID, a.PatientID, a.DoctorID, string(a.Status),
		a.StartDate.UnixMilli(), nullMillis(a.EndDate),
		timerJSON, string(answersJSON), score, notes,
		nullMillis(a.SubmittedAt), nullMillis(a.ReviewedAt),
		a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli(),
	}, nil
}

func scanAssignment(row rowScanner) (Assignment, error) {
	var (
		a                        Assignment
		status                   string
		start, created, updated  int64
		end, submitted, reviewed sql.NullInt64
		timerJSON, answersJSON   string
		score                    sql.NullInt64
		notes                    string
	)
	if err := row.Scan(&a.ID, &a.TestID, &a.PatientID, &a.DoctorID, &status, &start, &end,
		&timerJSON, &answersJSON, &score, &notes, &submitted, &reviewed, &created, &updated); err != nil {
		return Assignment{}, err
	}
	a.Status = Status(status)
	a.StartDate = fromMillis(start)
	a.EndDate = fromNullMillis(end)
	a.SubmittedAt = fromNullMillis(submitted)
	a.ReviewedAt = fromNullMillis(reviewed)
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)

	if timerJSON != "" {
		var tm Timer
		if err := json.Unmarshal([]byte(timerJSON), &tm); err != nil {
			return Assignment{}, fmt.Errorf("decode timer: %w", err)
		}
		a.Timer = &tm
	}
	a.Answers = map[string]Answer{}
	if answersJSON != "" {
		if err := json.Unmarshal([]byte(answersJSON), &a.Answers); err != nil {
			return Assignment{}, fmt.Errorf("decode answers: %w", err)
		}
	}
	if score.Valid {
		a.Results = &Results{ScorePercent: int(score.Int64), Notes: notes}
	}
	return a, nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
