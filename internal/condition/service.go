// Package condition keeps the catalog of clinical conditions doctors tag
// patients with.
package condition

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrConditionNotFound = errors.New("condition not found")
	ErrConditionExists   = errors.New("condition already exists")
	ErrInvalidInput      = errors.New("invalid input")
)

const maxNameLen = 200

type Condition struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Patients  int       `json:"patients"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Service struct {
	db  *sql.DB
	now func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: time.Now}
}

func normalizeName(name string) (string, error) {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if len(name) > maxNameLen {
		return "", fmt.Errorf("%w: name is too long", ErrInvalidInput)
	}
	return name, nil
}

// List returns every condition with the number of patients tagged with it.
func (s *Service) List(ctx context.Context) ([]Condition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.created_at, c.updated_at, COUNT(pc.patient_id)
		FROM conditions c
		LEFT JOIN patient_conditions pc ON pc.condition_id = c.id
		GROUP BY c.id, c.name, c.created_at, c.updated_at
		ORDER BY c.name ASC, c.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query conditions: %w", err)
	}
	defer rows.Close()

	out := make([]Condition, 0)
	for rows.Next() {
		var (
			c                    Condition
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&c.ID, &c.Name, &createdAt, &updatedAt, &c.Patients); err != nil {
			return nil, fmt.Errorf("scan condition: %w", err)
		}
		c.CreatedAt = time.UnixMilli(createdAt).UTC()
		c.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conditions: %w", err)
	}
	return out, nil
}

func (s *Service) Create(ctx context.Context, name string) (*Condition, error) {
	name, err := normalizeName(name)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create condition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := checkNameFree(ctx, tx, name, ""); err != nil {
		return nil, err
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	c := &Condition{ID: uuid.NewString(), Name: name, CreatedAt: now, UpdatedAt: now}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conditions (id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
	`, c.ID, c.Name, now.UnixMilli(), now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("insert condition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit condition: %w", err)
	}
	return c, nil
}

// Rename changes the name of a condition. Tagged patients follow the id, so
// they see the new name.
func (s *Service) Rename(ctx context.Context, id, name string) (*Condition, error) {
	name, err := normalizeName(name)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rename condition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var c Condition
	var createdAt int64
	if err := tx.QueryRowContext(ctx, `SELECT id, created_at FROM conditions WHERE id = $1`, id).Scan(&c.ID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConditionNotFound
		}
		return nil, fmt.Errorf("load condition: %w", err)
	}
	if err := checkNameFree(ctx, tx, name, id); err != nil {
		return nil, err
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	if _, err := tx.ExecContext(ctx, `
		UPDATE conditions SET name = $2, updated_at = $3 WHERE id = $1
	`, id, name, now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("rename condition: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM patient_conditions WHERE condition_id = $1`, id).Scan(&c.Patients); err != nil {
		return nil, fmt.Errorf("count tagged patients: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rename condition: %w", err)
	}
	c.Name = name
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	c.UpdatedAt = now
	return &c, nil
}

// Delete removes a condition and untags every patient carrying it.
func (s *Service) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete condition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM patient_conditions WHERE condition_id = $1`, id); err != nil {
		return fmt.Errorf("untag condition: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conditions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete condition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConditionNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete condition: %w", err)
	}
	return nil
}

// checkNameFree rejects a name already used by another condition, ignoring
// case.
func checkNameFree(ctx context.Context, tx *sql.Tx, name, exceptID string) error {
	var found int
	err := tx.QueryRowContext(ctx, `
		SELECT 1 FROM conditions WHERE LOWER(name) = LOWER($1) AND id <> $2
	`, name, exceptID).Scan(&found)
	if err == nil {
		return ErrConditionExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check condition name: %w", err)
	}
	return nil
}
