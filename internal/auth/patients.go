package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// PatientUpdate replaces the editable fields of a patient. An empty Password
// keeps the current one; nil Conditions keeps the current tags.
type PatientUpdate struct {
	FullName   string
	Email      string
	Phone      string
	Address    string
	Password   string
	Conditions []string
}

func (in PatientUpdate) normalize() (PatientUpdate, error) {
	in.FullName = strings.TrimSpace(in.FullName)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Phone = strings.TrimSpace(in.Phone)
	in.Address = strings.TrimSpace(in.Address)
	if in.FullName == "" {
		return in, fmt.Errorf("%w: full name is required", ErrInvalidInput)
	}
	if in.Password != "" && len(in.Password) < 8 {
		return in, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}
	if in.Email != "" {
		if _, err := mail.ParseAddress(in.Email); err != nil {
			return in, fmt.Errorf("%w: invalid email", ErrInvalidInput)
		}
	}
	if in.Conditions != nil {
		seen := make(map[string]struct{}, len(in.Conditions))
		ids := make([]string, 0, len(in.Conditions))
		for _, id := range in.Conditions {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		sort.Strings(ids)
		in.Conditions = ids
	}
	return in, nil
}

// UpdatePatient edits an active patient of doctorID.
func (s *Service) UpdatePatient(ctx context.Context, doctorID, patientID string, in PatientUpdate) (*User, error) {
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}
	var hash []byte
	if in.Password != "" {
		if hash, err = bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost); err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	u, err := scanUser(tx.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1 AND role = $2 AND doctor_id = $3 AND is_active = TRUE
	`, patientID, RolePatient, doctorID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users
		SET full_name = $2, email = $3, phone = $4, address = $5
		WHERE id = $1
	`, u.ID, in.FullName, in.Email, in.Phone, in.Address); err != nil {
		return nil, fmt.Errorf("update patient: %w", err)
	}
	if hash != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, u.ID, string(hash)); err != nil {
			return nil, fmt.Errorf("update patient password: %w", err)
		}
	}
	if in.Conditions != nil {
		if err := replaceConditions(ctx, tx, u.ID, in.Conditions); err != nil {
			return nil, err
		}
	}
	conditions, err := patientConditions(ctx, tx, u.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit patient: %w", err)
	}

	u.FullName, u.Email, u.Phone, u.Address = in.FullName, in.Email, in.Phone, in.Address
	u.Conditions = conditions
	return u, nil
}

// DeletePatient deactivates a patient and revokes their sessions. The row
// stays so past assignments keep their patient.
func (s *Service) DeletePatient(ctx context.Context, doctorID, patientID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE users
		SET is_active = FALSE
		WHERE id = $1 AND role = $2 AND doctor_id = $3 AND is_active = TRUE
	`, patientID, RolePatient, doctorID)
	if err != nil {
		return fmt.Errorf("deactivate patient: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE auth_sessions
		SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL
	`, patientID, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("revoke patient sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete patient: %w", err)
	}
	return nil
}

func replaceConditions(ctx context.Context, tx *sql.Tx, patientID string, ids []string) error {
	for _, id := range ids {
		var found int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM conditions WHERE id = $1`, id).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: unknown condition %s", ErrInvalidInput, id)
		}
		if err != nil {
			return fmt.Errorf("check condition: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM patient_conditions WHERE patient_id = $1`, patientID); err != nil {
		return fmt.Errorf("clear patient conditions: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO patient_conditions (patient_id, condition_id)
			VALUES ($1, $2)
		`, patientID, id); err != nil {
			return fmt.Errorf("tag patient condition: %w", err)
		}
	}
	return nil
}

func patientConditions(ctx context.Context, tx *sql.Tx, patientID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT condition_id FROM patient_conditions
		WHERE patient_id = $1
		ORDER BY condition_id ASC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query patient conditions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan patient condition: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// doctorPatientConditions maps each patient of doctorID to its condition ids.
func (s *Service) doctorPatientConditions(ctx context.Context, doctorID string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pc.patient_id, pc.condition_id
		FROM patient_conditions pc
		JOIN users u ON u.id = pc.patient_id
		WHERE u.doctor_id = $1
		ORDER BY pc.patient_id ASC, pc.condition_id ASC
	`, doctorID)
	if err != nil {
		return nil, fmt.Errorf("query patient conditions: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var patientID, conditionID string
		if err := rows.Scan(&patientID, &conditionID); err != nil {
			return nil, fmt.Errorf("scan patient condition: %w", err)
		}
		out[patientID] = append(out[patientID], conditionID)
	}
	return out, rows.Err()
}
