package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// ProfileInput is the editable part of a doctor's own profile.
type ProfileInput struct {
	FullName   string
	Email      string
	Phone      string
	Speciality string
	Address    string
}

func (s *Service) GetProfile(ctx context.Context, userID string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1 AND is_active = TRUE
	`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query profile: %w", err)
	}
	return u, nil
}

func (s *Service) UpdateProfile(ctx context.Context, userID string, in ProfileInput) (*User, error) {
	in.FullName = strings.TrimSpace(in.FullName)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Phone = strings.TrimSpace(in.Phone)
	in.Speciality = strings.TrimSpace(in.Speciality)
	in.Address = strings.TrimSpace(in.Address)
	if in.FullName == "" {
		return nil, fmt.Errorf("%w: full name is required", ErrInvalidInput)
	}
	if in.Email != "" {
		if _, err := mail.ParseAddress(in.Email); err != nil {
			return nil, fmt.Errorf("%w: invalid email", ErrInvalidInput)
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET full_name = $2, email = $3, phone = $4, speciality = $5, address = $6
		WHERE id = $1 AND is_active = TRUE
	`, userID, in.FullName, in.Email, in.Phone, in.Speciality, in.Address)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrUserNotFound
	}
	return s.GetProfile(ctx, userID)
}
