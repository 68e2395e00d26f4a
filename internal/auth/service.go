package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	RoleDoctor  = "doctor"
	RolePatient = "patient"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrUserNotFound       = errors.New("user not found")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidInput       = errors.New("invalid input")
)

type Service struct {
	db         *sql.DB
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	sessionTTL time.Duration
	bcryptCost int
	now        func() time.Time
}

type ServiceConfig struct {
	JWTSecret  string
	Issuer     string
	AccessTTL  time.Duration
	SessionTTL time.Duration
	BcryptCost int
}

type User struct {
	ID         string   `json:"id"`
	Username   string   `json:"username"`
	FullName   string   `json:"full_name"`
	Role       string   `json:"role"`
	DoctorID   string   `json:"doctor_id,omitempty"`
	Email      string   `json:"email,omitempty"`
	Phone      string   `json:"phone,omitempty"`
	Speciality string   `json:"speciality,omitempty"`
	Address    string   `json:"address,omitempty"`
	Conditions []string `json:"conditions,omitempty"`
}

// Claims is the access token payload. Sid names the auth_sessions row that
// keeps the token refreshable.
type Claims struct {
	Sid  string `json:"sid"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Token is an issued access token.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	SessionID   string    `json:"-"`
	SessionEnd  time.Time `json:"-"`
}

type BootstrapDoctor struct {
	Username string
	Password string
	FullName string
}

func NewService(db *sql.DB, cfg ServiceConfig) *Service {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.BcryptCost <= 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "cogtest"
	}
	return &Service{
		db:         db,
		secret:     []byte(cfg.JWTSecret),
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		sessionTTL: cfg.SessionTTL,
		bcryptCost: cfg.BcryptCost,
		now:        time.Now,
	}
}

const userColumns = `id, username, full_name, role, doctor_id, email, phone, speciality, address`

func scanUser(row interface{ Scan(...any) error }, extra ...any) (*User, error) {
	var u User
	var doctorID sql.NullString
	dest := append([]any{&u.ID, &u.Username, &u.FullName, &u.Role, &doctorID, &u.Email, &u.Phone, &u.Speciality, &u.Address}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	u.DoctorID = doctorID.String
	return &u, nil
}

func (s *Service) AuthenticatePassword(ctx context.Context, username, password string) (*User, error) {
	username = normalizeUsername(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	var (
		passwordHash string
		active       bool
	)
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`, password_hash, is_active
		FROM users
		WHERE username = $1
	`, username), &passwordHash, &active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !active {
		return nil, ErrForbidden
	}
	return u, nil
}

// CreateSession records a refreshable session and issues its first access
// token.
func (s *Service) CreateSession(ctx context.Context, user *User, ipAddress, userAgent string) (*Token, error) {
	now := s.now().UTC()
	sid := uuid.NewString()
	end := now.Add(s.sessionTTL)
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_sessions (id, user_id, expires_at, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sid, user.ID, end.UnixMilli(), strings.TrimSpace(ipAddress), truncate(userAgent, 255), now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	tok, err := s.issue(user.ID, user.Role, sid, now)
	if err != nil {
		return nil, err
	}
	tok.SessionEnd = end
	return tok, nil
}

func (s *Service) issue(userID, role, sid string, now time.Time) (*Token, error) {
	exp := now.Add(s.accessTTL)
	claims := &Claims{
		Sid:  sid,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Token{AccessToken: signed, ExpiresAt: exp, SessionID: sid}, nil
}

func (s *Service) parse(token string, validateClaims bool) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	}
	if !validateClaims {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrUnauthorized
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || c.Sid == "" || c.Subject == "" {
		return nil, ErrUnauthorized
	}
	return c, nil
}

func (s *Service) sessionUser(ctx context.Context, c *Claims) (*User, error) {
	var active bool
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, u.full_name, u.role, u.doctor_id, u.email, u.phone, u.speciality, u.address, u.is_active
		FROM auth_sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.id = $1
		  AND s.user_id = $2
		  AND s.revoked_at IS NULL
		  AND s.expires_at > $3
	`, c.Sid, c.Subject, s.now().UnixMilli()), &active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("query session user: %w", err)
	}
	if !active {
		return nil, ErrUnauthorized
	}
	return u, nil
}

// GetSessionUser validates an unexpired access token and its session.
func (s *Service) GetSessionUser(ctx context.Context, token string) (*User, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrUnauthorized
	}
	c, err := s.parse(token, true)
	if err != nil {
		return nil, err
	}
	return s.sessionUser(ctx, c)
}

// Refresh re-issues an access token. The presented token may be expired but
// must carry a valid signature and a live session.
func (s *Service) Refresh(ctx context.Context, token string) (*Token, *User, error) {
	c, err := s.parse(token, false)
	if err != nil {
		return nil, nil, err
	}
	u, err := s.sessionUser(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	tok, err := s.issue(u.ID, u.Role, c.Sid, s.now().UTC())
	if err != nil {
		return nil, nil, err
	}
	return tok, u, nil
}

func (s *Service) RevokeSession(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	c, err := s.parse(token, false)
	if err != nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE auth_sessions
		SET revoked_at = $2
		WHERE id = $1
		  AND revoked_at IS NULL
	`, c.Sid, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// EnsureBootstrapDoctor creates the first doctor account when the username
// is free. An existing account is left untouched.
func (s *Service) EnsureBootstrapDoctor(ctx context.Context, in BootstrapDoctor) (bool, error) {
	username := normalizeUsername(in.Username)
	if username == "" {
		return false, nil
	}
	if len(in.Password) < 8 {
		return false, fmt.Errorf("%w: bootstrap password must be at least 8 characters", ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return false, fmt.Errorf("hash bootstrap password: %w", err)
	}
	fullName := strings.TrimSpace(in.FullName)
	if fullName == "" {
		fullName = "Doctor"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, full_name, role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (username) DO NOTHING
	`, uuid.NewString(), username, string(hash), fullName, RoleDoctor, s.now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert bootstrap doctor: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type PatientInput struct {
	Username string
	Password string
	FullName string
	Email    string
	Phone    string
}

func (in PatientInput) normalize() (PatientInput, error) {
	in.Username = normalizeUsername(in.Username)
	in.FullName = strings.TrimSpace(in.FullName)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Phone = strings.TrimSpace(in.Phone)
	if in.Username == "" || in.FullName == "" {
		return in, fmt.Errorf("%w: username and full name are required", ErrInvalidInput)
	}
	if len(in.Password) < 8 {
		return in, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}
	if in.Email != "" {
		if _, err := mail.ParseAddress(in.Email); err != nil {
			return in, fmt.Errorf("%w: invalid email", ErrInvalidInput)
		}
	}
	return in, nil
}

func (s *Service) CreatePatient(ctx context.Context, doctorID string, in PatientInput) (*User, error) {
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE username = $1`, in.Username).Scan(&exists)
	if err == nil {
		return nil, ErrUsernameTaken
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check username: %w", err)
	}

	u := &User{
		ID:       uuid.NewString(),
		Username: in.Username,
		FullName: in.FullName,
		Role:     RolePatient,
		DoctorID: doctorID,
		Email:    in.Email,
		Phone:    in.Phone,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, full_name, role, doctor_id, email, phone, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, u.ID, u.Username, string(hash), u.FullName, u.Role, doctorID, u.Email, u.Phone, s.now().UnixMilli()); err != nil {
		return nil, fmt.Errorf("insert patient: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit patient: %w", err)
	}
	return u, nil
}

func (s *Service) ListPatients(ctx context.Context, doctorID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE role = $1 AND doctor_id = $2 AND is_active = TRUE
		ORDER BY full_name ASC, username ASC
	`, RolePatient, doctorID)
	if err != nil {
		return nil, fmt.Errorf("query patients: %w", err)
	}
	defer rows.Close()

	out := make([]User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		out = append(out, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patients: %w", err)
	}
	rows.Close()

	tags, err := s.doctorPatientConditions(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Conditions = tags[out[i].ID]
	}
	return out, nil
}

// PatientDoctor returns the doctor responsible for an active patient.
func (s *Service) PatientDoctor(ctx context.Context, patientID string) (string, error) {
	var doctorID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT doctor_id FROM users WHERE id = $1 AND role = $2 AND is_active = TRUE
	`, patientID, RolePatient).Scan(&doctorID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query patient: %w", err)
	}
	return doctorID.String, nil
}

func normalizeUsername(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "._-")
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}

// GenerateSecret returns a random URL-safe secret of n bytes.
func GenerateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
