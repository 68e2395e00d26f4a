package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"cogtest/internal/app/apiresp"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type contextKey string

const (
	userContextKey contextKey = "auth_user"
	userSlotKey    contextKey = "auth_user_slot"
)

const SessionCookieName = "cogtest_session"

const maxImportBytes = 5 << 20

type authService interface {
	AuthenticatePassword(ctx context.Context, username, password string) (*User, error)
	CreateSession(ctx context.Context, user *User, ipAddress, userAgent string) (*Token, error)
	GetSessionUser(ctx context.Context, token string) (*User, error)
	Refresh(ctx context.Context, token string) (*Token, *User, error)
	RevokeSession(ctx context.Context, token string) error
	CreatePatient(ctx context.Context, doctorID string, in PatientInput) (*User, error)
	ListPatients(ctx context.Context, doctorID string) ([]User, error)
	UpdatePatient(ctx context.Context, doctorID, patientID string, in PatientUpdate) (*User, error)
	DeletePatient(ctx context.Context, doctorID, patientID string) error
	GetProfile(ctx context.Context, userID string) (*User, error)
	UpdateProfile(ctx context.Context, userID string, in ProfileInput) (*User, error)
	ImportPatientsExcel(ctx context.Context, doctorID string, r io.Reader) (*PatientImportReport, error)
	ExportPatientsExcel(ctx context.Context, doctorID string) ([]byte, error)
}

type Handler struct {
	svc          authService
	validate     *validator.Validate
	log          *zap.Logger
	secureCookie bool
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        *User     `json:"user"`
}

type createPatientRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,min=8,max=128"`
	FullName string `json:"full_name" validate:"required,max=200"`
	Email    string `json:"email" validate:"omitempty,email"`
	Phone    string `json:"phone" validate:"max=32"`
}

type updatePatientRequest struct {
	FullName   string   `json:"full_name" validate:"required,max=200"`
	Email      string   `json:"email" validate:"omitempty,email"`
	Phone      string   `json:"phone" validate:"max=32"`
	Address    string   `json:"address" validate:"max=500"`
	Password   string   `json:"password" validate:"omitempty,min=8,max=128"`
	Conditions []string `json:"conditions" validate:"omitempty,max=100,dive,required"`
}

type updateProfileRequest struct {
	FullName   string `json:"full_name" validate:"required,max=200"`
	Email      string `json:"email" validate:"omitempty,email"`
	Phone      string `json:"phone" validate:"max=32"`
	Speciality string `json:"speciality" validate:"max=200"`
	Address    string `json:"address" validate:"max=500"`
}

func NewHandler(svc authService, log *zap.Logger, secureCookie bool) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, validate: validator.New(), log: log, secureCookie: secureCookie}
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := h.svc.AuthenticatePassword(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCredentials):
			apiresp.WriteError(w, r, http.StatusUnauthorized, "invalid credentials")
		case errors.Is(err, ErrForbidden):
			apiresp.WriteError(w, r, http.StatusForbidden, "account is not active")
		default:
			h.log.Error("authenticate", zap.Error(err))
			apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}

	tok, err := h.svc.CreateSession(r.Context(), user, readIP(r), r.UserAgent())
	if err != nil {
		h.log.Error("create session", zap.Error(err), zap.String("user_id", user.ID))
		apiresp.WriteError(w, r, http.StatusInternalServerError, "cannot create session")
		return
	}
	h.setCookie(w, tok.AccessToken, tok.SessionEnd)
	apiresp.WriteOK(w, r, http.StatusOK, loginResponse{AccessToken: tok.AccessToken, ExpiresAt: tok.ExpiresAt, User: user})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	tok, user, err := h.svc.Refresh(r.Context(), readToken(r))
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		h.log.Error("refresh session", zap.Error(err))
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if _, err := r.Cookie(SessionCookieName); err == nil {
		h.setCookie(w, tok.AccessToken, time.Time{})
	}
	apiresp.WriteOK(w, r, http.StatusOK, loginResponse{AccessToken: tok.AccessToken, ExpiresAt: tok.ExpiresAt, User: user})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RevokeSession(r.Context(), readToken(r)); err != nil {
		h.log.Error("revoke session", zap.Error(err))
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	apiresp.WriteOK(w, r, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, user)
}

func (h *Handler) CreatePatient(w http.ResponseWriter, r *http.Request) {
	doctor, ok := CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req createPatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	u, err := h.svc.CreatePatient(r.Context(), doctor.ID, PatientInput{
		Username: req.Username,
		Password: req.Password,
		FullName: req.FullName,
		Email:    req.Email,
		Phone:    req.Phone,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUsernameTaken):
			apiresp.WriteError(w, r, http.StatusConflict, err.Error())
		case errors.Is(err, ErrInvalidInput):
			apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
		default:
			h.log.Error("create patient", zap.Error(err))
			apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, u)
}

func (h *Handler) ListPatients(w http.ResponseWriter, r *http.Request) {
	doctor, ok := CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	items, err := h.svc.ListPatients(r.Context(), doctor.ID)
	if err != nil {
		h.log.Error("list patients", zap.Error(err))
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) UpdatePatient(w http.ResponseWriter, r *http.Request) {
	doctor, ok := CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req updatePatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	id := strings.TrimSpace(chi.URLParam(r, "id"))
	u, err := h.svc.UpdatePatient(r.Context(), doctor.ID, id, PatientUpdate{
		FullName:   req.FullName,
		Email:      req.Email,
		Phone:      req.Phone,
		Address:    req.Address,
		Password:   req.Password,
		Conditions: req.Conditions,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUserNotFound):
			apiresp.WriteError(w, r, http.StatusNotFound, "patient not found")
		case errors.Is(err, ErrInvalidInput):
			apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
		default:
			h.log.Error("update patient", zap.Error(err), zap.String("patient_id", id))
			apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, u)
}

func (h *Handler) DeletePatient(w http.ResponseWriter, r *http.Request) {
	doctor, ok := CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := h.svc.DeletePatient(r.Context(), doctor.ID, id); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			apiresp.WriteError(w, r, http.StatusNotFound, "patient not found")
			return
		}
		h.log.Error("delete patient", zap.Error(err), zap.String("patient_id", id))
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	u, err := h.svc.GetProfile(r.Context(), user.ID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			apiresp.WriteError(w, r, http.StatusNotFound, "profile not found")
			return
		}
		h.log.Error("get profile", zap.Error(err))
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, u)
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := h.svc.UpdateProfile(r.Context(), user.ID, ProfileInput{
		FullName:   req.FullName,
		Email:      req.Email,
		Phone:      req.Phone,
		Speciality: req.Speciality,
		Address:    req.Address,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUserNotFound):
			apiresp.WriteError(w, r, http.StatusNotFound, "profile not found")
		case errors.Is(err, ErrInvalidInput):
			apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
		default:
			h.log.Error("update profile", zap.Error(err))
			apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, u)
}

func (h *Handler) ImportPatients(w http.ResponseWriter, r *http.Request) {
	doctor, ok := CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)
	if err := r.ParseMultipartForm(maxImportBytes); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	report, err := h.svc.ImportPatientsExcel(r.Context(), doctor.ID, file)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error("import patients", zap.Error(err))
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, report)
}

func (h *Handler) ExportPatients(w http.ResponseWriter, r *http.Request) {
	doctor, ok := CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	data, err := h.svc.ExportPatientsExcel(r.Context(), doctor.ID)
	if err != nil {
		h.log.Error("export patients", zap.Error(err))
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="patients.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := h.svc.GetSessionUser(r.Context(), readToken(r))
		if err != nil {
			if !errors.Is(err, ErrUnauthorized) {
				h.log.Error("session lookup", zap.Error(err))
			}
			apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		if slot, ok := r.Context().Value(userSlotKey).(*userSlot); ok {
			slot.user = user
		}
		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
	})
}

func (h *Handler) RequireRoles(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := CurrentUser(r.Context())
			if !ok {
				apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			if _, exists := allowed[user.Role]; !exists {
				apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func CurrentUser(ctx context.Context) (*User, bool) {
	if u, ok := ctx.Value(userContextKey).(*User); ok && u != nil {
		return u, true
	}
	if slot, ok := ctx.Value(userSlotKey).(*userSlot); ok && slot.user != nil {
		return slot.user, true
	}
	return nil, false
}

type userSlot struct{ user *User }

// WithUserSlot lets middleware wrapping RequireAuth see the authenticated
// user through CurrentUser after the inner handler returned.
func WithUserSlot(ctx context.Context) context.Context {
	return context.WithValue(ctx, userSlotKey, &userSlot{})
}

// ContextWithUser injects an authenticated user into context.
func ContextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

func (h *Handler) setCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// readToken prefers the bearer header over the session cookie.
func readToken(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("Authorization")); v != "" {
		if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
			return strings.TrimSpace(v[7:])
		}
	}
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func readIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	return strings.TrimSpace(r.RemoteAddr)
}
