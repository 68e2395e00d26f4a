package question

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"cogtest/internal/app/apiresp"
	"cogtest/internal/auth"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type Handler struct {
	svc      catalogService
	validate *validator.Validate
	log      *zap.Logger
}

type catalogService interface {
	ListCategories(ctx context.Context) ([]Category, error)
	CreateTest(ctx context.Context, in CreateTestInput) (*Test, error)
	GetTest(ctx context.Context, id string) (*Test, error)
	ListTests(ctx context.Context, doctorID string) ([]TestSummary, error)
	UpdateTest(ctx context.Context, id string, in CreateTestInput) (*Test, error)
	DeleteTest(ctx context.Context, id, doctorID string) error
}

type response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

type createTestRequest struct {
	Name      string     `json:"name" validate:"required,max=200"`
	Notes     string     `json:"notes" validate:"max=4000"`
	Questions []Question `json:"questions" validate:"required,min=1"`
}

func NewHandler(svc catalogService, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, validate: validator.New(), log: log}
}

func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.svc.ListCategories(r.Context())
	if err != nil {
		h.log.Error("list categories", zap.Error(err))
		writeJSON(w, r, http.StatusInternalServerError, response{OK: false, Error: "internal error"})
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: cats})
}

func (h *Handler) CreateTest(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		writeJSON(w, r, http.StatusUnauthorized, response{OK: false, Error: "unauthorized"})
		return
	}

	var req createTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		msg := "invalid request body"
		if errors.Is(err, ErrUnknownCategory) {
			msg = err.Error()
		}
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: msg})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: err.Error()})
		return
	}

	t, err := h.svc.CreateTest(r.Context(), CreateTestInput{
		DoctorID:  user.ID,
		Name:      req.Name,
		Notes:     req.Notes,
		Questions: req.Questions,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrUnknownCategory):
			writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: err.Error()})
		default:
			h.log.Error("create test", zap.Error(err), zap.String("doctor_id", user.ID))
			writeJSON(w, r, http.StatusInternalServerError, response{OK: false, Error: "internal error"})
		}
		return
	}
	writeJSON(w, r, http.StatusCreated, response{OK: true, Data: t})
}

func (h *Handler) ListTests(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		writeJSON(w, r, http.StatusUnauthorized, response{OK: false, Error: "unauthorized"})
		return
	}
	tests, err := h.svc.ListTests(r.Context(), user.ID)
	if err != nil {
		h.log.Error("list tests", zap.Error(err))
		writeJSON(w, r, http.StatusInternalServerError, response{OK: false, Error: "internal error"})
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: tests})
}

func (h *Handler) GetTest(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		writeJSON(w, r, http.StatusUnauthorized, response{OK: false, Error: "unauthorized"})
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	t, err := h.svc.GetTest(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrTestNotFound):
			writeJSON(w, r, http.StatusNotFound, response{OK: false, Error: err.Error()})
		default:
			h.log.Error("get test", zap.Error(err), zap.String("test_id", id))
			writeJSON(w, r, http.StatusInternalServerError, response{OK: false, Error: "internal error"})
		}
		return
	}
	if t.DoctorID != user.ID {
		writeJSON(w, r, http.StatusForbidden, response{OK: false, Error: "forbidden"})
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: t})
}

func (h *Handler) UpdateTest(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		writeJSON(w, r, http.StatusUnauthorized, response{OK: false, Error: "unauthorized"})
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))

	var req createTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		msg := "invalid request body"
		if errors.Is(err, ErrUnknownCategory) {
			msg = err.Error()
		}
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: msg})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: err.Error()})
		return
	}

	t, err := h.svc.UpdateTest(r.Context(), id, CreateTestInput{
		DoctorID:  user.ID,
		Name:      req.Name,
		Notes:     req.Notes,
		Questions: req.Questions,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrUnknownCategory):
			writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: err.Error()})
		case errors.Is(err, ErrTestNotFound):
			writeJSON(w, r, http.StatusNotFound, response{OK: false, Error: err.Error()})
		case errors.Is(err, ErrForbidden):
			writeJSON(w, r, http.StatusForbidden, response{OK: false, Error: "forbidden"})
		case errors.Is(err, ErrTestInUse):
			writeJSON(w, r, http.StatusConflict, response{OK: false, Error: err.Error()})
		default:
			h.log.Error("update test", zap.Error(err), zap.String("test_id", id))
			writeJSON(w, r, http.StatusInternalServerError, response{OK: false, Error: "internal error"})
		}
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: t})
}

func (h *Handler) DeleteTest(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		writeJSON(w, r, http.StatusUnauthorized, response{OK: false, Error: "unauthorized"})
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := h.svc.DeleteTest(r.Context(), id, user.ID); err != nil {
		switch {
		case errors.Is(err, ErrTestNotFound):
			writeJSON(w, r, http.StatusNotFound, response{OK: false, Error: err.Error()})
		case errors.Is(err, ErrForbidden):
			writeJSON(w, r, http.StatusForbidden, response{OK: false, Error: "forbidden"})
		case errors.Is(err, ErrTestInUse):
			writeJSON(w, r, http.StatusConflict, response{OK: false, Error: err.Error()})
		default:
			h.log.Error("delete test", zap.Error(err), zap.String("test_id", id))
			writeJSON(w, r, http.StatusInternalServerError, response{OK: false, Error: "internal error"})
		}
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: map[string]string{"status": "deleted"}})
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, payload response) {
	if payload.OK {
		apiresp.WriteOK(w, r, code, payload.Data)
		return
	}
	apiresp.WriteError(w, r, code, payload.Error)
}
