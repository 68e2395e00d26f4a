package condition

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"cogtest/internal/app/apiresp"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type conditionService interface {
	List(ctx context.Context) ([]Condition, error)
	Create(ctx context.Context, name string) (*Condition, error)
	Rename(ctx context.Context, id, name string) (*Condition, error)
	Delete(ctx context.Context, id string) error
}

type Handler struct {
	svc      conditionService
	validate *validator.Validate
	log      *zap.Logger
}

type conditionRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

func NewHandler(svc conditionService, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, validate: validator.New(), log: log}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.List(r.Context())
	if err != nil {
		h.log.Error("list conditions", zap.Error(err))
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	c, err := h.svc.Create(r.Context(), req.Name)
	if err != nil {
		h.writeErr(w, r, "create condition", err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, c)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	c, err := h.svc.Rename(r.Context(), id, req.Name)
	if err != nil {
		h.writeErr(w, r, "rename condition", err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, c)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := h.svc.Delete(r.Context(), id); err != nil {
		h.writeErr(w, r, "delete condition", err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (conditionRequest, bool) {
	var req conditionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if err := h.validate.Struct(req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
		return req, false
	}
	return req, true
}

func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, ErrConditionNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConditionExists):
		apiresp.WriteError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidInput):
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
	default:
		h.log.Error(op, zap.Error(err))
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}
