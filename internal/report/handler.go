package report

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cogtest/internal/app/apiresp"
	"cogtest/internal/auth"
	"cogtest/internal/question"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type reportService interface {
	SummaryByTest(ctx context.Context, testID, doctorID string) (*TestSummary, error)
	Rows(ctx context.Context, testID, doctorID string) ([]Row, error)
	ExportResultsExcel(ctx context.Context, testID, doctorID string) ([]byte, error)
}

type Handler struct {
	svc reportService
	log *zap.Logger
}

func NewHandler(svc reportService, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, log: log}
}

func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	user, testID, ok := h.params(w, r)
	if !ok {
		return
	}
	summary, err := h.svc.SummaryByTest(r.Context(), testID, user.ID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	rows, err := h.svc.Rows(r.Context(), testID, user.ID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]interface{}{
		"summary": summary,
		"rows":    rows,
	})
}

func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	user, testID, ok := h.params(w, r)
	if !ok {
		return
	}
	data, err := h.svc.ExportResultsExcel(r.Context(), testID, user.ID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="results-%s.xlsx"`, testID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) params(w http.ResponseWriter, r *http.Request) (*auth.User, string, bool) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return nil, "", false
	}
	testID := strings.TrimSpace(chi.URLParam(r, "id"))
	if testID == "" {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid test id")
		return nil, "", false
	}
	return user, testID, true
}

func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, question.ErrTestNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
	default:
		h.log.Error("report", zap.Error(err))
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}
