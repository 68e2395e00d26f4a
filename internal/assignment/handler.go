package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"cogtest/internal/app/apiresp"
	"cogtest/internal/auth"
	"cogtest/internal/question"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type Handler struct {
	svc      assignmentService
	validate *validator.Validate
	log      *zap.Logger
}

type assignmentService interface {
	CreateAssignment(ctx context.Context, in CreateInput) (*Assignment, error)
	GetAssignment(ctx context.Context, id string) (*Assignment, error)
	ListAssignments(ctx context.Context, f ListFilter) ([]Assignment, error)
	TestFor(ctx context.Context, id string) (*question.Test, error)
	SaveAnswer(ctx context.Context, in SaveAnswerInput) (*Assignment, error)
	LoadProgress(ctx context.Context, id string) (Progress, error)
	Submit(ctx context.Context, id string) (*SubmitResult, error)
	GetReview(ctx context.Context, id string) (*Review, error)
	SubmitReview(ctx context.Context, id string, in ReviewInput) (*ReviewResult, error)
}

type createAssignmentRequest struct {
	TestID    string `json:"test_id" validate:"required"`
	PatientID string `json:"patient_id" validate:"required"`
	ValidDays *int   `json:"valid_days" validate:"omitempty,max=3650"`
	Timer     *Timer `json:"timer"`
}

type saveAnswerRequest struct {
	RawAnswer string `json:"raw_answer" validate:"max=20000"`
}

type submitReviewRequest struct {
	Scores map[string]float64 `json:"scores" validate:"required"`
	Notes  string             `json:"notes" validate:"max=4000"`
}

func NewHandler(svc assignmentService, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, validate: validator.New(), log: log}
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req createAssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	a, err := h.svc.CreateAssignment(r.Context(), CreateInput{
		TestID:    req.TestID,
		PatientID: req.PatientID,
		DoctorID:  user.ID,
		ValidDays: req.ValidDays,
		Timer:     req.Timer,
	})
	if err != nil {
		h.writeErr(w, r, "create assignment", err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, a)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	q := r.URL.Query()
	f := ListFilter{
		Status: Status(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
		TestID: strings.TrimSpace(q.Get("test_id")),
	}
	switch f.Status {
	case "", StatusPending, StatusInProgress, StatusCompleted:
	default:
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid status filter")
		return
	}
	if user.Role == auth.RolePatient {
		f.PatientID = user.ID
	} else {
		f.DoctorID = user.ID
		f.PatientID = strings.TrimSpace(q.Get("patient_id"))
	}

	items, err := h.svc.ListAssignments(r.Context(), f)
	if err != nil {
		h.writeErr(w, r, "list assignments", err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	a, _, ok := h.authorize(w, r)
	if !ok {
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, a)
}

// Test returns the assignment's test. Patients never see answer keys.
func (h *Handler) Test(w http.ResponseWriter, r *http.Request) {
	a, user, ok := h.authorize(w, r)
	if !ok {
		return
	}
	t, err := h.svc.TestFor(r.Context(), a.ID)
	if err != nil {
		h.writeErr(w, r, "load assignment test", err)
		return
	}
	out := *t
	if user.Role == auth.RolePatient {
		out = t.WithoutAnswerKeys()
	}
	apiresp.WriteOK(w, r, http.StatusOK, out)
}

func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	a, _, ok := h.authorize(w, r)
	if !ok {
		return
	}
	p, err := h.svc.LoadProgress(r.Context(), a.ID)
	if err != nil {
		h.writeErr(w, r, "load progress", err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, p)
}

func (h *Handler) SaveAnswer(w http.ResponseWriter, r *http.Request) {
	a, user, ok := h.authorize(w, r)
	if !ok {
		return
	}
	if user.Role != auth.RolePatient {
		apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	questionID := strings.TrimSpace(chi.URLParam(r, "questionID"))
	if questionID == "" {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid question id")
		return
	}
	var req saveAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.svc.SaveAnswer(r.Context(), SaveAnswerInput{
		AssignmentID: a.ID,
		QuestionID:   questionID,
		RawAnswer:    req.RawAnswer,
	})
	if err != nil {
		h.writeErr(w, r, "save answer", err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]interface{}{
		"status":            "saved",
		"assignment_status": updated.Status,
	})
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	a, user, ok := h.authorize(w, r)
	if !ok {
		return
	}
	if user.Role != auth.RolePatient {
		apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	res, err := h.svc.Submit(r.Context(), a.ID)
	if err != nil {
		h.writeErr(w, r, "submit assignment", err)
		return
	}
	// Patients see the outcome kind but not per-question scoring.
	apiresp.WriteOK(w, r, http.StatusOK, map[string]interface{}{
		"assignment": res.Assignment,
		"outcome":    res.Outcome.Kind,
	})
}

func (h *Handler) Review(w http.ResponseWriter, r *http.Request) {
	a, _, ok := h.authorize(w, r)
	if !ok {
		return
	}
	rv, err := h.svc.GetReview(r.Context(), a.ID)
	if err != nil {
		h.writeErr(w, r, "get review", err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, rv)
}

func (h *Handler) SubmitReview(w http.ResponseWriter, r *http.Request) {
	a, _, ok := h.authorize(w, r)
	if !ok {
		return
	}
	var req submitReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.svc.SubmitReview(r.Context(), a.ID, ReviewInput{Scores: req.Scores, Notes: req.Notes})
	if err != nil {
		h.writeErr(w, r, "submit review", err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, res)
}

// authorize loads the assignment named in the route and checks that the
// caller is its patient or its doctor. It writes the response on failure.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (*Assignment, *auth.User, bool) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return nil, nil, false
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid assignment id")
		return nil, nil, false
	}
	a, err := h.svc.GetAssignment(r.Context(), id)
	if err != nil {
		h.writeErr(w, r, "load assignment", err)
		return nil, nil, false
	}
	switch user.Role {
	case auth.RolePatient:
		ok = a.PatientID == user.ID
	case auth.RoleDoctor:
		ok = a.DoctorID == user.ID
	default:
		ok = false
	}
	if !ok {
		apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
		return nil, nil, false
	}
	return a, user, true
}

func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, op string, err error) {
	var (
		incomplete *IncompleteSubmissionError
		missing    *MissingManualScoreError
		invalid    *InvalidManualScoreError
	)
	switch {
	case errors.As(err, &incomplete):
		apiresp.WriteErrorCode(w, r, http.StatusUnprocessableEntity, "incomplete_submission", err.Error(),
			map[string]interface{}{"unanswered": incomplete.Unanswered})
	case errors.As(err, &missing):
		apiresp.WriteErrorCode(w, r, http.StatusUnprocessableEntity, "missing_manual_score", err.Error(),
			map[string]interface{}{"question_ids": missing.QuestionIDs})
	case errors.As(err, &invalid):
		apiresp.WriteErrorCode(w, r, http.StatusUnprocessableEntity, "invalid_manual_score", err.Error(),
			map[string]interface{}{"question_id": invalid.QuestionID, "max": invalid.Max})
	case errors.Is(err, ErrAlreadyCompleted):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "already_completed", err.Error(), nil)
	case errors.Is(err, ErrAlreadyScored):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "already_scored", err.Error(), nil)
	case errors.Is(err, ErrNotAwaitingReview):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "not_awaiting_review", err.Error(), nil)
	case errors.Is(err, ErrNotStarted):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "not_started", err.Error(), nil)
	case errors.Is(err, ErrQuestionNotInTest):
		apiresp.WriteErrorCode(w, r, http.StatusNotFound, "question_not_in_test", err.Error(), nil)
	case errors.Is(err, ErrAssignmentNotFound), errors.Is(err, question.ErrTestNotFound):
		apiresp.WriteErrorCode(w, r, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, ErrForbidden):
		apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, ErrInvalidInput):
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
	default:
		h.log.Error(op, zap.Error(err))
		apiresp.WriteErrorCode(w, r, http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}
