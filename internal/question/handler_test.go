package question

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"cogtest/internal/auth"

	"github.com/go-chi/chi/v5"
)

type mockCatalogService struct {
	listCategoriesFn func(ctx context.Context) ([]Category, error)
	createTestFn     func(ctx context.Context, in CreateTestInput) (*Test, error)
	getTestFn        func(ctx context.Context, id string) (*Test, error)
	listTestsFn      func(ctx context.Context, doctorID string) ([]TestSummary, error)
	updateTestFn     func(ctx context.Context, id string, in CreateTestInput) (*Test, error)
	deleteTestFn     func(ctx context.Context, id, doctorID string) error
}

func (m *mockCatalogService) ListCategories(ctx context.Context) ([]Category, error) {
	if m.listCategoriesFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.listCategoriesFn(ctx)
}

func (m *mockCatalogService) CreateTest(ctx context.Context, in CreateTestInput) (*Test, error) {
	if m.createTestFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.createTestFn(ctx, in)
}

func (m *mockCatalogService) GetTest(ctx context.Context, id string) (*Test, error) {
	if m.getTestFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.getTestFn(ctx, id)
}

func (m *mockCatalogService) ListTests(ctx context.Context, doctorID string) ([]TestSummary, error) {
	if m.listTestsFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.listTestsFn(ctx, doctorID)
}

func (m *mockCatalogService) UpdateTest(ctx context.Context, id string, in CreateTestInput) (*Test, error) {
	if m.updateTestFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.updateTestFn(ctx, id, in)
}

func (m *mockCatalogService) DeleteTest(ctx context.Context, id, doctorID string) error {
	if m.deleteTestFn == nil {
		return errors.New("not implemented")
	}
	return m.deleteTestFn(ctx, id, doctorID)
}

func withChiParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		rctx = chi.NewRouteContext()
	}
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func asDoctor(r *http.Request, id string) *http.Request {
	return r.WithContext(auth.ContextWithUser(r.Context(), &auth.User{ID: id, Role: auth.RoleDoctor}))
}

func TestCreateTestUsesSessionDoctor(t *testing.T) {
	var got CreateTestInput
	h := NewHandler(&mockCatalogService{
		createTestFn: func(ctx context.Context, in CreateTestInput) (*Test, error) {
			got = in
			return &Test{ID: "t-1", DoctorID: in.DoctorID, Name: in.Name, Questions: in.Questions}, nil
		},
	}, nil)

	body := `{"name":"Recall","questions":[{"category":{"code":"ESSAY"},"description":"Tell a story","points":2,"payload":{}}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tests", bytes.NewBufferString(body))
	req = asDoctor(req, "doc-7")
	w := httptest.NewRecorder()
	h.CreateTest(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if got.DoctorID != "doc-7" || len(got.Questions) != 1 {
		t.Fatalf("unexpected input: %+v", got)
	}
	if _, ok := got.Questions[0].Body.(Essay); !ok {
		t.Fatalf("expected essay body, got %T", got.Questions[0].Body)
	}
}

func TestCreateTestRejectsUnknownCategory(t *testing.T) {
	h := NewHandler(&mockCatalogService{}, nil)
	body := `{"name":"Recall","questions":[{"category":{"code":"DRAWING"},"points":2,"payload":{}}]}`
	req := asDoctor(httptest.NewRequest(http.MethodPost, "/api/v1/tests", bytes.NewBufferString(body)), "doc-7")
	w := httptest.NewRecorder()
	h.CreateTest(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCreateTestRequiresQuestions(t *testing.T) {
	h := NewHandler(&mockCatalogService{}, nil)
	req := asDoctor(httptest.NewRequest(http.MethodPost, "/api/v1/tests", bytes.NewBufferString(`{"name":"x","questions":[]}`)), "doc-7")
	w := httptest.NewRecorder()
	h.CreateTest(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetTestForbiddenForOtherDoctor(t *testing.T) {
	h := NewHandler(&mockCatalogService{
		getTestFn: func(ctx context.Context, id string) (*Test, error) {
			return &Test{ID: id, DoctorID: "doc-1"}, nil
		},
	}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tests/t-1", nil)
	req = withChiParam(asDoctor(req, "doc-2"), "id", "t-1")
	w := httptest.NewRecorder()
	h.GetTest(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestDeleteTestInUseConflict(t *testing.T) {
	h := NewHandler(&mockCatalogService{
		deleteTestFn: func(ctx context.Context, id, doctorID string) error { return ErrTestInUse },
	}, nil)
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/tests/t-1", nil)
	req = withChiParam(asDoctor(req, "doc-1"), "id", "t-1")
	w := httptest.NewRecorder()
	h.DeleteTest(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestUpdateTestErrorCodes(t *testing.T) {
	body := `{"name":"Recall","questions":[{"category":{"code":"ESSAY"},"description":"Tell a story","points":2,"payload":{}}]}`
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "ok", want: http.StatusOK},
		{name: "missing", err: ErrTestNotFound, want: http.StatusNotFound},
		{name: "other doctor", err: ErrForbidden, want: http.StatusForbidden},
		{name: "assigned", err: ErrTestInUse, want: http.StatusConflict},
		{name: "invalid", err: ErrInvalidInput, want: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var gotID string
			h := NewHandler(&mockCatalogService{
				updateTestFn: func(ctx context.Context, id string, in CreateTestInput) (*Test, error) {
					gotID = id
					if tc.err != nil {
						return nil, tc.err
					}
					return &Test{ID: id, DoctorID: in.DoctorID, Name: in.Name, Questions: in.Questions}, nil
				},
			}, nil)
			req := httptest.NewRequest(http.MethodPut, "/api/v1/tests/t-1", bytes.NewBufferString(body))
			req = withChiParam(asDoctor(req, "doc-1"), "id", "t-1")
			w := httptest.NewRecorder()
			h.UpdateTest(w, req)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
			if gotID != "t-1" {
				t.Fatalf("expected test id from path, got %q", gotID)
			}
		})
	}
}

func TestListCategoriesOK(t *testing.T) {
	h := NewHandler(&mockCatalogService{
		listCategoriesFn: func(ctx context.Context) ([]Category, error) { return DefaultCategories(), nil },
	}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/question-categories", nil)
	w := httptest.NewRecorder()
	h.ListCategories(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var env struct {
		Data []Category `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(env.Data) != 5 {
		t.Fatalf("expected 5 categories, got %d", len(env.Data))
	}
}
