package condition

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

type mockConditionService struct {
	listFn   func(ctx context.Context) ([]Condition, error)
	createFn func(ctx context.Context, name string) (*Condition, error)
	renameFn func(ctx context.Context, id, name string) (*Condition, error)
	deleteFn func(ctx context.Context, id string) error
}

func (m *mockConditionService) List(ctx context.Context) ([]Condition, error) {
	if m.listFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.listFn(ctx)
}

func (m *mockConditionService) Create(ctx context.Context, name string) (*Condition, error) {
	if m.createFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.createFn(ctx, name)
}

func (m *mockConditionService) Rename(ctx context.Context, id, name string) (*Condition, error) {
	if m.renameFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.renameFn(ctx, id, name)
}

func (m *mockConditionService) Delete(ctx context.Context, id string) error {
	if m.deleteFn == nil {
		return errors.New("not implemented")
	}
	return m.deleteFn(ctx, id)
}

func withID(r *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestCreateConditionHandler(t *testing.T) {
	h := NewHandler(&mockConditionService{
		createFn: func(_ context.Context, name string) (*Condition, error) {
			if name == "Dementia" {
				return nil, ErrConditionExists
			}
			return &Condition{ID: "c1", Name: name}, nil
		},
	}, nil)

	tests := []struct {
		body string
		want int
	}{
		{`{"name":"Aphasia"}`, http.StatusCreated},
		{`{"name":"Dementia"}`, http.StatusConflict},
		{`{"name":""}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		rr := httptest.NewRecorder()
		h.Create(rr, httptest.NewRequest(http.MethodPost, "/api/v1/conditions", bytes.NewBufferString(tc.body)))
		if rr.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.body, tc.want, rr.Code, rr.Body.String())
		}
	}
}

func TestUpdateAndDeleteConditionHandler(t *testing.T) {
	var renamed, deleted string
	h := NewHandler(&mockConditionService{
		renameFn: func(_ context.Context, id, name string) (*Condition, error) {
			if id != "c1" {
				return nil, ErrConditionNotFound
			}
			renamed = name
			return &Condition{ID: id, Name: name}, nil
		},
		deleteFn: func(_ context.Context, id string) error {
			if id != "c1" {
				return ErrConditionNotFound
			}
			deleted = id
			return nil
		},
	}, nil)

	rr := httptest.NewRecorder()
	h.Update(rr, withID(httptest.NewRequest(http.MethodPut, "/api/v1/conditions/c1", bytes.NewBufferString(`{"name":"Aphasia"}`)), "c1"))
	if rr.Code != http.StatusOK || renamed != "Aphasia" {
		t.Fatalf("rename failed: %d %q", rr.Code, renamed)
	}
	rr = httptest.NewRecorder()
	h.Update(rr, withID(httptest.NewRequest(http.MethodPut, "/api/v1/conditions/c9", bytes.NewBufferString(`{"name":"Aphasia"}`)), "c9"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.Delete(rr, withID(httptest.NewRequest(http.MethodDelete, "/api/v1/conditions/c1", nil), "c1"))
	if rr.Code != http.StatusOK || deleted != "c1" {
		t.Fatalf("delete failed: %d %q", rr.Code, deleted)
	}

	rr = httptest.NewRecorder()
	h.List(rr, httptest.NewRequest(http.MethodGet, "/api/v1/conditions", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 from failing list, got %d", rr.Code)
	}
}
