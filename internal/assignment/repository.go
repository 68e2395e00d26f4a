package assignment

import (
	"context"
	"sort"
	"sync"
)

type ListFilter struct {
	PatientID string
	DoctorID  string
	TestID    string
	Status    Status
}

func (f ListFilter) match(a Assignment) bool {
	if f.PatientID != "" && a.PatientID != f.PatientID {
		return false
	}
	if f.DoctorID != "" && a.DoctorID != f.DoctorID {
		return false
	}
	if f.TestID != "" && a.TestID != f.TestID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	return true
}

// Repository persists assignments. Update loads, mutates and stores one
// assignment atomically; fn returning an error discards the mutation.
type Repository interface {
	Create(ctx context.Context, a Assignment) error
	Get(ctx context.Context, id string) (Assignment, error)
	List(ctx context.Context, f ListFilter) ([]Assignment, error)
	Update(ctx context.Context, id string, fn func(*Assignment) error) (Assignment, error)
}

type MemoryRepository struct {
	mu    sync.Mutex
	items map[string]Assignment
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[string]Assignment)}
}

func (r *MemoryRepository) Create(_ context.Context, a Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[a.ID] = a.clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.items[id]
	if !ok {
		return Assignment{}, ErrAssignmentNotFound
	}
	return a.clone(), nil
}

func (r *MemoryRepository) List(_ context.Context, f ListFilter) ([]Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Assignment, 0, len(r.items))
	for _, a := range r.items {
		if f.match(a) {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) Update(_ context.Context, id string, fn func(*Assignment) error) (Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.items[id]
	if !ok {
		return Assignment{}, ErrAssignmentNotFound
	}
	next := cur.clone()
	if err := fn(&next); err != nil {
		return Assignment{}, err
	}
	r.items[id] = next.clone()
	return next, nil
}
