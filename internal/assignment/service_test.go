package assignment

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"cogtest/internal/question"
)

type stubCatalog struct {
	tests map[string]question.Test
}

func (c stubCatalog) GetTest(_ context.Context, id string) (*question.Test, error) {
	t, ok := c.tests[id]
	if !ok {
		return nil, question.ErrTestNotFound
	}
	return &t, nil
}

type stubPatients map[string]string

func (p stubPatients) PatientDoctor(_ context.Context, id string) (string, error) {
	d, ok := p[id]
	if !ok {
		return "", errors.New("no such patient")
	}
	return d, nil
}

type countingRecorder struct {
	mu        sync.Mutex
	saved     int
	finalized map[OutcomeKind]int
	reviewed  int
}

func (r *countingRecorder) AnswerSaved() {
	r.mu.Lock()
	r.saved++
	r.mu.Unlock()
}

func (r *countingRecorder) Finalized(k OutcomeKind) {
	r.mu.Lock()
	if r.finalized == nil {
		r.finalized = map[OutcomeKind]int{}
	}
	r.finalized[k]++
	r.mu.Unlock()
}

func (r *countingRecorder) Reviewed() {
	r.mu.Lock()
	r.reviewed++
	r.mu.Unlock()
}

func newTestService(t *testing.T, repo Repository) (*Service, *countingRecorder) {
	t.Helper()
	auto := autoTest()
	auto.DoctorID = "d-1"
	mixed := mixedTest()
	mixed.DoctorID = "d-1"
	rec := &countingRecorder{}
	svc := NewService(repo,
		stubCatalog{tests: map[string]question.Test{auto.ID: auto, mixed.ID: mixed}},
		WithPatientDirectory(stubPatients{"p-1": "d-1", "p-9": "d-9"}),
		WithRecorder(rec),
	)
	svc.now = func() time.Time { return t0 }
	return svc, rec
}

func intPtr(v int) *int { return &v }

func TestCreateAssignment(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryRepository())
	ctx := context.Background()

	a, err := svc.CreateAssignment(ctx, CreateInput{TestID: "t-auto", PatientID: "p-1", DoctorID: "d-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.Status != StatusPending || len(a.Answers) != 0 {
		t.Fatalf("unexpected new assignment: %+v", a)
	}
	if a.EndDate == nil || !a.EndDate.Equal(t0.AddDate(0, 0, DefaultValidDays)) {
		t.Fatalf("expected default validity window, got %v", a.EndDate)
	}

	open, err := svc.CreateAssignment(ctx, CreateInput{TestID: "t-auto", PatientID: "p-1", DoctorID: "d-1", ValidDays: intPtr(-1), Timer: &Timer{Type: TimerStopwatch}})
	if err != nil {
		t.Fatalf("create open-ended: %v", err)
	}
	if open.EndDate != nil || open.Timer == nil {
		t.Fatalf("expected no expiry with timer, got %+v", open)
	}

	tests := []struct {
		name string
		in   CreateInput
		want error
	}{
		{name: "missing patient", in: CreateInput{TestID: "t-auto", DoctorID: "d-1"}, want: ErrInvalidInput},
		{name: "unknown test", in: CreateInput{TestID: "nope", PatientID: "p-1", DoctorID: "d-1"}, want: question.ErrTestNotFound},
		{name: "foreign test", in: CreateInput{TestID: "t-auto", PatientID: "p-1", DoctorID: "d-9"}, want: ErrForbidden},
		{name: "foreign patient", in: CreateInput{TestID: "t-auto", PatientID: "p-9", DoctorID: "d-1"}, want: ErrForbidden},
		{name: "unknown patient", in: CreateInput{TestID: "t-auto", PatientID: "p-x", DoctorID: "d-1"}, want: ErrInvalidInput},
		{name: "bad timer", in: CreateInput{TestID: "t-auto", PatientID: "p-1", DoctorID: "d-1", Timer: &Timer{Type: TimerCountdown}}, want: ErrInvalidInput},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.CreateAssignment(ctx, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestSaveAnswerAndProgress(t *testing.T) {
	svc, rec := newTestService(t, NewMemoryRepository())
	ctx := context.Background()
	a, _ := svc.CreateAssignment(ctx, CreateInput{TestID: "t-auto", PatientID: "p-1", DoctorID: "d-1"})

	p, err := svc.LoadProgress(ctx, a.ID)
	if err != nil {
		t.Fatalf("load progress: %v", err)
	}
	if p.Found || p.ResumeIndex != 0 {
		t.Fatalf("fresh assignment should have no progress: %+v", p)
	}

	for _, step := range []SaveAnswerInput{
		{AssignmentID: a.ID, QuestionID: "q1", RawAnswer: "2"},
		{AssignmentID: a.ID, QuestionID: "q1", RawAnswer: "0"},
		{AssignmentID: a.ID, QuestionID: "q3", RawAnswer: "2"},
	} {
		if _, err := svc.SaveAnswer(ctx, step); err != nil {
			t.Fatalf("save %s: %v", step.QuestionID, err)
		}
	}

	p, err = svc.LoadProgress(ctx, a.ID)
	if err != nil {
		t.Fatalf("load progress: %v", err)
	}
	if !p.Found || p.Status != StatusInProgress || p.ResumeIndex != 1 {
		t.Fatalf("unexpected progress: %+v", p)
	}
	if !reflect.DeepEqual(p.Answers, map[string]string{"q1": "0", "q3": "2"}) {
		t.Fatalf("answers mismatch: %v", p.Answers)
	}
	if rec.saved != 3 {
		t.Fatalf("expected 3 saves recorded, got %d", rec.saved)
	}

	if _, err := svc.SaveAnswer(ctx, SaveAnswerInput{AssignmentID: a.ID, QuestionID: "zz", RawAnswer: "1"}); !errors.Is(err, ErrQuestionNotInTest) {
		t.Fatalf("expected ErrQuestionNotInTest, got %v", err)
	}
	if _, err := svc.SaveAnswer(ctx, SaveAnswerInput{AssignmentID: "missing", QuestionID: "q1"}); !errors.Is(err, ErrAssignmentNotFound) {
		t.Fatalf("expected ErrAssignmentNotFound, got %v", err)
	}
}

func TestSubmitAutoScored(t *testing.T) {
	svc, rec := newTestService(t, NewMemoryRepository())
	ctx := context.Background()
	a, _ := svc.CreateAssignment(ctx, CreateInput{TestID: "t-auto", PatientID: "p-1", DoctorID: "d-1"})

	if _, err := svc.Submit(ctx, a.ID); !errors.Is(err, ErrIncompleteSubmission) {
		t.Fatalf("expected ErrIncompleteSubmission on empty submit, got %v", err)
	}

	for id, raw := range map[string]string{"q1": "0", "q2": "1", "q3": "0"} {
		if _, err := svc.SaveAnswer(ctx, SaveAnswerInput{AssignmentID: a.ID, QuestionID: id, RawAnswer: raw}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	res, err := svc.Submit(ctx, a.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Outcome.Kind != OutcomeFinalized || res.Assignment.Results == nil || res.Assignment.Results.ScorePercent != 67 {
		t.Fatalf("unexpected submit result: %+v", res)
	}

	if _, err := svc.Submit(ctx, a.ID); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
	if _, err := svc.SaveAnswer(ctx, SaveAnswerInput{AssignmentID: a.ID, QuestionID: "q1", RawAnswer: "1"}); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted on save after submit, got %v", err)
	}
	if _, err := svc.SubmitReview(ctx, a.ID, ReviewInput{}); !errors.Is(err, ErrAlreadyScored) {
		t.Fatalf("expected ErrAlreadyScored, got %v", err)
	}
	if rec.finalized[OutcomeFinalized] != 1 {
		t.Fatalf("expected one finalization, got %v", rec.finalized)
	}
}

func TestConcurrentSubmitFinalizesOnce(t *testing.T) {
	svc, rec := newTestService(t, NewMemoryRepository())
	ctx := context.Background()
	a, _ := svc.CreateAssignment(ctx, CreateInput{TestID: "t-auto", PatientID: "p-1", DoctorID: "d-1"})
	for _, id := range []string{"q1", "q2", "q3"} {
		_, _ = svc.SaveAnswer(ctx, SaveAnswerInput{AssignmentID: a.ID, QuestionID: id, RawAnswer: "1"})
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		okCount  int
		dupCount int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Submit(ctx, a.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				okCount++
			case errors.Is(err, ErrAlreadyCompleted):
				dupCount++
			}
		}()
	}
	wg.Wait()

	if okCount != 1 || dupCount != 7 {
		t.Fatalf("expected 1 success and 7 duplicates, got %d/%d", okCount, dupCount)
	}
	if rec.finalized[OutcomeFinalized] != 1 {
		t.Fatalf("expected a single finalization, got %v", rec.finalized)
	}
}

func TestReviewFlow(t *testing.T) {
	svc, rec := newTestService(t, NewMemoryRepository())
	ctx := context.Background()
	a, _ := svc.CreateAssignment(ctx, CreateInput{TestID: "t-mixed", PatientID: "p-1", DoctorID: "d-1"})

	if _, err := svc.GetReview(ctx, a.ID); !errors.Is(err, ErrNotAwaitingReview) {
		t.Fatalf("expected ErrNotAwaitingReview before submit, got %v", err)
	}

	for id, raw := range map[string]string{"q1": "1", "q2": "a cat", "q3": "0"} {
		_, _ = svc.SaveAnswer(ctx, SaveAnswerInput{AssignmentID: a.ID, QuestionID: id, RawAnswer: raw})
	}
	sub, err := svc.Submit(ctx, a.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.Outcome.Kind != OutcomePendingManualReview || sub.Assignment.Results != nil {
		t.Fatalf("expected pending review, got %+v", sub.Outcome)
	}

	rv, err := svc.GetReview(ctx, a.ID)
	if err != nil {
		t.Fatalf("get review: %v", err)
	}
	if !rv.AwaitingReview || !reflect.DeepEqual(rv.PendingIDs, []string{"q2"}) {
		t.Fatalf("unexpected review: %+v", rv)
	}

	if _, err := svc.SubmitReview(ctx, a.ID, ReviewInput{Scores: map[string]float64{}}); !errors.Is(err, ErrMissingManualScore) {
		t.Fatalf("expected ErrMissingManualScore, got %v", err)
	}
	if _, err := svc.SubmitReview(ctx, a.ID, ReviewInput{Scores: map[string]float64{"q2": 4}}); !errors.Is(err, ErrInvalidManualScore) {
		t.Fatalf("expected ErrInvalidManualScore, got %v", err)
	}

	done, err := svc.SubmitReview(ctx, a.ID, ReviewInput{Scores: map[string]float64{"q2": 3}, Notes: "fine"})
	if err != nil {
		t.Fatalf("submit review: %v", err)
	}
	if done.Result.ScorePercent != 100 || done.Assignment.ReviewedAt == nil {
		t.Fatalf("unexpected review result: %+v", done)
	}
	if _, err := svc.SubmitReview(ctx, a.ID, ReviewInput{Scores: map[string]float64{"q2": 0}}); !errors.Is(err, ErrAlreadyScored) {
		t.Fatalf("expected ErrAlreadyScored, got %v", err)
	}
	if rec.reviewed != 1 {
		t.Fatalf("expected one review recorded, got %d", rec.reviewed)
	}
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	done := make(chan struct{})
	go func() {
		u := k.Lock("a")
		u()
		close(done)
	}()
	select {
	case <-done:
		t.Fatalf("second lock acquired while first held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-done
	if len(k.locks) != 0 {
		t.Fatalf("expected no retained entries, got %d", len(k.locks))
	}
}
