package assignment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cogtest/internal/question"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultValidDays = 7

// Catalog resolves the test an assignment points at.
type Catalog interface {
	GetTest(ctx context.Context, id string) (*question.Test, error)
}

// PatientDirectory reports which doctor a patient belongs to.
type PatientDirectory interface {
	PatientDoctor(ctx context.Context, patientID string) (string, error)
}

// Recorder receives lifecycle counters.
type Recorder interface {
	AnswerSaved()
	Finalized(outcome OutcomeKind)
	Reviewed()
}

type nopRecorder struct{}

func (nopRecorder) AnswerSaved()            {}
func (nopRecorder) Finalized(_ OutcomeKind) {}
func (nopRecorder) Reviewed()               {}

type Service struct {
	repo     Repository
	catalog  Catalog
	patients PatientDirectory
	metrics  Recorder
	log      *zap.Logger
	now      func() time.Time
	locks    *keyedMutex

	validDays int
}

type Option func(*Service)

func WithPatientDirectory(p PatientDirectory) Option {
	return func(s *Service) { s.patients = p }
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.metrics = r
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithDefaultValidDays sets the validity used when CreateInput.ValidDays is
// nil. Zero or negative means assignments never expire.
func WithDefaultValidDays(days int) Option {
	return func(s *Service) { s.validDays = days }
}

func NewService(repo Repository, catalog Catalog, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		catalog: catalog,
		metrics: nopRecorder{},
		log:     zap.NewNop(),
		now:     time.Now,
		locks:   newKeyedMutex(),

		validDays: DefaultValidDays,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateInput struct {
	TestID    string
	PatientID string
	DoctorID  string
	// ValidDays nil means the service default; zero or negative means no expiry.
	ValidDays *int
	Timer     *Timer
}

type SaveAnswerInput struct {
	AssignmentID string
	QuestionID   string
	RawAnswer    string
}

type ReviewInput struct {
	Scores map[string]float64
	Notes  string
}

type SubmitResult struct {
	Assignment Assignment          `json:"assignment"`
	Outcome    FinalizationOutcome `json:"outcome"`
}

type ReviewResult struct {
	Assignment Assignment  `json:"assignment"`
	Result     FinalResult `json:"result"`
}

func (t *Timer) validate() error {
	if t == nil {
		return nil
	}
	switch t.Type {
	case TimerCountdown:
		if t.Seconds <= 0 {
			return fmt.Errorf("%w: countdown timer needs a positive duration", ErrInvalidInput)
		}
	case TimerStopwatch:
		if t.Seconds < 0 {
			return fmt.Errorf("%w: negative stopwatch duration", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown timer type %q", ErrInvalidInput, t.Type)
	}
	return nil
}

func (s *Service) CreateAssignment(ctx context.Context, in CreateInput) (*Assignment, error) {
	in.TestID = strings.TrimSpace(in.TestID)
	in.PatientID = strings.TrimSpace(in.PatientID)
	if in.TestID == "" || in.PatientID == "" || in.DoctorID == "" {
		return nil, fmt.Errorf("%w: test, patient and doctor are required", ErrInvalidInput)
	}
	if err := in.Timer.validate(); err != nil {
		return nil, err
	}

	t, err := s.catalog.GetTest(ctx, in.TestID)
	if err != nil {
		return nil, err
	}
	if t.DoctorID != in.DoctorID {
		return nil, ErrForbidden
	}
	if s.patients != nil {
		owner, err := s.patients.PatientDoctor(ctx, in.PatientID)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown patient: %v", ErrInvalidInput, err)
		}
		if owner != in.DoctorID {
			return nil, ErrForbidden
		}
	}

	now := s.now().UTC()
	days := s.validDays
	if in.ValidDays != nil {
		days = *in.ValidDays
	}
	a := Assignment{
		ID:        uuid.NewString(),
		TestID:    t.ID,
		PatientID: in.PatientID,
		DoctorID:  in.DoctorID,
		Status:    StatusPending,
		StartDate: now,
		Answers:   map[string]Answer{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if days > 0 {
		end := now.AddDate(0, 0, days)
		a.EndDate = &end
	}
	if in.Timer != nil {
		tm := *in.Timer
		a.Timer = &tm
	}

	if err := s.repo.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create assignment: %w", err)
	}
	s.log.Info("assignment created",
		zap.String("assignment_id", a.ID),
		zap.String("test_id", a.TestID),
		zap.String("patient_id", a.PatientID),
	)
	return &a, nil
}

func (s *Service) GetAssignment(ctx context.Context, id string) (*Assignment, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Service) ListAssignments(ctx context.Context, f ListFilter) ([]Assignment, error) {
	return s.repo.List(ctx, f)
}

// TestFor returns the test behind an assignment.
func (s *Service) TestFor(ctx context.Context, id string) (*question.Test, error) {
	_, t, err := s.load(ctx, id)
	return t, err
}

func (s *Service) load(ctx context.Context, id string) (Assignment, *question.Test, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return Assignment{}, nil, err
	}
	t, err := s.catalog.GetTest(ctx, a.TestID)
	if err != nil {
		return Assignment{}, nil, fmt.Errorf("load test %s: %w", a.TestID, err)
	}
	return a, t, nil
}

func (s *Service) SaveAnswer(ctx context.Context, in SaveAnswerInput) (*Assignment, error) {
	_, t, err := s.load(ctx, in.AssignmentID)
	if err != nil {
		return nil, err
	}
	a, err := s.repo.Update(ctx, in.AssignmentID, func(cur *Assignment) error {
		return cur.RecordAnswer(*t, in.QuestionID, in.RawAnswer, s.now().UTC())
	})
	if err != nil {
		return nil, err
	}
	s.metrics.AnswerSaved()
	return &a, nil
}

func (s *Service) LoadProgress(ctx context.Context, id string) (Progress, error) {
	a, t, err := s.load(ctx, id)
	if err != nil {
		return Progress{}, err
	}
	return progressOf(*t, a), nil
}

// Submit finalizes the assignment. Concurrent submits for the same id are
// serialized and all but the first see ErrAlreadyCompleted.
func (s *Service) Submit(ctx context.Context, id string) (*SubmitResult, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	_, t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	var outcome FinalizationOutcome
	a, err := s.repo.Update(ctx, id, func(cur *Assignment) error {
		o, err := Finalize(*t, *cur)
		if err != nil {
			return err
		}
		outcome = o
		return cur.ApplyFinalization(o, s.now().UTC())
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Finalized(outcome.Kind)
	s.log.Info("assignment submitted",
		zap.String("assignment_id", id),
		zap.String("outcome", string(outcome.Kind)),
		zap.Float64("score", outcome.TotalScore),
		zap.Float64("points", outcome.TotalPoints),
	)
	return &SubmitResult{Assignment: a, Outcome: outcome}, nil
}

func (s *Service) GetReview(ctx context.Context, id string) (*Review, error) {
	a, t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusCompleted {
		return nil, ErrNotAwaitingReview
	}
	rv := BuildReview(*t, a)
	return &rv, nil
}

func (s *Service) SubmitReview(ctx context.Context, id string, in ReviewInput) (*ReviewResult, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	_, t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	var result FinalResult
	a, err := s.repo.Update(ctx, id, func(cur *Assignment) error {
		r, err := Reconcile(*t, *cur, in.Scores, in.Notes)
		if err != nil {
			return err
		}
		result = r
		return cur.ApplyReview(r, s.now().UTC())
	})
	if err != nil {
		var missing *MissingManualScoreError
		if errors.As(err, &missing) {
			s.log.Warn("review rejected", zap.String("assignment_id", id), zap.Strings("missing", missing.QuestionIDs))
		}
		return nil, err
	}

	s.metrics.Reviewed()
	s.log.Info("assignment reviewed",
		zap.String("assignment_id", id),
		zap.Int("score_percent", result.ScorePercent),
	)
	return &ReviewResult{Assignment: a, Result: result}, nil
}
