// Package session drives one patient through an assignment on the client
// side. Answers are kept locally and persisted through a write-ahead queue so
// navigation never waits on the network.
package session

import (
	"context"
	"fmt"
	"sync"

	"cogtest/internal/assignment"
	"cogtest/internal/client"
	"cogtest/internal/question"

	"golang.org/x/sync/errgroup"
)

// ErrTransport marks network and service failures. They never change local
// state.
var ErrTransport = client.ErrTransport

// Services is the remote side of a session.
type Services interface {
	GetAssignment(ctx context.Context, id string) (*assignment.Assignment, error)
	GetAssignmentTest(ctx context.Context, id string) (*question.Test, error)
	LoadProgress(ctx context.Context, id string) (assignment.Progress, error)
	SaveAnswer(ctx context.Context, assignmentID, questionID, raw string) error
	Submit(ctx context.Context, assignmentID string) (assignment.OutcomeKind, error)
}

type Session struct {
	svc   Services
	queue *Queue

	mu        sync.Mutex
	a         assignment.Assignment
	test      question.Test
	answers   map[string]string
	index     int
	completed bool
	outcome   assignment.OutcomeKind
}

// Start loads the assignment, its test and saved progress, and positions the
// session at the first unanswered question.
func Start(ctx context.Context, svc Services, assignmentID string, opts ...QueueOption) (*Session, error) {
	var (
		a    *assignment.Assignment
		t    *question.Test
		prog assignment.Progress
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		a, err = svc.GetAssignment(gctx, assignmentID)
		return err
	})
	g.Go(func() error {
		var err error
		t, err = svc.GetAssignmentTest(gctx, assignmentID)
		return err
	})
	g.Go(func() error {
		var err error
		prog, err = svc.LoadProgress(gctx, assignmentID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("start session %s: %w", assignmentID, err)
	}
	if a.Status == assignment.StatusCompleted {
		return nil, assignment.ErrAlreadyCompleted
	}

	answers := make(map[string]string, len(prog.Answers))
	if prog.Found {
		for id, raw := range prog.Answers {
			answers[id] = raw
		}
	}

	s := &Session{
		svc:     svc,
		a:       *a,
		test:    *t,
		answers: answers,
		index:   assignment.ResumePoint(*t, answers),
	}
	s.queue = NewQueue(func(ctx context.Context, questionID, raw string) error {
		return svc.SaveAnswer(ctx, assignmentID, questionID, raw)
	}, opts...)
	return s, nil
}

func (s *Session) Queue() *Queue { return s.queue }

// Run persists queued answers in the background until ctx ends.
func (s *Session) Run(ctx context.Context) { s.queue.Run(ctx) }

func (s *Session) Test() question.Test {
	return s.test.WithoutAnswerKeys()
}

// Answer records raw locally and queues it for persistence.
func (s *Session) Answer(questionID, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return assignment.ErrAlreadyCompleted
	}
	if _, ok := s.test.Question(questionID); !ok {
		return assignment.ErrQuestionNotInTest
	}
	s.answers[questionID] = raw
	s.queue.Enqueue(questionID, raw)
	return nil
}

func (s *Session) Answers() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.answers))
	for k, v := range s.answers {
		out[k] = v
	}
	return out
}

// Current returns the question at the cursor and its index.
func (s *Session) Current() (question.Question, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.test.Questions) == 0 {
		return question.Question{}, -1
	}
	return s.test.Questions[s.index].WithoutAnswerKey(), s.index
}

func (s *Session) Next() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index+1 >= len(s.test.Questions) {
		return false
	}
	s.index++
	return true
}

func (s *Session) Prev() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index == 0 {
		return false
	}
	s.index--
	return true
}

func (s *Session) Goto(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.test.Questions) {
		return fmt.Errorf("question index %d out of range [0, %d)", i, len(s.test.Questions))
	}
	s.index = i
	return nil
}

func (s *Session) Unanswered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return assignment.Unanswered(s.test, s.answers)
}

// Submit checks completeness locally, flushes pending answers and asks the
// server to finalize. Any failure leaves the session usable.
func (s *Session) Submit(ctx context.Context) (assignment.OutcomeKind, error) {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return s.outcome, assignment.ErrAlreadyCompleted
	}
	missing := assignment.Unanswered(s.test, s.answers)
	s.mu.Unlock()
	if len(missing) > 0 {
		return "", &assignment.IncompleteSubmissionError{Unanswered: missing}
	}

	if err := s.queue.Flush(ctx); err != nil {
		return "", fmt.Errorf("flush answers: %w", err)
	}
	kind, err := s.svc.Submit(ctx, s.a.ID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.completed = true
	s.outcome = kind
	s.a.Status = assignment.StatusCompleted
	s.mu.Unlock()
	return kind, nil
}

func (s *Session) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}
