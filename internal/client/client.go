// Package client talks to the cogtest HTTP API. Error envelopes are mapped
// back onto the assignment package sentinels so callers can use errors.Is
// on either side of the wire.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"cogtest/internal/assignment"
	"cogtest/internal/question"
)

var (
	ErrTransport    = errors.New("transport failure")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

const defaultTimeout = 15 * time.Second

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
	Details   json.RawMessage
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "already_completed":
		return assignment.ErrAlreadyCompleted
	case "already_scored":
		return assignment.ErrAlreadyScored
	case "not_awaiting_review":
		return assignment.ErrNotAwaitingReview
	case "not_started":
		return assignment.ErrNotStarted
	case "question_not_in_test":
		return assignment.ErrQuestionNotInTest
	case "incomplete_submission":
		return assignment.ErrIncompleteSubmission
	case "missing_manual_score":
		return assignment.ErrMissingManualScore
	case "invalid_manual_score":
		return assignment.ErrInvalidManualScore
	case "unauthorized":
		return ErrUnauthorized
	case "forbidden":
		return ErrForbidden
	case "not_found":
		return ErrNotFound
	}
	if e.Status == http.StatusTooManyRequests || e.Status >= 500 {
		return ErrTransport
	}
	return nil
}

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
	Meta struct {
		RequestID string `json:"request_id"`
	} `json:"meta"`
}

type Client struct {
	base *url.URL
	http *http.Client

	mu    sync.Mutex
	token string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	c := &Client{base: u, http: &http.Client{Timeout: defaultTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

type loginResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Login exchanges credentials for an access token and keeps it.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var out loginResponse
	body := map[string]string{"username": username, "password": password}
	if err := c.send(ctx, http.MethodPost, "/api/v1/auth/login", body, &out); err != nil {
		return err
	}
	c.SetToken(out.AccessToken)
	return nil
}

func (c *Client) refresh(ctx context.Context) error {
	var out loginResponse
	if err := c.send(ctx, http.MethodPost, "/api/v1/auth/refresh", nil, &out); err != nil {
		return err
	}
	c.SetToken(out.AccessToken)
	return nil
}

// do sends one request. An expired access token is refreshed once and the
// request replayed.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	err := c.send(ctx, method, path, in, out)
	if !errors.Is(err, ErrUnauthorized) || c.Token() == "" {
		return err
	}
	if rerr := c.refresh(ctx); rerr != nil {
		return err
	}
	return c.send(ctx, method, path, in, out)
}

func (c *Client) send(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	defer res.Body.Close()

	var env envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		if res.StatusCode >= 500 {
			return fmt.Errorf("%w: %s %s: status %d", ErrTransport, method, path, res.StatusCode)
		}
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	if res.StatusCode >= 300 || !env.OK {
		apiErr := &APIError{Status: res.StatusCode, RequestID: env.Meta.RequestID}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr.typed()
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s %s data: %w", method, path, err)
	}
	return nil
}

// typed lifts error details into the structured assignment errors.
func (e *APIError) typed() error {
	switch e.Code {
	case "incomplete_submission":
		var d struct {
			Unanswered []string `json:"unanswered"`
		}
		if json.Unmarshal(e.Details, &d) == nil {
			return &assignment.IncompleteSubmissionError{Unanswered: d.Unanswered}
		}
	case "missing_manual_score":
		var d struct {
			QuestionIDs []string `json:"question_ids"`
		}
		if json.Unmarshal(e.Details, &d) == nil {
			return &assignment.MissingManualScoreError{QuestionIDs: d.QuestionIDs}
		}
	}
	return e
}

func assignmentPath(id string, parts ...string) string {
	p := "/api/v1/assignments/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (c *Client) GetAssignment(ctx context.Context, id string) (*assignment.Assignment, error) {
	var a assignment.Assignment
	if err := c.do(ctx, http.MethodGet, assignmentPath(id), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) ListAssignments(ctx context.Context, status assignment.Status) ([]assignment.Assignment, error) {
	path := "/api/v1/assignments"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var items []assignment.Assignment
	if err := c.do(ctx, http.MethodGet, path, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Client) GetAssignmentTest(ctx context.Context, id string) (*question.Test, error) {
	var t question.Test
	if err := c.do(ctx, http.MethodGet, assignmentPath(id, "test"), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) LoadProgress(ctx context.Context, id string) (assignment.Progress, error) {
	var p assignment.Progress
	if err := c.do(ctx, http.MethodGet, assignmentPath(id, "progress"), nil, &p); err != nil {
		return assignment.Progress{}, err
	}
	return p, nil
}

func (c *Client) SaveAnswer(ctx context.Context, assignmentID, questionID, raw string) error {
	body := map[string]string{"raw_answer": raw}
	return c.do(ctx, http.MethodPut, assignmentPath(assignmentID, "answers", questionID), body, nil)
}

func (c *Client) Submit(ctx context.Context, assignmentID string) (assignment.OutcomeKind, error) {
	var out struct {
		Outcome assignment.OutcomeKind `json:"outcome"`
	}
	if err := c.do(ctx, http.MethodPost, assignmentPath(assignmentID, "submit"), struct{}{}, &out); err != nil {
		return "", err
	}
	return out.Outcome, nil
}

func (c *Client) SubmitReview(ctx context.Context, assignmentID string, scores map[string]float64, notes string) (*assignment.ReviewResult, error) {
	body := map[string]any{"scores": scores, "notes": notes}
	var out assignment.ReviewResult
	if err := c.do(ctx, http.MethodPost, assignmentPath(assignmentID, "review"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
