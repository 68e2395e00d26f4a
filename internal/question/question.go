package question

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cogtest/internal/blob"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnknownCategory = errors.New("unknown question category")
)

// Body holds the category specific part of a question. The set of
// implementations is closed.
type Body interface {
	Code() Code
	validate() error
}

type MultipleChoice struct {
	Options            []string `json:"options"`
	CorrectOptionIndex int      `json:"correct_option_index"`
}

type Essay struct{}

type Pair struct {
	Word1 string `json:"word1"`
	Word2 string `json:"word2"`
}

type MemoryPairs struct {
	Pairs []Pair `json:"pairs"`
}

type AudioMemory struct {
	Audio blob.Ref `json:"audio"`
}

type ImageDescription struct {
	Image blob.Ref `json:"image"`
}

func (MultipleChoice) Code() Code   { return CodeMultipleChoice }
func (Essay) Code() Code            { return CodeEssay }
func (MemoryPairs) Code() Code      { return CodeMemoryPairs }
func (AudioMemory) Code() Code      { return CodeAudioMemory }
func (ImageDescription) Code() Code { return CodeImageDescription }

func (b MultipleChoice) validate() error {
	if len(b.Options) < 2 {
		return fmt.Errorf("%w: multiple choice needs at least 2 options", ErrInvalidInput)
	}
	for i, opt := range b.Options {
		if strings.TrimSpace(opt) == "" {
			return fmt.Errorf("%w: option %d is empty", ErrInvalidInput, i)
		}
	}
	if b.CorrectOptionIndex < 0 || b.CorrectOptionIndex >= len(b.Options) {
		return fmt.Errorf("%w: correct_option_index %d out of range", ErrInvalidInput, b.CorrectOptionIndex)
	}
	return nil
}

func (Essay) validate() error { return nil }

func (b MemoryPairs) validate() error {
	if len(b.Pairs) == 0 {
		return fmt.Errorf("%w: memory pairs needs at least one pair", ErrInvalidInput)
	}
	for i, p := range b.Pairs {
		if strings.TrimSpace(p.Word1) == "" || strings.TrimSpace(p.Word2) == "" {
			return fmt.Errorf("%w: pair %d has an empty word", ErrInvalidInput, i)
		}
	}
	return nil
}

func (b AudioMemory) validate() error {
	if !b.Audio.Valid() {
		return fmt.Errorf("%w: audio reference is required", ErrInvalidInput)
	}
	return nil
}

func (b ImageDescription) validate() error {
	if !b.Image.Valid() {
		return fmt.Errorf("%w: image reference is required", ErrInvalidInput)
	}
	return nil
}

type Attachment struct {
	Ref      blob.Ref `json:"ref"`
	Name     string   `json:"name,omitempty"`
	MimeType string   `json:"mime_type"`
}

type Question struct {
	ID          string       `json:"id"`
	Category    Category     `json:"category"`
	Description string       `json:"description"`
	Points      float64      `json:"points"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Body        Body         `json:"-"`
}

func (q Question) Code() Code {
	if q.Body == nil {
		return q.Category.Code
	}
	return q.Body.Code()
}

func (q Question) Validate() error {
	if strings.TrimSpace(q.ID) == "" {
		return fmt.Errorf("%w: question id is required", ErrInvalidInput)
	}
	if q.Body == nil {
		return fmt.Errorf("%w: question %s has no body", ErrInvalidInput, q.ID)
	}
	if q.Category.Code != q.Body.Code() {
		return fmt.Errorf("%w: question %s category %s does not match body %s", ErrInvalidInput, q.ID, q.Category.Code, q.Body.Code())
	}
	if !(q.Points > 0) {
		return fmt.Errorf("%w: question %s points must be positive", ErrInvalidInput, q.ID)
	}
	if len(q.Attachments) > 0 && !q.Category.SupportsFileAttachment {
		return fmt.Errorf("%w: category %s does not take attachments", ErrInvalidInput, q.Category.Code)
	}
	for i, a := range q.Attachments {
		if !a.Ref.Valid() {
			return fmt.Errorf("%w: attachment %d has no reference", ErrInvalidInput, i)
		}
		if a.MimeType != "" && !blob.IsMedia(a.MimeType) {
			return fmt.Errorf("%w: attachment %d must be image or audio", ErrInvalidInput, i)
		}
	}
	if err := q.Body.validate(); err != nil {
		return fmt.Errorf("question %s: %w", q.ID, err)
	}
	return nil
}

// WithoutAnswerKey returns a copy safe to show to the patient.
func (q Question) WithoutAnswerKey() Question {
	if mc, ok := q.Body.(MultipleChoice); ok {
		opts := append([]string(nil), mc.Options...)
		q.Body = MultipleChoice{Options: opts, CorrectOptionIndex: -1}
	}
	return q
}

type questionJSON struct {
	ID          string          `json:"id"`
	Category    Category        `json:"category"`
	Description string          `json:"description"`
	Points      float64         `json:"points"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

func (q Question) MarshalJSON() ([]byte, error) {
	if q.Body == nil {
		return nil, fmt.Errorf("question %s: nil body", q.ID)
	}
	payload, err := json.Marshal(q.Body)
	if err != nil {
		return nil, err
	}
	cat := q.Category
	cat.Code = q.Body.Code()
	return json.Marshal(questionJSON{
		ID:          q.ID,
		Category:    cat,
		Description: q.Description,
		Points:      q.Points,
		Attachments: q.Attachments,
		Payload:     payload,
	})
}

func (q *Question) UnmarshalJSON(data []byte) error {
	var raw questionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	code, ok := ParseCode(string(raw.Category.Code))
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, raw.Category.Code)
	}
	body, err := decodeBody(code, raw.Payload)
	if err != nil {
		return fmt.Errorf("question %s payload: %w", raw.ID, err)
	}
	raw.Category.Code = code
	*q = Question{
		ID:          raw.ID,
		Category:    raw.Category,
		Description: raw.Description,
		Points:      raw.Points,
		Attachments: raw.Attachments,
		Body:        body,
	}
	return nil
}

func decodeBody(code Code, payload json.RawMessage) (Body, error) {
	if len(payload) == 0 || string(payload) == "null" {
		payload = json.RawMessage(`{}`)
	}
	switch code {
	case CodeMultipleChoice:
		var b MultipleChoice
		err := json.Unmarshal(payload, &b)
		return b, err
	case CodeEssay:
		return Essay{}, nil
	case CodeMemoryPairs:
		var b MemoryPairs
		err := json.Unmarshal(payload, &b)
		return b, err
	case CodeAudioMemory:
		var b AudioMemory
		err := json.Unmarshal(payload, &b)
		return b, err
	case CodeImageDescription:
		var b ImageDescription
		err := json.Unmarshal(payload, &b)
		return b, err
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, code)
	}
}
