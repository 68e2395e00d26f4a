package question

import "strings"

// Code identifies a question category. It doubles as the discriminator of
// the question body.
type Code string

const (
	CodeMultipleChoice   Code = "MULTIPLE_CHOICE"
	CodeEssay            Code = "ESSAY"
	CodeMemoryPairs      Code = "MEMORY_PAIRS"
	CodeAudioMemory      Code = "AUDIO_MEMORY"
	CodeImageDescription Code = "IMAGE_DESCRIPTION"
)

var knownCodes = []Code{
	CodeMultipleChoice,
	CodeEssay,
	CodeMemoryPairs,
	CodeAudioMemory,
	CodeImageDescription,
}

// ParseCode accepts any letter case and the hyphenated legacy spelling
// ("MULTIPLE-CHOICE").
func ParseCode(raw string) (Code, bool) {
	v := strings.ToUpper(strings.TrimSpace(raw))
	v = strings.ReplaceAll(v, "-", "_")
	v = strings.ReplaceAll(v, " ", "_")
	for _, c := range knownCodes {
		if Code(v) == c {
			return c, true
		}
	}
	return "", false
}

// AutoScored reports whether answers of this category are scored without a
// clinician.
func (c Code) AutoScored() bool {
	return c == CodeMultipleChoice
}

type Category struct {
	ID                     string `json:"id"`
	Name                   string `json:"name"`
	Code                   Code   `json:"code"`
	SupportsFileAttachment bool   `json:"supports_file_attachment"`
}

// DefaultCategories is the seed set written by the schema bootstrap.
func DefaultCategories() []Category {
	return []Category{
		{ID: "cat-multiple-choice", Name: "Multiple choice", Code: CodeMultipleChoice, SupportsFileAttachment: true},
		{ID: "cat-essay", Name: "Essay", Code: CodeEssay, SupportsFileAttachment: true},
		{ID: "cat-memory-pairs", Name: "Memory pairs", Code: CodeMemoryPairs, SupportsFileAttachment: false},
		{ID: "cat-audio-memory", Name: "Audio memory", Code: CodeAudioMemory, SupportsFileAttachment: true},
		{ID: "cat-image-description", Name: "Image description", Code: CodeImageDescription, SupportsFileAttachment: true},
	}
}
