// Package blob stores question media (audio clips, images, supplementary
// attachments) behind opaque references.
package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("blob not found")
	ErrInvalidRef      = errors.New("invalid blob ref")
	ErrUnsupportedMIME = errors.New("unsupported media type")
)

// Ref is an opaque reference to a stored object. Callers never parse it.
type Ref string

func (r Ref) String() string { return string(r) }

// Valid reports whether r is a single path segment without traversal.
func (r Ref) Valid() bool {
	s := string(r)
	if strings.TrimSpace(s) == "" || len(s) > 200 {
		return false
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return false
	}
	return true
}

type Object struct {
	Ref       Ref       `json:"ref"`
	Name      string    `json:"name,omitempty"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

type Store interface {
	Put(ctx context.Context, name string, r io.Reader) (Object, error)
	Open(ctx context.Context, ref Ref) (io.ReadCloser, Object, error)
	Stat(ctx context.Context, ref Ref) (Object, error)
	Delete(ctx context.Context, ref Ref) error
}

// IsMedia reports whether a MIME type is accepted as question media.
func IsMedia(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "audio/")
}

// Sniff reads the head of r to detect its MIME type and returns a reader
// that still yields the full content.
func Sniff(r io.Reader) (mimeType, ext string, full io.Reader, err error) {
	head := make([]byte, 3072)
	n, readErr := io.ReadFull(r, head)
	if readErr != nil && !errors.Is(readErr, io.ErrUnexpectedEOF) && !errors.Is(readErr, io.EOF) {
		return "", "", nil, readErr
	}
	head = head[:n]
	m := mimetype.Detect(head)
	return baseMIME(m.String()), m.Extension(), io.MultiReader(bytes.NewReader(head), r), nil
}

func newRef(name, detectedExt string) Ref {
	ext := detectedExt
	if ext == "" {
		ext = strings.ToLower(path.Ext(name))
	}
	if len(ext) > 10 || strings.ContainsAny(ext, `/\`) {
		ext = ""
	}
	return Ref(uuid.NewString() + ext)
}

func baseMIME(m string) string {
	if i := strings.IndexByte(m, ';'); i >= 0 {
		return strings.TrimSpace(m[:i])
	}
	return m
}
