package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

type FSStore struct{ base string }

func NewFSStore(base string) (*FSStore, error) {
	if base == "" {
		base = "./data/blobs"
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FSStore{base: base}, nil
}

func (s *FSStore) Put(ctx context.Context, name string, r io.Reader) (Object, error) {
	mimeType, ext, full, err := Sniff(r)
	if err != nil {
		return Object{}, fmt.Errorf("sniff blob: %w", err)
	}
	ref := newRef(name, ext)

	tmp, err := os.CreateTemp(s.base, ".upload-*")
	if err != nil {
		return Object{}, fmt.Errorf("create temp blob: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	size, err := io.Copy(tmp, full)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Object{}, fmt.Errorf("write blob: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	if err := os.Rename(tmp.Name(), s.path(ref)); err != nil {
		return Object{}, fmt.Errorf("commit blob: %w", err)
	}

	info, err := os.Stat(s.path(ref))
	if err != nil {
		return Object{}, fmt.Errorf("stat blob: %w", err)
	}
	return Object{Ref: ref, Name: name, MimeType: mimeType, Size: size, CreatedAt: info.ModTime()}, nil
}

func (s *FSStore) Open(ctx context.Context, ref Ref) (io.ReadCloser, Object, error) {
	obj, err := s.Stat(ctx, ref)
	if err != nil {
		return nil, Object{}, err
	}
	f, err := os.Open(s.path(ref))
	if err != nil {
		return nil, Object{}, fmt.Errorf("open blob: %w", err)
	}
	return f, obj, nil
}

func (s *FSStore) Stat(ctx context.Context, ref Ref) (Object, error) {
	if !ref.Valid() {
		return Object{}, ErrInvalidRef
	}
	info, err := os.Stat(s.path(ref))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Object{}, ErrNotFound
		}
		return Object{}, fmt.Errorf("stat blob: %w", err)
	}
	m, err := mimetype.DetectFile(s.path(ref))
	if err != nil {
		return Object{}, fmt.Errorf("detect blob type: %w", err)
	}
	return Object{Ref: ref, MimeType: baseMIME(m.String()), Size: info.Size(), CreatedAt: info.ModTime()}, nil
}

func (s *FSStore) Delete(ctx context.Context, ref Ref) error {
	if !ref.Valid() {
		return ErrInvalidRef
	}
	if err := os.Remove(s.path(ref)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (s *FSStore) path(ref Ref) string {
	return filepath.Join(s.base, filepath.Clean(string(ref)))
}
