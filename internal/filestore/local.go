package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const localScheme = "local"

// Local keeps objects under a directory on disk.
type Local struct {
	root string
	name string
}

func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Local{root: abs, name: "uploads"}, nil
}

func (l *Local) Store(ctx context.Context, r io.Reader, meta Metadata) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	key := objectKey(meta)
	target := filepath.Join(l.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Object{}, fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return Object{}, fmt.Errorf("create temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	counted := newChecksumReader(r)
	if _, err := io.Copy(tmp, counted); err != nil {
		_ = tmp.Close()
		return Object{}, fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Object{}, fmt.Errorf("close object: %w", err)
	}
	if counted.size == 0 {
		return Object{}, ErrEmptyFile
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return Object{}, fmt.Errorf("commit object: %w", err)
	}

	return Object{
		Ref:         buildRef(localScheme, l.name, key),
		Size:        counted.size,
		Checksum:    counted.Sum(),
		ContentType: meta.ContentType,
	}, nil
}

func (l *Local) Retrieve(_ context.Context, ref string) (io.ReadCloser, error) {
	target, err := l.resolve(ref)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	return file, nil
}

func (l *Local) Delete(_ context.Context, ref string) error {
	target, err := l.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (l *Local) resolve(ref string) (string, error) {
	bucket, key, err := parseRef(localScheme, ref)
	if err != nil {
		return "", err
	}
	if bucket != l.name {
		return "", fmt.Errorf("%w: unknown bucket %q", ErrInvalidRef, bucket)
	}
	return filepath.Join(l.root, filepath.FromSlash(key)), nil
}
