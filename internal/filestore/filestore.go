// Package filestore is the storage collaborator for submission files and
// review attachments. References are opaque "scheme://bucket/key" strings.
package filestore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"path"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"

	"thesis/api/internal/util"
)

var (
	ErrNotFound   = errors.New("stored object not found")
	ErrEmptyFile  = errors.New("file is empty")
	ErrInvalidRef = errors.New("invalid storage reference")
)

// Metadata describes an object about to be stored. Size is -1 when unknown.
type Metadata struct {
	Filename    string
	ContentType string
	Size        int64
	// Prefix groups objects, e.g. "research/<id>/chapter1".
	Prefix string
}

// Object is what the storage recorded.
type Object struct {
	Ref         string
	Size        int64
	Checksum    string
	ContentType string
}

type Storage interface {
	Store(ctx context.Context, r io.Reader, meta Metadata) (Object, error)
	Retrieve(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

// checksumReader counts and hashes everything read through it.
type checksumReader struct {
	r    io.Reader
	h    hash.Hash
	size int64
}

func newChecksumReader(r io.Reader) *checksumReader {
	h, _ := blake2b.New256(nil)
	return &checksumReader{r: r, h: h}
}

func (c *checksumReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.size += int64(n)
		_, _ = c.h.Write(p[:n])
	}
	return n, err
}

func (c *checksumReader) Sum() string {
	return hex.EncodeToString(c.h.Sum(nil))
}

// Checksum is the blake2b-256 hex digest of data.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeFilename(name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	base = unsafeFilenameChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if base == "" {
		return "file"
	}
	if len(base) > 120 {
		base = base[len(base)-120:]
	}
	return base
}

func objectKey(meta Metadata) string {
	name := util.NewID("obj") + "-" + sanitizeFilename(meta.Filename)
	prefix := strings.Trim(path.Clean("/"+meta.Prefix), "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func buildRef(scheme, bucket, key string) string {
	return scheme + "://" + bucket + "/" + key
}

func parseRef(scheme, ref string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(ref, scheme+"://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if path.Clean("/"+key) != "/"+key {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return bucket, key, nil
}
