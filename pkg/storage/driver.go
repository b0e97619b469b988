// Package storage implements the content-addressed store (spec §4.2, C2).
// It is pluggable: Local is the required backend, S3 is the optional one
// selected with --driver s3.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
)

// Driver is the contract every content-store backend satisfies.
type Driver interface {
	// BasePath returns the backend's root (a filesystem path for Local, the
	// bucket name for S3).
	BasePath() string
	// StreamToFile creates dir if absent under the base path and streams r
	// to base/dir/filename, returning the stored relative path and the
	// number of bytes written.
	StreamToFile(ctx context.Context, dir, filename string, r io.Reader) (relPath string, size int64, err error)
	// OpenFile opens relPath for reading.
	OpenFile(ctx context.Context, relPath string) (io.ReadCloser, error)
	// StatFile returns the size of relPath, or an error if it doesn't exist.
	StatFile(ctx context.Context, relPath string) (int64, error)
	// DeleteFile removes relPath. Not an error if it is already absent.
	DeleteFile(ctx context.Context, relPath string) error
	// DirSize returns the total size in bytes of everything under relPath.
	DirSize(ctx context.Context, relPath string) (int64, error)
	// CopyFile copies srcRelPath to dstRelPath without round-tripping
	// through the caller (used by blob mount, spec §4.3.5).
	CopyFile(ctx context.Context, srcRelPath, dstRelPath string) error
}

// ErrInvalidPath is returned when a caller-supplied relative path escapes
// the store root or is otherwise malformed (spec §4.2 "Path validation").
type ErrInvalidPath struct {
	Path string
}

func (e *ErrInvalidPath) Error() string {
	return fmt.Sprintf("invalid storage path: %q", e.Path)
}

// cleanRelPath validates that p consists entirely of "normal" path
// components: no absolute prefix, no "..", no empty segments.
func cleanRelPath(p string) (string, error) {
	if p == "" {
		return "", &ErrInvalidPath{Path: p}
	}
	cleaned := path.Clean(p)
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", &ErrInvalidPath{Path: p}
	}
	for _, part := range strings.Split(cleaned, "/") {
		if part == ".." || part == "" {
			return "", &ErrInvalidPath{Path: p}
		}
	}
	return cleaned, nil
}

// New returns the content store backend named by driver ("" or "local",
// or "s3").
func New(driver string, local *LocalDriver, s3 *S3Driver) (Driver, error) {
	switch driver {
	case "", "local":
		return local, nil
	case "s3":
		if s3 == nil {
			return nil, fmt.Errorf("s3 driver requested but not configured")
		}
		return s3, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
