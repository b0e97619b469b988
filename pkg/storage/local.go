package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalDriver stores content on the local filesystem under BasePath(),
// laid out per spec §4.2:
//
//	<base>/<repo>/blobs/<digest>
//	<base>/<repo>/blobs/<upload-uuid>/<chunk-index>
//	<base>/<repo>/manifests/<reference-or-digest>
type LocalDriver struct {
	base string
}

func NewLocalDriver(base string) (*LocalDriver, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &LocalDriver{base: base}, nil
}

func (d *LocalDriver) BasePath() string { return d.base }

func (d *LocalDriver) StreamToFile(ctx context.Context, dir, filename string, r io.Reader) (string, int64, error) {
	relDir, err := cleanRelPath(dir)
	if err != nil {
		return "", 0, err
	}
	relPath, err := cleanRelPath(filepath.Join(dir, filename))
	if err != nil {
		return "", 0, err
	}

	absDir := filepath.Join(d.base, relDir)
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create %s: %w", absDir, err)
	}

	absPath := filepath.Join(d.base, relPath)
	tmp, err := os.CreateTemp(absDir, ".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	n, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if copyErr != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("failed to stream to file: %w", copyErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, absPath); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("failed to finalize %s: %w", absPath, err)
	}

	return relPath, n, nil
}

func (d *LocalDriver) OpenFile(ctx context.Context, relPath string) (io.ReadCloser, error) {
	rel, err := cleanRelPath(relPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(d.base, rel))
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (d *LocalDriver) StatFile(ctx context.Context, relPath string) (int64, error) {
	rel, err := cleanRelPath(relPath)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(filepath.Join(d.base, rel))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (d *LocalDriver) DeleteFile(ctx context.Context, relPath string) error {
	rel, err := cleanRelPath(relPath)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(d.base, rel))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (d *LocalDriver) DirSize(ctx context.Context, relPath string) (int64, error) {
	rel, err := cleanRelPath(relPath)
	if err != nil {
		return 0, err
	}
	var total int64
	err = filepath.Walk(filepath.Join(d.base, rel), func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (d *LocalDriver) CopyFile(ctx context.Context, srcRelPath, dstRelPath string) error {
	srcRel, err := cleanRelPath(srcRelPath)
	if err != nil {
		return err
	}
	dstRel, err := cleanRelPath(dstRelPath)
	if err != nil {
		return err
	}

	absSrc := filepath.Join(d.base, srcRel)
	absDst := filepath.Join(d.base, dstRel)

	if err := os.MkdirAll(filepath.Dir(absDst), 0o755); err != nil {
		return err
	}

	// Try a hardlink first: identical content, no extra disk usage.
	if err := os.Link(absSrc, absDst); err == nil {
		return nil
	}

	src, err := os.Open(absSrc)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.CreateTemp(filepath.Dir(absDst), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := dst.Name()

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, absDst)
}
