package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalDriverStreamAndRead(t *testing.T) {
	d, err := NewLocalDriver(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	relPath, n, err := d.StreamToFile(ctx, "library/alpine/blobs", "sha256:abc", strings.NewReader("hello"))
	require.NoError(t, err)
	require.EqualValues(t, 5, n)

	size, err := d.StatFile(ctx, relPath)
	require.NoError(t, err)
	require.EqualValues(t, 5, size)

	r, err := d.OpenFile(ctx, relPath)
	require.NoError(t, err)
	defer r.Close()

	buf := make([]byte, 5)
	_, err = r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
}

func TestLocalDriverRejectsEscapingPaths(t *testing.T) {
	d, err := NewLocalDriver(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	_, _, err = d.StreamToFile(ctx, "../escape", "x", strings.NewReader("x"))
	require.Error(t, err)

	_, err = d.OpenFile(ctx, "../../etc/passwd")
	require.Error(t, err)

	_, err = d.StatFile(ctx, "/absolute")
	require.Error(t, err)
}

func TestLocalDriverCopyFileMounts(t *testing.T) {
	d, err := NewLocalDriver(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	srcRel, _, err := d.StreamToFile(ctx, "team/src/blobs", "sha256:shared", strings.NewReader("shared-bytes"))
	require.NoError(t, err)

	dstRel := "team/dst/blobs/sha256:shared"
	require.NoError(t, d.CopyFile(ctx, srcRel, dstRel))

	size, err := d.StatFile(ctx, dstRel)
	require.NoError(t, err)
	require.EqualValues(t, len("shared-bytes"), size)
}

func TestLocalDriverDirSize(t *testing.T) {
	d, err := NewLocalDriver(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	_, _, err = d.StreamToFile(ctx, "repo/blobs", "a", strings.NewReader("1234"))
	require.NoError(t, err)
	_, _, err = d.StreamToFile(ctx, "repo/blobs", "b", strings.NewReader("12"))
	require.NoError(t, err)

	size, err := d.DirSize(ctx, "repo")
	require.NoError(t, err)
	require.EqualValues(t, 6, size)
}
