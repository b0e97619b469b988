package upload

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/floundr/registryx/pkg/metadata"
	"github.com/floundr/registryx/pkg/storage"
)

// fakeStore is an in-memory stand-in for metadata.Store so upload logic is
// testable without a Postgres instance.
type fakeStore struct {
	repos   map[string]*metadata.Repository
	uploads map[uuid.UUID]*uploadRow
	blobs   map[uuid.UUID]*metadata.Blob
}

type uploadRow struct {
	repoID  uuid.UUID
	current int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		repos:   map[string]*metadata.Repository{},
		uploads: map[uuid.UUID]*uploadRow{},
		blobs:   map[uuid.UUID]*metadata.Blob{},
	}
}

func (f *fakeStore) EnsureRepository(ctx context.Context, name string) (*metadata.Repository, error) {
	if r, ok := f.repos[name]; ok {
		return r, nil
	}
	r := &metadata.Repository{ID: uuid.New(), Name: name}
	f.repos[name] = r
	return r, nil
}

func (f *fakeStore) RepoLookup(ctx context.Context, name string) (*metadata.Repository, error) {
	if r, ok := f.repos[name]; ok {
		return r, nil
	}
	return nil, metadata.ErrNotFound
}

func (f *fakeStore) UploadCreate(ctx context.Context, repoID uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	f.uploads[id] = &uploadRow{repoID: repoID, current: 0}
	return id, nil
}

func (f *fakeStore) UploadCurrentChunk(ctx context.Context, uploadID uuid.UUID) (int64, error) {
	u, ok := f.uploads[uploadID]
	if !ok {
		return 0, metadata.ErrNotFound
	}
	return u.current, nil
}

func (f *fakeStore) UploadAdvance(ctx context.Context, uploadID uuid.UUID, offset int64) error {
	u, ok := f.uploads[uploadID]
	if !ok {
		return metadata.ErrNotFound
	}
	u.current = offset
	return nil
}

func (f *fakeStore) UploadRepository(ctx context.Context, uploadID uuid.UUID) (uuid.UUID, error) {
	u, ok := f.uploads[uploadID]
	if !ok {
		return uuid.Nil, metadata.ErrNotFound
	}
	return u.repoID, nil
}

func (f *fakeStore) UploadChunks(ctx context.Context, uploadID uuid.UUID) ([]metadata.Blob, error) {
	var chunks []metadata.Blob
	for _, b := range f.blobs {
		if b.UploadSession.Valid && b.UploadSession.UUID == uploadID {
			chunks = append(chunks, *b)
		}
	}
	for i := 0; i < len(chunks); i++ {
		for j := i + 1; j < len(chunks); j++ {
			if chunks[j].ChunkCount.Int64 < chunks[i].ChunkCount.Int64 {
				chunks[i], chunks[j] = chunks[j], chunks[i]
			}
		}
	}
	return chunks, nil
}

func (f *fakeStore) UploadDelete(ctx context.Context, uploadID uuid.UUID) error {
	delete(f.uploads, uploadID)
	for id, b := range f.blobs {
		if b.UploadSession.Valid && b.UploadSession.UUID == uploadID {
			delete(f.blobs, id)
		}
	}
	return nil
}

func (f *fakeStore) InsertBlob(ctx context.Context, repoID uuid.UUID, digest, path string, sessionID *uuid.UUID, chunkCount *int64) (uuid.UUID, error) {
	id := uuid.New()
	b := &metadata.Blob{ID: id, RepositoryID: repoID, FilePath: path}
	if digest != "" {
		b.Digest.String, b.Digest.Valid = digest, true
	}
	if sessionID != nil {
		b.UploadSession = uuid.NullUUID{UUID: *sessionID, Valid: true}
	}
	if chunkCount != nil {
		b.ChunkCount.Int64, b.ChunkCount.Valid = *chunkCount, true
	}
	f.blobs[id] = b
	return id, nil
}

func (f *fakeStore) BlobExists(ctx context.Context, repoID uuid.UUID, digest string) (bool, error) {
	for _, b := range f.blobs {
		if b.RepositoryID == repoID && b.Digest.Valid && b.Digest.String == digest && !b.UploadSession.Valid {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) GetBlob(ctx context.Context, repoID uuid.UUID, digest string) (*metadata.Blob, error) {
	for _, b := range f.blobs {
		if b.RepositoryID == repoID && b.Digest.Valid && b.Digest.String == digest && !b.UploadSession.Valid {
			return b, nil
		}
	}
	return nil, metadata.ErrNotFound
}

func (f *fakeStore) FindBlobAnyRepo(ctx context.Context, digest string, sourceRepoID *uuid.UUID) (*metadata.Blob, error) {
	for _, b := range f.blobs {
		if !b.Digest.Valid || b.Digest.String != digest || b.UploadSession.Valid {
			continue
		}
		if sourceRepoID != nil && b.RepositoryID != *sourceRepoID {
			continue
		}
		return b, nil
	}
	return nil, metadata.ErrNotFound
}

func newTestService(t *testing.T) (*Service, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	drv, err := storage.NewLocalDriver(t.TempDir())
	require.NoError(t, err)
	return NewService(store, drv), store
}

func TestUploadChunkRejectsOutOfOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.NewSession(ctx, "library/alpine")
	require.NoError(t, err)

	_, err = svc.UploadChunk(ctx, "library/alpine", sess.ID, 5, strings.NewReader("hello"))
	require.Error(t, err)
	var outOfOrder *ErrOutOfOrder
	require.ErrorAs(t, err, &outOfOrder)
}

func TestUploadChunkSequenceAndFinish(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.NewSession(ctx, "library/alpine")
	require.NoError(t, err)

	off, err := svc.UploadChunk(ctx, "library/alpine", sess.ID, 0, strings.NewReader("hello "))
	require.NoError(t, err)
	require.EqualValues(t, 6, off)

	off, err = svc.UploadChunk(ctx, "library/alpine", sess.ID, 6, strings.NewReader("world"))
	require.NoError(t, err)
	require.EqualValues(t, 11, off)

	const digest = "sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	blob, err := svc.FinishSession(ctx, "library/alpine", sess.ID, digest, nil)
	require.NoError(t, err)
	require.Equal(t, digest, blob.FilePath[strings.LastIndex(blob.FilePath, "sha256:"):])
}

func TestUploadFinishRejectsDigestMismatch(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.NewSession(ctx, "library/alpine")
	require.NoError(t, err)

	_, err = svc.UploadChunk(ctx, "library/alpine", sess.ID, 0, strings.NewReader("hello world"))
	require.NoError(t, err)

	zeroDigest := "sha256:" + strings.Repeat("0", 64)
	blob, err := svc.FinishSession(ctx, "library/alpine", sess.ID, zeroDigest, nil)
	require.Error(t, err)
	require.Nil(t, blob)
	var mismatch *ErrDigestMismatch
	require.ErrorAs(t, err, &mismatch)
}

func TestMonolithicUploadAndMount(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	const content = "blob-bytes"
	const digest = "sha256:6d98e8b6420256639e35f3b5e821e1b564efc124a5c842a9b91f490ea6efd663"

	blob, err := svc.MonolithicUpload(ctx, "library/alpine", digest, strings.NewReader(content))
	require.NoError(t, err)
	require.NotNil(t, blob)

	// Install a blob manually to exercise MountBlob in isolation.
	repo, _ := store.EnsureRepository(ctx, "library/alpine")
	relPath, _, err := svc.Content.StreamToFile(ctx, "library/alpine/blobs", "sha256:shared", strings.NewReader("shared-bytes"))
	require.NoError(t, err)
	id, err := store.InsertBlob(ctx, repo.ID, "sha256:shared", relPath, nil, nil)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	mounted, err := svc.MountBlob(ctx, "library/other", "sha256:shared", "library/alpine")
	require.NoError(t, err)
	require.Equal(t, "sha256:shared", mounted.FilePath[len(mounted.FilePath)-len("sha256:shared"):])
}
