// Package upload implements component C3: the resumable chunked blob
// upload session state machine of spec §4.3. A session moves from OPEN
// (accepting ordered chunks) to FINALIZED (concatenated, digest-verified,
// installed as a blob) or is abandoned and deleted.
//
// Grounded on ckmine11-registry-x's pkg/registry/handlers.go
// StartBlobUpload/PatchBlobData/PutBlobUpload, adapted from its
// single-shot S3 writer to an explicit per-chunk row model driven by the
// metadata.Store schema.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/floundr/registryx/pkg/metadata"
	"github.com/floundr/registryx/pkg/storage"
)

// Store is the narrow persistence surface upload logic needs, satisfied
// by *metadata.Store and by an in-memory fake in tests.
type Store interface {
	EnsureRepository(ctx context.Context, name string) (*metadata.Repository, error)
	RepoLookup(ctx context.Context, name string) (*metadata.Repository, error)
	UploadCreate(ctx context.Context, repoID uuid.UUID) (uuid.UUID, error)
	UploadCurrentChunk(ctx context.Context, uploadID uuid.UUID) (int64, error)
	UploadAdvance(ctx context.Context, uploadID uuid.UUID, offset int64) error
	UploadRepository(ctx context.Context, uploadID uuid.UUID) (uuid.UUID, error)
	UploadChunks(ctx context.Context, uploadID uuid.UUID) ([]metadata.Blob, error)
	UploadDelete(ctx context.Context, uploadID uuid.UUID) error
	InsertBlob(ctx context.Context, repoID uuid.UUID, digest, path string, sessionID *uuid.UUID, chunkCount *int64) (uuid.UUID, error)
	BlobExists(ctx context.Context, repoID uuid.UUID, digest string) (bool, error)
	GetBlob(ctx context.Context, repoID uuid.UUID, digest string) (*metadata.Blob, error)
	FindBlobAnyRepo(ctx context.Context, digest string, sourceRepoID *uuid.UUID) (*metadata.Blob, error)
}

// ErrOutOfOrder is returned when a PATCH's starting offset doesn't match
// the session's current_chunk, the 416 case of spec §4.3.2.
type ErrOutOfOrder struct {
	Expected int64
	Got      int64
}

func (e *ErrOutOfOrder) Error() string {
	return fmt.Sprintf("out-of-order chunk: expected offset %d, got %d", e.Expected, e.Got)
}

// ErrDigestMismatch is returned when the finalized blob's computed digest
// does not match the client-supplied expected digest.
type ErrDigestMismatch struct {
	Expected string
	Got      string
}

func (e *ErrDigestMismatch) Error() string {
	return fmt.Sprintf("digest mismatch: expected %s, got %s", e.Expected, e.Got)
}

type Session struct {
	ID           uuid.UUID
	RepositoryID uuid.UUID
}

type Service struct {
	Store   Store
	Content storage.Driver
}

func NewService(store Store, content storage.Driver) *Service {
	return &Service{Store: store, Content: content}
}

// NewSession implements new_session (spec §4.3.1): creates the repository
// if needed and opens an upload row at offset 0.
func (s *Service) NewSession(ctx context.Context, repoName string) (*Session, error) {
	repo, err := s.Store.EnsureRepository(ctx, repoName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository: %w", err)
	}
	id, err := s.Store.UploadCreate(ctx, repo.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload session: %w", err)
	}
	return &Session{ID: id, RepositoryID: repo.ID}, nil
}

func (s *Service) chunkDir(repoName string, uploadID uuid.UUID) string {
	return fmt.Sprintf("%s/blobs/%s", repoName, uploadID)
}

// UploadChunk implements the PATCH step (spec §4.3.2): rejects a chunk
// whose start offset doesn't match the session's recorded current_chunk,
// otherwise streams it to storage, records a chunk-numbered blob row, and
// advances the session.
func (s *Service) UploadChunk(ctx context.Context, repoName string, uploadID uuid.UUID, start int64, body io.Reader) (int64, error) {
	current, err := s.Store.UploadCurrentChunk(ctx, uploadID)
	if err != nil {
		return 0, fmt.Errorf("failed to load session: %w", err)
	}
	if start != current {
		return 0, &ErrOutOfOrder{Expected: current, Got: start}
	}

	repoID, err := s.Store.UploadRepository(ctx, uploadID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve session repository: %w", err)
	}

	filename := fmt.Sprintf("%d", current)
	relPath, n, err := s.Content.StreamToFile(ctx, s.chunkDir(repoName, uploadID), filename, body)
	if err != nil {
		return 0, fmt.Errorf("failed to write chunk: %w", err)
	}

	sessionID := uploadID
	chunkCount := current
	if _, err := s.Store.InsertBlob(ctx, repoID, "", relPath, &sessionID, &chunkCount); err != nil {
		return 0, fmt.Errorf("failed to record chunk: %w", err)
	}

	newOffset := current + n
	if err := s.Store.UploadAdvance(ctx, uploadID, newOffset); err != nil {
		return 0, fmt.Errorf("failed to advance session: %w", err)
	}

	return newOffset, nil
}

// FinishSession implements PUT (spec §4.3.3): concatenates every chunk in
// chunk_count order, verifies the SHA-256 digest against expectedDigest,
// installs the result as a finalized blob, then deletes the session and
// its per-chunk rows.
func (s *Service) FinishSession(ctx context.Context, repoName string, uploadID uuid.UUID, expectedDigest string, final io.Reader) (*metadata.Blob, error) {
	repoID, err := s.Store.UploadRepository(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session repository: %w", err)
	}

	if final != nil {
		if _, err := s.UploadChunk(ctx, repoName, uploadID, mustCurrent(ctx, s.Store, uploadID), final); err != nil {
			return nil, err
		}
	}

	chunks, err := s.Store.UploadChunks(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	hasher := sha256.New()
	readers := make([]io.Reader, 0, len(chunks))
	closers := make([]io.Closer, 0, len(chunks))
	for _, c := range chunks {
		rc, err := s.Content.OpenFile(ctx, c.FilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open chunk %s: %w", c.FilePath, err)
		}
		readers = append(readers, rc)
		closers = append(closers, rc)
	}
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	tee := io.TeeReader(io.MultiReader(readers...), hasher)
	finalDigest := normalizeDigest(expectedDigest)
	relPath, _, err := s.Content.StreamToFile(ctx, fmt.Sprintf("%s/blobs", repoName), finalDigest, tee)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble blob: %w", err)
	}

	computed := "sha256:" + hex.EncodeToString(hasher.Sum(nil))
	if finalDigest != "" && computed != finalDigest {
		s.Content.DeleteFile(ctx, relPath)
		return nil, &ErrDigestMismatch{Expected: finalDigest, Got: computed}
	}

	blobID, err := s.Store.InsertBlob(ctx, repoID, computed, relPath, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to install blob: %w", err)
	}

	if err := s.Store.UploadDelete(ctx, uploadID); err != nil {
		return nil, fmt.Errorf("failed to close session: %w", err)
	}

	return &metadata.Blob{ID: blobID, RepositoryID: repoID, FilePath: relPath}, nil
}

func mustCurrent(ctx context.Context, store Store, uploadID uuid.UUID) int64 {
	n, _ := store.UploadCurrentChunk(ctx, uploadID)
	return n
}

// MonolithicUpload implements the single-request POST-with-body path
// (spec §4.3.4): the whole blob arrives in one call with no prior PATCHes.
func (s *Service) MonolithicUpload(ctx context.Context, repoName string, expectedDigest string, body io.Reader) (*metadata.Blob, error) {
	sess, err := s.NewSession(ctx, repoName)
	if err != nil {
		return nil, err
	}
	return s.FinishSession(ctx, repoName, sess.ID, expectedDigest, body)
}

// MountBlob implements cross-repo blob mount (spec §4.3.5): if a blob with
// digest already exists (optionally scoped to fromRepo), it is linked into
// toRepo without re-streaming bytes.
func (s *Service) MountBlob(ctx context.Context, toRepoName, digest, fromRepo string) (*metadata.Blob, error) {
	toRepo, err := s.Store.EnsureRepository(ctx, toRepoName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve target repository: %w", err)
	}

	digest = normalizeDigest(digest)
	if exists, _ := s.Store.BlobExists(ctx, toRepo.ID, digest); exists {
		return s.Store.GetBlob(ctx, toRepo.ID, digest)
	}

	var sourceRepoID *uuid.UUID
	if fromRepo != "" {
		if r, err := s.Store.RepoLookup(ctx, fromRepo); err == nil {
			sourceRepoID = &r.ID
		}
	}

	source, err := s.Store.FindBlobAnyRepo(ctx, digest, sourceRepoID)
	if err != nil {
		return nil, fmt.Errorf("blob not found to mount: %w", err)
	}

	dstRel := fmt.Sprintf("%s/blobs/%s", toRepoName, digest)
	if err := s.Content.CopyFile(ctx, source.FilePath, dstRel); err != nil {
		return nil, fmt.Errorf("failed to mount blob: %w", err)
	}

	blobID, err := s.Store.InsertBlob(ctx, toRepo.ID, digest, dstRel, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to record mounted blob: %w", err)
	}

	return &metadata.Blob{ID: blobID, RepositoryID: toRepo.ID, FilePath: dstRel}, nil
}

func normalizeDigest(d string) string {
	if d == "" || strings.HasPrefix(d, "sha256:") {
		return d
	}
	return "sha256:" + d
}
