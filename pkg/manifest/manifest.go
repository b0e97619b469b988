// Package manifest implements component C4: validating and persisting
// image manifests, resolving tags and digests, cascading deletes, listing
// tags, and garbage-collecting orphaned blobs.
//
// Grounded on ckmine11-registry-x's pkg/registry/handlers.go
// PutManifest/GetManifest/Tags, restructured around metadata.Store's
// transactional manifest_delete_cascade.
package manifest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/floundr/registryx/pkg/metadata"
	"github.com/floundr/registryx/pkg/storage"
)

var ErrManifestBlobUnknown = errors.New("manifest references an unknown blob")

// Store is the narrow persistence surface manifest logic needs.
type Store interface {
	EnsureRepository(ctx context.Context, name string) (*metadata.Repository, error)
	RepoLookup(ctx context.Context, name string) (*metadata.Repository, error)
	BlobExists(ctx context.Context, repoID uuid.UUID, digest string) (bool, error)
	ManifestByReference(ctx context.Context, repoID uuid.UUID, reference string) (*metadata.Manifest, error)
	ListTags(ctx context.Context, repoID uuid.UUID, n int, last string) ([]string, error)
	DeleteTag(ctx context.Context, repoID uuid.UUID, tag string) error
	BeginTx(ctx context.Context) (*sql.Tx, error)
	OrphanedBlobs(ctx context.Context) ([]metadata.OrphanBlob, error)
	DeleteBlobRow(ctx context.Context, id uuid.UUID) error
}

type Service struct {
	Store   Store
	Content storage.Driver
}

func NewService(store Store, content storage.Driver) *Service {
	return &Service{Store: store, Content: content}
}

// manifestDoc is the subset of an OCI/Docker manifest this registry reads
// to validate and index layer references (spec §4.4).
type manifestDoc struct {
	SchemaVersion int    `json:"schemaVersion"`
	MediaType     string `json:"mediaType"`
	Config        struct {
		Digest    string `json:"digest"`
		Size      int64  `json:"size"`
		MediaType string `json:"mediaType"`
	} `json:"config"`
	Layers []struct {
		Digest    string `json:"digest"`
		Size      int64  `json:"size"`
		MediaType string `json:"mediaType"`
	} `json:"layers"`
}

// blobRef is a content reference pulled out of a manifest document: a
// config blob or a layer.
type blobRef struct {
	Digest    string
	Size      int64
	MediaType string
}

// parsed is the result of parseManifest: everything PutManifest needs to
// validate and persist, computed without touching storage or the database
// so it can be unit tested directly.
type parsed struct {
	Digest        string
	MediaType     string
	SchemaVersion int
	Refs          []blobRef
}

// parseManifest decodes raw, derives its canonical sha256 digest, resolves
// the media type (explicit Content-Type wins over the document's own
// mediaType field) and schema version (defaulting to 2), and collects
// every blob it references (config plus layers).
func parseManifest(raw []byte, contentType string) (*parsed, error) {
	var doc manifestDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid manifest json: %w", err)
	}

	refs := make([]blobRef, 0, len(doc.Layers)+1)
	if doc.Config.Digest != "" {
		refs = append(refs, blobRef{doc.Config.Digest, doc.Config.Size, doc.Config.MediaType})
	}
	for _, l := range doc.Layers {
		refs = append(refs, blobRef{l.Digest, l.Size, l.MediaType})
	}

	sum := sha256.Sum256(raw)
	digest := "sha256:" + hex.EncodeToString(sum[:])

	mediaType := contentType
	if mediaType == "" {
		mediaType = doc.MediaType
	}
	schemaVersion := doc.SchemaVersion
	if schemaVersion == 0 {
		schemaVersion = 2
	}

	return &parsed{Digest: digest, MediaType: mediaType, SchemaVersion: schemaVersion, Refs: refs}, nil
}

// PutManifest implements put_manifest (spec §4.4): parses the manifest,
// verifies every referenced layer and config blob already exists in the
// repository, stores the manifest file, records its layers, and upserts
// reference as a tag (or leaves it digest-addressed only if reference is
// already a digest).
func (s *Service) PutManifest(ctx context.Context, repoName, reference, contentType string, raw []byte) (*metadata.Manifest, error) {
	repo, err := s.Store.EnsureRepository(ctx, repoName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository: %w", err)
	}

	p, err := parseManifest(raw, contentType)
	if err != nil {
		return nil, err
	}

	for _, ref := range p.Refs {
		exists, err := s.Store.BlobExists(ctx, repo.ID, ref.Digest)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrManifestBlobUnknown, ref.Digest)
		}
	}

	digest, mediaType, schemaVersion := p.Digest, p.MediaType, p.SchemaVersion

	relPath, _, err := s.Content.StreamToFile(ctx, repoName+"/manifests", digest, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to store manifest: %w", err)
	}

	tx, err := s.Store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	manifestID, err := metadata.ManifestInsert(ctx, tx, repo.ID, digest, relPath, mediaType, int64(len(raw)), schemaVersion)
	if err != nil {
		return nil, err
	}

	for _, ref := range p.Refs {
		if err := metadata.LayerInsert(ctx, tx, manifestID, repo.ID, ref.Digest, ref.Size, ref.MediaType); err != nil {
			return nil, err
		}
		if err := metadata.IncRefCount(ctx, tx, repo.ID, ref.Digest); err != nil {
			return nil, err
		}
	}

	if !isDigest(reference) {
		if err := metadata.TagUpsert(ctx, tx, repo.ID, reference, manifestID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &metadata.Manifest{
		ID: manifestID, RepositoryID: repo.ID, Digest: digest,
		MediaType: mediaType, Size: int64(len(raw)), SchemaVersion: schemaVersion, FilePath: relPath,
	}, nil
}

// GetManifest implements get_manifest: resolve reference (tag, then
// digest) and return the manifest row plus its stored bytes.
func (s *Service) GetManifest(ctx context.Context, repoName, reference string) (*metadata.Manifest, []byte, error) {
	repo, err := s.Store.RepoLookup(ctx, repoName)
	if err != nil {
		return nil, nil, err
	}

	m, err := s.Store.ManifestByReference(ctx, repo.ID, reference)
	if err != nil {
		return nil, nil, err
	}

	r, err := s.Content.OpenFile(ctx, m.FilePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open manifest file: %w", err)
	}
	defer r.Close()

	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}

	return m, buf, nil
}

// DeleteManifest implements delete_manifest: cascades manifest_layers and
// tags rows, decrements blob ref counts, deletes any blob that reaches
// zero, deletes the manifest row, then removes the backing files.
func (s *Service) DeleteManifest(ctx context.Context, repoName, reference string) error {
	repo, err := s.Store.RepoLookup(ctx, repoName)
	if err != nil {
		return err
	}

	tx, err := s.Store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, orphanedPaths, err := metadata.ManifestDeleteCascade(ctx, tx, repo.ID, reference)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.Content.DeleteFile(ctx, result.FilePath)
	for _, p := range orphanedPaths {
		s.Content.DeleteFile(ctx, p)
	}
	return nil
}

// ListTags implements list_tags with pagination (spec §4.4).
func (s *Service) ListTags(ctx context.Context, repoName string, n int, last string) ([]string, error) {
	repo, err := s.Store.RepoLookup(ctx, repoName)
	if err != nil {
		return nil, err
	}
	return s.Store.ListTags(ctx, repo.ID, n, last)
}

// RunGC implements run_gc: deletes every ref_count == 0 blob's backing
// file, then its row.
func (s *Service) RunGC(ctx context.Context) (int, error) {
	orphans, err := s.Store.OrphanedBlobs(ctx)
	if err != nil {
		return 0, err
	}
	for _, o := range orphans {
		s.Content.DeleteFile(ctx, o.FilePath)
		if err := s.Store.DeleteBlobRow(ctx, o.ID); err != nil {
			return 0, err
		}
	}
	return len(orphans), nil
}

func isDigest(reference string) bool {
	return len(reference) > 7 && reference[:7] == "sha256:"
}
