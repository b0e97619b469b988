// Package metadata is the relational index of spec §3/§4.1 (component C1):
// repositories, blobs, uploads, manifests, manifest_layers and tags. It
// exposes a typed query surface; every multi-row mutation runs inside a
// transaction acquired with BeginTx.
//
// Grounded on ckmine11-registry-x's pkg/metadata/service.go (query shapes,
// $N placeholders, ON CONFLICT upserts over *sql.DB).
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("metadata: not found")

type Store struct {
	DB *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Queryer is satisfied by both *sql.DB and *sql.Tx, so callers can run the
// same helpers inside or outside a transaction.
type Queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// BeginTx starts a transaction for callers that need repeatable-read
// semantics across several of the operations below (spec §5: put_manifest
// and delete_manifest on the same reference must serialize).
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
}

type Repository struct {
	ID       uuid.UUID
	Name     string
	IsPublic bool
}

// RepoLookup resolves a repository name to its row, spec §4.1.
func (s *Store) RepoLookup(ctx context.Context, name string) (*Repository, error) {
	return repoLookup(ctx, s.DB, name)
}

func repoLookup(ctx context.Context, q Queryer, name string) (*Repository, error) {
	var r Repository
	err := q.QueryRowContext(ctx, `SELECT id, name, is_public FROM repositories WHERE name = $1`, name).
		Scan(&r.ID, &r.Name, &r.IsPublic)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// EnsureRepository creates the repository if it doesn't exist (implicit
// creation on first push, spec §3), otherwise returns the existing row.
func (s *Store) EnsureRepository(ctx context.Context, name string) (*Repository, error) {
	var r Repository
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO repositories (id, name, is_public)
		VALUES ($1, $2, FALSE)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, is_public`, uuid.New(), name).Scan(&r.ID, &r.Name, &r.IsPublic)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure repository %s: %w", name, err)
	}
	return &r, nil
}

// CreateRepository is the explicit admin path (registryctl new-repo).
func (s *Store) CreateRepository(ctx context.Context, name string, isPublic bool) (*Repository, error) {
	r := &Repository{ID: uuid.New(), Name: name, IsPublic: isPublic}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO repositories (id, name, is_public) VALUES ($1, $2, $3)`,
		r.ID, r.Name, r.IsPublic)
	if err != nil {
		return nil, err
	}
	return r, nil
}

type Blob struct {
	ID            uuid.UUID
	RepositoryID  uuid.UUID
	Digest        sql.NullString
	FilePath      string
	RefCount      int
	UploadSession uuid.NullUUID
	ChunkCount    sql.NullInt64
}

// BlobExists checks blob_exists(repo, digest) for a finalized blob.
func (s *Store) BlobExists(ctx context.Context, repoID uuid.UUID, digest string) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM blobs WHERE repository_id = $1 AND digest = $2 AND upload_session_id IS NULL)`,
		repoID, digest).Scan(&exists)
	return exists, err
}

// GetBlob returns a finalized blob row by (repo, digest).
func (s *Store) GetBlob(ctx context.Context, repoID uuid.UUID, digest string) (*Blob, error) {
	return getBlob(ctx, s.DB, repoID, digest)
}

func getBlob(ctx context.Context, q Queryer, repoID uuid.UUID, digest string) (*Blob, error) {
	var b Blob
	err := q.QueryRowContext(ctx, `
		SELECT id, repository_id, digest, file_path, ref_count, upload_session_id, chunk_count
		FROM blobs WHERE repository_id = $1 AND digest = $2 AND upload_session_id IS NULL`,
		repoID, digest).Scan(&b.ID, &b.RepositoryID, &b.Digest, &b.FilePath, &b.RefCount, &b.UploadSession, &b.ChunkCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// FindBlobAnyRepo locates a finalized blob matching digest, optionally
// scoped to sourceRepo, used by mount_blob (spec §4.3.5).
func (s *Store) FindBlobAnyRepo(ctx context.Context, digest string, sourceRepoID *uuid.UUID) (*Blob, error) {
	var b Blob
	var err error
	if sourceRepoID != nil {
		err = s.DB.QueryRowContext(ctx, `
			SELECT id, repository_id, digest, file_path, ref_count, upload_session_id, chunk_count
			FROM blobs WHERE repository_id = $1 AND digest = $2 AND upload_session_id IS NULL`,
			*sourceRepoID, digest).Scan(&b.ID, &b.RepositoryID, &b.Digest, &b.FilePath, &b.RefCount, &b.UploadSession, &b.ChunkCount)
	} else {
		err = s.DB.QueryRowContext(ctx, `
			SELECT id, repository_id, digest, file_path, ref_count, upload_session_id, chunk_count
			FROM blobs WHERE digest = $1 AND upload_session_id IS NULL LIMIT 1`,
			digest).Scan(&b.ID, &b.RepositoryID, &b.Digest, &b.FilePath, &b.RefCount, &b.UploadSession, &b.ChunkCount)
	}
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// InsertBlob records a blob row. sessionID/chunkCount are set for in-flight
// chunk rows and left nil for finalized blobs (spec §4.1 insert_blob).
func (s *Store) InsertBlob(ctx context.Context, repoID uuid.UUID, digest, path string, sessionID *uuid.UUID, chunkCount *int64) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO blobs (id, repository_id, digest, file_path, ref_count, upload_session_id, chunk_count)
		VALUES ($1, $2, $3, $4, 0, $5, $6)`,
		id, repoID, digest, path, sessionID, chunkCount)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert blob: %w", err)
	}
	return id, nil
}

// IncRefCount implements inc_refcount(digest), scoped to the referencing
// repository's blob row.
func IncRefCount(ctx context.Context, q Queryer, repoID uuid.UUID, digest string) error {
	res, err := q.ExecContext(ctx, `UPDATE blobs SET ref_count = ref_count + 1 WHERE repository_id = $1 AND digest = $2`, repoID, digest)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DecRefCount implements dec_refcount(digest) and returns the resulting
// count so the caller can decide GC-eligibility.
func DecRefCount(ctx context.Context, q Queryer, repoID uuid.UUID, digest string) (int, error) {
	var newCount int
	err := q.QueryRowContext(ctx, `
		UPDATE blobs SET ref_count = GREATEST(ref_count - 1, 0)
		WHERE repository_id = $1 AND digest = $2
		RETURNING ref_count`, repoID, digest).Scan(&newCount)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return newCount, err
}

func (s *Store) DeleteBlobRow(ctx context.Context, id uuid.UUID) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM blobs WHERE id = $1`, id)
	return err
}

// --- Upload sessions (spec §4.3) ---

// UploadCreate implements new_session's row insert.
func (s *Store) UploadCreate(ctx context.Context, repoID uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO uploads (id, repository_id, current_chunk) VALUES ($1, $2, 0)`, id, repoID)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// UploadCurrentChunk returns the session's current byte offset.
func (s *Store) UploadCurrentChunk(ctx context.Context, uploadID uuid.UUID) (int64, error) {
	var chunk int64
	err := s.DB.QueryRowContext(ctx, `SELECT current_chunk FROM uploads WHERE id = $1`, uploadID).Scan(&chunk)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return chunk, err
}

// UploadAdvance sets current_chunk to offset.
func (s *Store) UploadAdvance(ctx context.Context, uploadID uuid.UUID, offset int64) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE uploads SET current_chunk = $1 WHERE id = $2`, offset, uploadID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UploadRepository(ctx context.Context, uploadID uuid.UUID) (uuid.UUID, error) {
	var repoID uuid.UUID
	err := s.DB.QueryRowContext(ctx, `SELECT repository_id FROM uploads WHERE id = $1`, uploadID).Scan(&repoID)
	if err == sql.ErrNoRows {
		return uuid.Nil, ErrNotFound
	}
	return repoID, err
}

// UploadDelete removes the session row; its chunk blob rows cascade via FK.
func (s *Store) UploadDelete(ctx context.Context, uploadID uuid.UUID) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM uploads WHERE id = $1`, uploadID)
	return err
}

// UploadChunks returns every chunk row for a session, ordered by
// chunk_count ascending, per spec §4.3.3.
func (s *Store) UploadChunks(ctx context.Context, uploadID uuid.UUID) ([]Blob, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, repository_id, digest, file_path, ref_count, upload_session_id, chunk_count
		FROM blobs WHERE upload_session_id = $1 ORDER BY chunk_count ASC`, uploadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Blob
	for rows.Next() {
		var b Blob
		if err := rows.Scan(&b.ID, &b.RepositoryID, &b.Digest, &b.FilePath, &b.RefCount, &b.UploadSession, &b.ChunkCount); err != nil {
			return nil, err
		}
		chunks = append(chunks, b)
	}
	return chunks, rows.Err()
}

// DeleteUploadChunks removes the per-chunk blob rows once a session is
// finalized (spec §4.3.3 "delete per-chunk blob rows").
func DeleteUploadChunks(ctx context.Context, q Queryer, uploadID uuid.UUID) error {
	_, err := q.ExecContext(ctx, `DELETE FROM blobs WHERE upload_session_id = $1`, uploadID)
	return err
}

// --- Manifests, layers, tags (spec §4.4, C4) ---

type Manifest struct {
	ID            uuid.UUID
	RepositoryID  uuid.UUID
	Digest        string
	MediaType     string
	Size          int64
	SchemaVersion int
	FilePath      string
}

type Layer struct {
	Digest    string
	Size      int64
	MediaType string
}

// ManifestInsert implements manifest_insert.
func ManifestInsert(ctx context.Context, q Queryer, repoID uuid.UUID, digest, path, mediaType string, size int64, schemaVersion int) (uuid.UUID, error) {
	id := uuid.New()
	_, err := q.ExecContext(ctx, `
		INSERT INTO manifests (id, repository_id, digest, media_type, size, schema_version, file_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (repository_id, digest) DO UPDATE SET file_path = EXCLUDED.file_path
		RETURNING id`,
		id, repoID, digest, mediaType, size, schemaVersion, path).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert manifest: %w", err)
	}
	return id, nil
}

// LayerInsert implements layer_insert.
func LayerInsert(ctx context.Context, q Queryer, manifestID, repoID uuid.UUID, digest string, size int64, mediaType string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO manifest_layers (id, manifest_id, repository_id, digest, size, media_type)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), manifestID, repoID, digest, size, mediaType)
	return err
}

// TagUpsert implements tag_upsert (idempotent; last write wins).
func TagUpsert(ctx context.Context, q Queryer, repoID uuid.UUID, tag string, manifestID uuid.UUID) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO tags (id, repository_id, name, manifest_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (repository_id, name) DO UPDATE SET manifest_id = EXCLUDED.manifest_id, updated_at = now()`,
		uuid.New(), repoID, tag, manifestID)
	return err
}

// ManifestByReference resolves a tag or digest to its manifest row. Tag
// match is tried first, falling back to digest match (spec §4.4
// get_manifest resolution order).
func (s *Store) ManifestByReference(ctx context.Context, repoID uuid.UUID, reference string) (*Manifest, error) {
	return manifestByReference(ctx, s.DB, repoID, reference)
}

func manifestByReference(ctx context.Context, q Queryer, repoID uuid.UUID, reference string) (*Manifest, error) {
	var m Manifest
	err := q.QueryRowContext(ctx, `
		SELECT m.id, m.repository_id, m.digest, m.media_type, m.size, m.schema_version, m.file_path
		FROM manifests m
		JOIN tags t ON t.manifest_id = m.id
		WHERE t.repository_id = $1 AND t.name = $2`,
		repoID, reference).Scan(&m.ID, &m.RepositoryID, &m.Digest, &m.MediaType, &m.Size, &m.SchemaVersion, &m.FilePath)
	if err == nil {
		return &m, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	err = q.QueryRowContext(ctx, `
		SELECT id, repository_id, digest, media_type, size, schema_version, file_path
		FROM manifests WHERE repository_id = $1 AND digest = $2`,
		repoID, reference).Scan(&m.ID, &m.RepositoryID, &m.Digest, &m.MediaType, &m.Size, &m.SchemaVersion, &m.FilePath)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func ManifestLayers(ctx context.Context, q Queryer, manifestID uuid.UUID) ([]Layer, error) {
	rows, err := q.QueryContext(ctx, `SELECT digest, size, media_type FROM manifest_layers WHERE manifest_id = $1`, manifestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var layers []Layer
	for rows.Next() {
		var l Layer
		if err := rows.Scan(&l.Digest, &l.Size, &l.MediaType); err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	return layers, rows.Err()
}

// ManifestDeleteResult is what manifest_delete_cascade / delete_manifest
// need to finish the job outside the transaction (spec §4.1, §4.4).
type ManifestDeleteResult struct {
	ManifestID uuid.UUID
	FilePath   string
	Layers     []Layer
}

// ManifestDeleteCascade locates a manifest by digest-or-tag, deletes its
// manifest_layers and tags rows, decrements every referenced blob's
// ref_count (deleting the blob row of any that reaches zero), and deletes
// the manifest row — all inside tx. No file is removed here: it returns the
// manifest's file path and the file paths of the deleted blob rows for
// physical deletion by the caller after commit (spec §4.1).
func ManifestDeleteCascade(ctx context.Context, tx *sql.Tx, repoID uuid.UUID, reference string) (*ManifestDeleteResult, []string, error) {
	m, err := manifestByReference(ctx, tx, repoID, reference)
	if err != nil {
		return nil, nil, err
	}

	layers, err := ManifestLayers(ctx, tx, m.ID)
	if err != nil {
		return nil, nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM manifest_layers WHERE manifest_id = $1`, m.ID); err != nil {
		return nil, nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE manifest_id = $1`, m.ID); err != nil {
		return nil, nil, err
	}

	var orphanedBlobPaths []string
	for _, l := range layers {
		newCount, err := DecRefCount(ctx, tx, repoID, l.Digest)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, nil, err
		}
		if newCount == 0 {
			b, err := getBlob(ctx, tx, repoID, l.Digest)
			if err == nil {
				orphanedBlobPaths = append(orphanedBlobPaths, b.FilePath)
				if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE id = $1`, b.ID); err != nil {
					return nil, nil, err
				}
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM manifests WHERE id = $1`, m.ID); err != nil {
		return nil, nil, err
	}

	return &ManifestDeleteResult{ManifestID: m.ID, FilePath: m.FilePath, Layers: layers}, orphanedBlobPaths, nil
}

// ListTags implements list_tags with lexicographic, case-insensitive
// ordering and cursor-style pagination (spec §4.4).
func (s *Store) ListTags(ctx context.Context, repoID uuid.UUID, n int, last string) ([]string, error) {
	query := `SELECT name FROM tags WHERE repository_id = $1`
	args := []any{repoID}
	if last != "" {
		query += ` AND lower(name) > lower($2)`
		args = append(args, last)
	}
	query += ` ORDER BY lower(name) ASC`
	if n > 0 {
		query += fmt.Sprintf(` LIMIT %d`, n)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (s *Store) DeleteTag(ctx context.Context, repoID uuid.UUID, tag string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tags WHERE repository_id = $1 AND name = $2`, repoID, tag)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// OrphanBlob is a blob eligible for garbage collection (ref_count == 0).
type OrphanBlob struct {
	ID       uuid.UUID
	FilePath string
}

// OrphanedBlobs implements the scan half of run_gc (spec §4.4).
func (s *Store) OrphanedBlobs(ctx context.Context) ([]OrphanBlob, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, file_path FROM blobs WHERE ref_count = 0 AND upload_session_id IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orphans []OrphanBlob
	for rows.Next() {
		var o OrphanBlob
		if err := rows.Scan(&o.ID, &o.FilePath); err != nil {
			return nil, err
		}
		orphans = append(orphans, o)
	}
	return orphans, rows.Err()
}

// NormalizeDigest ensures a digest always carries the sha256: prefix at
// the metadata/API boundary (DESIGN.md Open Question #1).
func NormalizeDigest(d string) string {
	if d == "" || strings.HasPrefix(d, "sha256:") {
		return d
	}
	return "sha256:" + d
}
