// Package database owns the Postgres connection and the schema that backs
// the metadata store (spec §3, §4.1).
package database

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/floundr/registryx/pkg/config"
)

func Connect(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DBUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return db, nil
}

// tables lists every table migrate-fresh manages, in an order safe for DROP
// (dependents first).
var tables = []string{
	"repository_scopes",
	"audit_logs",
	"manifest_layers",
	"tags",
	"manifests",
	"blobs",
	"uploads",
	"clients",
	"users",
	"repositories",
}

// MigrateFresh drops and recreates every table registryx owns. It is the
// `registryctl migrate-fresh` command's implementation (spec §6 CLI).
func MigrateFresh(db *sql.DB) error {
	for _, t := range tables {
		if _, err := db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", t)); err != nil {
			return fmt.Errorf("failed to drop %s: %w", t, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// schema is the union schema of spec §3: repositories, blobs (with
// ref_count and the upload-session chunk columns), uploads, manifests,
// manifest_layers, tags, users, clients, repository_scopes.
const schema = `
CREATE TABLE repositories (
    id         UUID PRIMARY KEY,
    name       TEXT NOT NULL UNIQUE,
    is_public  BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE uploads (
    id            UUID PRIMARY KEY,
    repository_id UUID NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
    current_chunk BIGINT NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE blobs (
    id                UUID PRIMARY KEY,
    repository_id     UUID NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
    digest            TEXT,
    file_path         TEXT NOT NULL,
    ref_count         INTEGER NOT NULL DEFAULT 0,
    upload_session_id UUID REFERENCES uploads(id) ON DELETE CASCADE,
    chunk_count       BIGINT,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX blobs_repo_digest_idx ON blobs(repository_id, digest);
CREATE INDEX blobs_upload_session_idx ON blobs(upload_session_id, chunk_count);

CREATE TABLE manifests (
    id             UUID PRIMARY KEY,
    repository_id  UUID NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
    digest         TEXT NOT NULL,
    media_type     TEXT NOT NULL,
    size           BIGINT NOT NULL,
    schema_version INTEGER NOT NULL DEFAULT 2,
    file_path      TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE(repository_id, digest)
);

CREATE TABLE manifest_layers (
    id            UUID PRIMARY KEY,
    manifest_id   UUID NOT NULL REFERENCES manifests(id) ON DELETE CASCADE,
    repository_id UUID NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
    digest        TEXT NOT NULL,
    size          BIGINT NOT NULL,
    media_type    TEXT NOT NULL
);
CREATE INDEX manifest_layers_manifest_idx ON manifest_layers(manifest_id);
CREATE INDEX manifest_layers_digest_idx ON manifest_layers(repository_id, digest);

CREATE TABLE tags (
    id            UUID PRIMARY KEY,
    repository_id UUID NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
    name          TEXT NOT NULL,
    manifest_id   UUID NOT NULL REFERENCES manifests(id) ON DELETE CASCADE,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE(repository_id, name)
);

CREATE TABLE users (
    id            UUID PRIMARY KEY,
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    is_admin      BOOLEAN NOT NULL DEFAULT FALSE,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE clients (
    id          UUID PRIMARY KEY,
    client_id   TEXT NOT NULL UNIQUE,
    secret_hash TEXT NOT NULL,
    user_id     UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    revoked     BOOLEAN NOT NULL DEFAULT FALSE,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE repository_scopes (
    id            UUID PRIMARY KEY,
    user_id       UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    repository_id UUID NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
    pull          BOOLEAN NOT NULL DEFAULT FALSE,
    push          BOOLEAN NOT NULL DEFAULT FALSE,
    delete_perm   BOOLEAN NOT NULL DEFAULT FALSE,
    UNIQUE(user_id, repository_id)
);

CREATE TABLE audit_logs (
    id         UUID PRIMARY KEY,
    user_id    UUID,
    action     TEXT NOT NULL,
    repository TEXT NOT NULL DEFAULT '',
    detail     TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
