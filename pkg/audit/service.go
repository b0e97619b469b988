// Package audit records security-relevant events (login, push, delete) to
// the audit_logs table. Adapted from ckmine11-registry-x's
// pkg/audit/service.go, rewired to the push/delete/login events this
// registry emits in place of the teacher's scan/webhook events.
package audit

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

type Entry struct {
	ID         uuid.UUID
	UserID     uuid.NullUUID
	Action     string
	Repository string
	Detail     string
}

type Service struct {
	DB *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{DB: db}
}

func (s *Service) Log(ctx context.Context, userID *uuid.UUID, action, repository, detail string) error {
	var nullableUser uuid.NullUUID
	if userID != nil {
		nullableUser = uuid.NullUUID{UUID: *userID, Valid: true}
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO audit_logs (id, user_id, action, repository, detail)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), nullableUser, action, repository, detail)
	return err
}

func (s *Service) GetUserLogs(ctx context.Context, userID uuid.UUID, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, user_id, action, repository, detail FROM audit_logs
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.Repository, &e.Detail); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Service) GetRepositoryLogs(ctx context.Context, repository string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, user_id, action, repository, detail FROM audit_logs
		WHERE repository = $1 ORDER BY created_at DESC LIMIT $2`, repository, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.Repository, &e.Detail); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
