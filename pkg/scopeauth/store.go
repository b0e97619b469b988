// Package scopeauth implements component C5: credential exchange and
// per-repository scope enforcement. Users authenticate with a password
// (Basic) or a previously issued bearer JWT; service accounts ("clients")
// authenticate with a UUID secret. Both resolve to an ordered permission
// level per repository: Pull < Push < Delete.
//
// Grounded on ckmine11-registry-x's pkg/auth/user.go, user_service.go,
// service_accounts.go and pkg/middleware/auth.go, restructured around the
// new repository_scopes table in place of the teacher's role column.
package scopeauth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var ErrNotFound = errors.New("scopeauth: not found")

// Action is the ordered permission enum of spec §4.5. Higher values imply
// every lower action (Delete implies Push implies Pull).
type Action int

const (
	ActionNone Action = iota
	ActionPull
	ActionPush
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionPull:
		return "pull"
	case ActionPush:
		return "push"
	case ActionDelete:
		return "delete"
	default:
		return "none"
	}
}

func ParseAction(s string) Action {
	switch s {
	case "pull":
		return ActionPull
	case "push":
		return ActionPush
	case "delete":
		return ActionDelete
	default:
		return ActionNone
	}
}

type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	IsAdmin      bool
}

func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), 14)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func CheckPasswordHash(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

type Store struct {
	DB *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

func (s *Store) CreateUser(ctx context.Context, email, password string, isAdmin bool) (*User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	u := &User{ID: uuid.New(), Email: email, PasswordHash: hash, IsAdmin: isAdmin}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO users (id, email, password_hash, is_admin) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Email, u.PasswordHash, u.IsAdmin)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.DB.QueryRowContext(ctx, `SELECT id, email, password_hash, is_admin FROM users WHERE email = $1`, email).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsAdmin)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) UserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := s.DB.QueryRowContext(ctx, `SELECT id, email, password_hash, is_admin FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsAdmin)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) ValidateCredentials(ctx context.Context, email, password string) (*User, error) {
	u, err := s.UserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !CheckPasswordHash(password, u.PasswordHash) {
		return nil, ErrNotFound
	}
	return u, nil
}

// Client is a service account (spec §4.5 "Client"): a UUID secret owned
// by a user, authenticated over Basic together with its client_id or
// presented alone as a Bearer token.
type Client struct {
	ID       uuid.UUID
	ClientID string
	Secret   uuid.UUID
	UserID   uuid.UUID
	Revoked  bool
}

func hashSecret(secret uuid.UUID) string {
	sum := sha256.Sum256([]byte(secret.String()))
	return hex.EncodeToString(sum[:])
}

// CreateClient mints a new client bound to owner, returning the plaintext
// secret exactly once (registryctl gen-key).
func (s *Store) CreateClient(ctx context.Context, owner uuid.UUID) (*Client, error) {
	c := &Client{ID: uuid.New(), ClientID: "rx_" + uuid.NewString(), Secret: uuid.New(), UserID: owner}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO clients (id, client_id, secret_hash, user_id, revoked)
		VALUES ($1, $2, $3, $4, FALSE)`,
		c.ID, c.ClientID, hashSecret(c.Secret), c.UserID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// AuthenticateClient validates a clientID/secret pair presented over Basic
// auth, rejecting revoked clients.
func (s *Store) AuthenticateClient(ctx context.Context, clientID string, secret uuid.UUID) (*Client, error) {
	var c Client
	var secretHash string
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, client_id, secret_hash, user_id, revoked FROM clients WHERE client_id = $1`,
		clientID).Scan(&c.ID, &c.ClientID, &secretHash, &c.UserID, &c.Revoked)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.Revoked {
		return nil, fmt.Errorf("client %s is revoked", clientID)
	}
	if secretHash != hashSecret(secret) {
		return nil, ErrNotFound
	}
	return &c, nil
}

// AuthenticateBySecret looks a client up by its secret alone, the way a
// bearer API key is presented: no client_id accompanies it on the wire.
// A match carries admin claims over every repository (spec §4.5 credential
// table, row 1), mirroring the teacher's original validate_bearer.
func (s *Store) AuthenticateBySecret(ctx context.Context, secret uuid.UUID) (*Client, error) {
	var c Client
	var secretHash string
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, client_id, secret_hash, user_id, revoked FROM clients WHERE secret_hash = $1`,
		hashSecret(secret)).Scan(&c.ID, &c.ClientID, &secretHash, &c.UserID, &c.Revoked)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.Revoked {
		return nil, fmt.Errorf("client %s is revoked", c.ClientID)
	}
	return &c, nil
}

func (s *Store) RevokeClient(ctx context.Context, clientID string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE clients SET revoked = TRUE WHERE client_id = $1`, clientID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RepositoryScope grants a user an Action level on a single repository.
type RepositoryScope struct {
	UserID       uuid.UUID
	RepositoryID uuid.UUID
	Action       Action
}

// GrantScope upserts the highest action level granted so far; it never
// downgrades an existing grant (callers that want a downgrade call
// RevokeScope first).
func (s *Store) GrantScope(ctx context.Context, userID, repoID uuid.UUID, action Action) error {
	push := action >= ActionPush
	del := action >= ActionDelete
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO repository_scopes (id, user_id, repository_id, pull, push, delete_perm)
		VALUES ($1, $2, $3, TRUE, $4, $5)
		ON CONFLICT (user_id, repository_id) DO UPDATE SET
			pull = TRUE,
			push = repository_scopes.push OR EXCLUDED.push,
			delete_perm = repository_scopes.delete_perm OR EXCLUDED.delete_perm`,
		uuid.New(), userID, repoID, push, del)
	return err
}

func (s *Store) RevokeScope(ctx context.Context, userID, repoID uuid.UUID) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM repository_scopes WHERE user_id = $1 AND repository_id = $2`, userID, repoID)
	return err
}

// UserAction returns the highest Action a non-admin user holds on a
// repository, ActionNone if no grant exists.
func (s *Store) UserAction(ctx context.Context, userID, repoID uuid.UUID) (Action, error) {
	var pull, push, del bool
	err := s.DB.QueryRowContext(ctx, `
		SELECT pull, push, delete_perm FROM repository_scopes WHERE user_id = $1 AND repository_id = $2`,
		userID, repoID).Scan(&pull, &push, &del)
	if err == sql.ErrNoRows {
		return ActionNone, nil
	}
	if err != nil {
		return ActionNone, err
	}
	switch {
	case del:
		return ActionDelete, nil
	case push:
		return ActionPush, nil
	case pull:
		return ActionPull, nil
	default:
		return ActionNone, nil
	}
}
