package scopeauth

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey int

const (
	principalKey contextKey = iota
)

// Principal is whoever a request authenticated as: either a human user or
// a service account client, never both.
type Principal struct {
	UserID  uuid.UUID
	IsAdmin bool
	Access  []string // only set for JWT-bearing requests
	Client  *Client  // only set for client-secret auth (Basic or Bearer)
}

func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}

// Middleware authenticates a request (Bearer client secret or JWT, Basic
// user or client credentials) into a Principal and writes the 401
// challenge; per-repository enforcement is done by HasAction.
// Grounded on ckmine11-registry-x's pkg/middleware/auth.go
// AuthMiddleware/sendChallenge.
type Middleware struct {
	Issuer  *TokenIssuer
	Users   *Store
	Service string
}

// Authenticate resolves credentials into a Principal without yet checking
// any specific repository action. Anonymous (no Authorization header)
// requests are allowed through with a nil Principal, so public-repo pulls
// can proceed; HasAction enforces the rest.
func (m *Middleware) Authenticate(r *http.Request) (*Principal, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, nil
	}

	switch {
	case strings.HasPrefix(header, "Bearer "):
		token := strings.TrimPrefix(header, "Bearer ")

		// A raw client secret (UUIDv4) presented as a bearer token carries
		// admin claims over every repository (spec §4.5 row 1); try this
		// before falling back to JWT parsing.
		if secret, err := uuid.Parse(token); err == nil {
			client, err := m.Users.AuthenticateBySecret(r.Context(), secret)
			if err == nil {
				return &Principal{UserID: client.UserID, IsAdmin: true, Client: client}, nil
			}
		}

		claims, err := m.Issuer.Verify(r.Context(), token)
		if err != nil {
			return nil, err
		}
		return &Principal{UserID: claims.UserID, IsAdmin: claims.IsAdmin, Access: claims.Access}, nil

	case strings.HasPrefix(header, "Basic "):
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, "Basic "))
		if err != nil {
			return nil, fmt.Errorf("malformed basic auth")
		}
		parts := strings.SplitN(string(decoded), ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed basic auth")
		}
		id, pass := parts[0], parts[1]

		if strings.HasPrefix(id, "rx_") {
			secret, err := uuid.Parse(pass)
			if err != nil {
				return nil, fmt.Errorf("malformed client secret")
			}
			client, err := m.Users.AuthenticateClient(r.Context(), id, secret)
			if err != nil {
				return nil, err
			}
			return &Principal{UserID: client.UserID, Client: client}, nil
		}

		user, err := m.Users.ValidateCredentials(r.Context(), id, pass)
		if err != nil {
			return nil, err
		}
		return &Principal{UserID: user.ID, IsAdmin: user.IsAdmin}, nil

	default:
		return nil, fmt.Errorf("unsupported authorization scheme")
	}
}

// Challenge writes the 401 WWW-Authenticate challenge OCI clients expect
// on an unauthenticated or under-scoped request (spec §6).
func (m *Middleware) Challenge(w http.ResponseWriter, repo, action string) {
	scope := ""
	if repo != "" {
		scope = fmt.Sprintf(`,scope="repository:%s:%s"`, repo, action)
	}
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="token",service=%q%s`, m.Service, scope))
	w.WriteHeader(http.StatusUnauthorized)
}

// WithPrincipal stores p on the request context for downstream handlers.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// HasAction reports whether p is authorized for action on repo. Admins
// and the grants in p.Access (scopes issued at token time) both count;
// a Client principal is additionally checked against repository_scopes
// owned by its underlying user.
func HasAction(ctx context.Context, p *Principal, repoName string, required Action, scopeStore *Store, repoID uuid.UUID, repoIsPublic bool) (bool, error) {
	if required == ActionPull && repoIsPublic {
		return true, nil
	}
	if p == nil {
		return false, nil
	}
	if p.IsAdmin {
		return true, nil
	}

	for _, grant := range p.Access {
		fields := strings.Split(grant, ":")
		if len(fields) != 3 || fields[0] != "repository" || fields[1] != repoName {
			continue
		}
		if ParseAction(fields[2]) >= required {
			return true, nil
		}
	}

	if scopeStore == nil {
		return false, nil
	}
	have, err := scopeStore.UserAction(ctx, p.UserID, repoID)
	if err != nil {
		return false, err
	}
	return have >= required, nil
}
