package registryhttp

import (
	"encoding/json"
	"net/http"

	"github.com/floundr/registryx/pkg/apierr"
	"github.com/floundr/registryx/pkg/scopeauth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Login implements POST /v2/auth/login (spec §4.5 credential surface):
// validates email/password and issues a JWT with no access claims, so
// each later request is checked against the user's repository_scopes
// grants (or admin flag) at that time.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.Write(w, apierr.New(apierr.Unauthorized, "malformed login request", nil))
		return
	}

	user, err := h.Users.ValidateCredentials(r.Context(), req.Email, req.Password)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.Unauthorized, "invalid credentials", nil))
		return
	}

	token, err := h.Issuer.Issue(r.Context(), user, nil)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.Unauthorized, "failed to issue token", err.Error()))
		return
	}

	if h.Audit != nil {
		_ = h.Audit.Log(r.Context(), &user.ID, "login", "", "")
	}

	writeJSON(w, tokenResponse{Token: token})
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register implements POST /v2/auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.Write(w, apierr.New(apierr.Unauthorized, "malformed registration request", nil))
		return
	}
	if req.Email == "" || req.Password == "" {
		apierr.Write(w, apierr.New(apierr.Unauthorized, "email and password are required", nil))
		return
	}

	user, err := h.Users.CreateUser(r.Context(), req.Email, req.Password, false)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.Unauthorized, "failed to register user", err.Error()))
		return
	}

	token, err := h.Issuer.Issue(r.Context(), user, nil)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.Unauthorized, "failed to issue token", err.Error()))
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, tokenResponse{Token: token})
}

// Token implements GET /v2/auth/token?scope=... (spec §4.5 "Token
// issuance"): validates the presented credential, intersects the
// requested scope with what the caller actually holds, and issues a
// short-lived JWT carrying only the allowed subset.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	p, err := h.Auth.Authenticate(r)
	if err != nil || p == nil {
		h.Auth.Challenge(w, "", "")
		return
	}

	user, err := h.Users.UserByID(r.Context(), p.UserID)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.Unauthorized, "unknown user", nil))
		return
	}

	requested := scopeauth.ParseScopeString(r.URL.Query().Get("scope"))
	grantedScopes := make([]scopeauth.Scope, 0, len(requested))
	for _, want := range requested {
		repo, err := h.Meta.RepoLookup(r.Context(), want.Repository)
		if err != nil {
			continue
		}
		ok, err := scopeauth.HasAction(r.Context(), p, want.Repository, want.Action, h.Users, repo.ID, repo.IsPublic)
		if err != nil || !ok {
			continue
		}
		grantedScopes = append(grantedScopes, want)
	}
	granted := make([]string, 0, len(grantedScopes))
	for _, s := range grantedScopes {
		granted = append(granted, "repository:"+s.Repository+":"+s.Action.String())
	}

	token, err := h.Issuer.Issue(r.Context(), user, granted)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.Unauthorized, "failed to issue token", err.Error()))
		return
	}

	writeJSON(w, tokenResponse{Token: token})
}
