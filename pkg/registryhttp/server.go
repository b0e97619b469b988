// Package registryhttp wires the OCI Distribution HTTP surface (spec §6)
// to the C1-C5 components: credential + scope middleware, rate limiting,
// then the blob/manifest/tag handlers.
//
// Grounded on ckmine11-registry-x's main.go route registration and
// pkg/registry/handlers.go handler signatures, adapted from its
// S3-direct-write model to the upload/manifest service layer above.
package registryhttp

import (
	"database/sql"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/floundr/registryx/pkg/apierr"
	"github.com/floundr/registryx/pkg/audit"
	"github.com/floundr/registryx/pkg/manifest"
	"github.com/floundr/registryx/pkg/metadata"
	"github.com/floundr/registryx/pkg/policy"
	"github.com/floundr/registryx/pkg/ratelimit"
	"github.com/floundr/registryx/pkg/scopeauth"
	"github.com/floundr/registryx/pkg/storage"
	"github.com/floundr/registryx/pkg/upload"
)

// Handler bundles every service the HTTP layer calls into, in the shape
// of ckmine11-registry-x's pkg/registry/handlers.go Handler struct.
type Handler struct {
	DB       *sql.DB
	Meta     *metadata.Store
	Content  storage.Driver
	Uploads  *upload.Service
	Manifest *manifest.Service
	Auth     *scopeauth.Middleware
	Users    *scopeauth.Store
	Issuer   *scopeauth.TokenIssuer
	Limiter  *ratelimit.Limiter
	Policy   *policy.Service
	Audit    *audit.Service
	AppURL   string
	Service  string
}

// Router builds the full route table, mirroring the registration order
// ckmine11-registry-x's main.go uses (liveness, auth surface, then the
// blob/manifest/tags group).
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/v2/", h.BaseCheck).Methods(http.MethodGet)

	r.HandleFunc("/v2/auth/login", h.Login).Methods(http.MethodPost)
	r.HandleFunc("/v2/auth/register", h.Register).Methods(http.MethodPost)
	r.HandleFunc("/v2/auth/token", h.Token).Methods(http.MethodGet)

	r.HandleFunc("/v2/{name:.+}/blobs/uploads/", h.withAuth(h.StartUpload)).Methods(http.MethodPost)
	r.HandleFunc("/v2/{name:.+}/blobs/uploads/{uuid}", h.withAuth(h.PatchUpload)).Methods(http.MethodPatch)
	r.HandleFunc("/v2/{name:.+}/blobs/uploads/{uuid}", h.withAuth(h.PutUpload)).Methods(http.MethodPut)
	r.HandleFunc("/v2/{name:.+}/blobs/{digest}", h.withAuth(h.GetBlob)).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/v2/{name:.+}/blobs/{digest}", h.withAuth(h.DeleteBlob)).Methods(http.MethodDelete)

	r.HandleFunc("/v2/{name:.+}/tags/list", h.withAuth(h.ListTags)).Methods(http.MethodGet)

	r.HandleFunc("/v2/{name:.+}/manifests/{reference}", h.withAuth(h.GetManifest)).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/v2/{name:.+}/manifests/{reference}", h.withAuth(h.PutManifest)).Methods(http.MethodPut)
	r.HandleFunc("/v2/{name:.+}/manifests/{reference}", h.withAuth(h.DeleteManifest)).Methods(http.MethodDelete)

	return r
}

// CORS mirrors the teacher's permissive dev-friendly default in main.go.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Content-Range, Content-Length")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) BaseCheck(w http.ResponseWriter, r *http.Request) {
	p, err := h.Auth.Authenticate(r)
	if err != nil || p == nil {
		h.Auth.Challenge(w, "", "")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// withAuth resolves the caller's Principal, determines the required
// Action from the HTTP method (spec §4.5 scope check), loads the target
// repository, and denies or forwards to next.
func (h *Handler) withAuth(next func(http.ResponseWriter, *http.Request, *scopeauth.Principal, *metadata.Repository)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		repoName := vars["name"]

		p, err := h.Auth.Authenticate(r)
		if err != nil {
			h.Auth.Challenge(w, repoName, requiredAction(r.Method).String())
			return
		}

		repo, err := h.Meta.RepoLookup(r.Context(), repoName)
		isPublic := false
		repoID := uuid.Nil
		if err == nil {
			isPublic = repo.IsPublic
			repoID = repo.ID
		}

		required := requiredAction(r.Method)
		allowed, err := scopeauth.HasAction(r.Context(), p, repoName, required, h.Users, repoID, isPublic)
		if err != nil {
			apierr.Write(w, apierr.New(apierr.Denied, "failed to evaluate scope", err.Error()))
			return
		}
		if !allowed {
			if p == nil {
				h.Auth.Challenge(w, repoName, required.String())
				return
			}
			apierr.Write(w, apierr.New(apierr.Denied, "insufficient scope", nil))
			return
		}

		if h.Limiter != nil {
			key := repoName
			if p != nil {
				key = p.UserID.String() + ":" + repoName
			}
			ok, err := h.Limiter.Allow(r.Context(), key)
			if err == nil && !ok {
				apierr.Write(w, apierr.New(apierr.TooManyRequests, "rate limit exceeded", nil))
				return
			}
		}

		next(w, r, p, repo)
	}
}

func requiredAction(method string) scopeauth.Action {
	switch method {
	case http.MethodPut, http.MethodPost, http.MethodPatch:
		return scopeauth.ActionPush
	case http.MethodDelete:
		return scopeauth.ActionDelete
	default:
		return scopeauth.ActionPull
	}
}
