package registryhttp

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/floundr/registryx/pkg/apierr"
	"github.com/floundr/registryx/pkg/manifest"
	"github.com/floundr/registryx/pkg/metadata"
	"github.com/floundr/registryx/pkg/scopeauth"
)

const defaultManifestMediaType = "application/vnd.docker.distribution.manifest.v2+json"

// GetManifest implements HEAD/GET .../manifests/<reference> (spec §4.4).
func (h *Handler) GetManifest(w http.ResponseWriter, r *http.Request, p *scopeauth.Principal, repo *metadata.Repository) {
	vars := mux.Vars(r)
	repoName, reference := vars["name"], vars["reference"]

	if h.Policy != nil {
		isAdmin := p != nil && p.IsAdmin
		allowed, err := h.Policy.Evaluate(r.Context(), policyInput(repoName, reference, isAdmin))
		if err == nil && !allowed {
			apierr.Write(w, apierr.New(apierr.Denied, "blocked by admission policy", nil))
			return
		}
	}

	m, body, err := h.Manifest.GetManifest(r.Context(), repoName, reference)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.ManifestUnknown, "manifest not found", nil))
		return
	}

	w.Header().Set("Docker-Content-Digest", m.Digest)
	w.Header().Set("Content-Type", m.MediaType)
	w.Header().Set("Content-Length", strconv.FormatInt(m.Size, 10))

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
	_ = repo
}

// PutManifest implements PUT .../manifests/<reference> (spec §4.4).
func (h *Handler) PutManifest(w http.ResponseWriter, r *http.Request, p *scopeauth.Principal, repo *metadata.Repository) {
	vars := mux.Vars(r)
	repoName, reference := vars["name"], vars["reference"]

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.ManifestInvalid, "failed to read manifest body", err.Error()))
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultManifestMediaType
	}

	m, err := h.Manifest.PutManifest(r.Context(), repoName, reference, contentType, raw)
	if err != nil {
		if errors.Is(err, manifest.ErrManifestBlobUnknown) {
			apierr.Write(w, apierr.New(apierr.ManifestBlobUnknown, "manifest references an unknown blob", err.Error()))
			return
		}
		apierr.Write(w, apierr.New(apierr.ManifestInvalid, "invalid manifest", err.Error()))
		return
	}

	if h.Audit != nil && p != nil {
		_ = h.Audit.Log(r.Context(), &p.UserID, "push", repoName, reference)
	}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", repoName, m.Digest))
	w.Header().Set("Docker-Content-Digest", m.Digest)
	w.WriteHeader(http.StatusCreated)
	_ = repo
}

// DeleteManifest implements DELETE .../manifests/<reference>.
func (h *Handler) DeleteManifest(w http.ResponseWriter, r *http.Request, p *scopeauth.Principal, repo *metadata.Repository) {
	vars := mux.Vars(r)
	repoName, reference := vars["name"], vars["reference"]

	if err := h.Manifest.DeleteManifest(r.Context(), repoName, reference); err != nil {
		apierr.Write(w, apierr.New(apierr.ManifestUnknown, "manifest not found", nil))
		return
	}

	if h.Audit != nil && p != nil {
		_ = h.Audit.Log(r.Context(), &p.UserID, "delete", repoName, reference)
	}

	w.WriteHeader(http.StatusNoContent)
	_ = repo
}

// ListTags implements GET .../tags/list?n=&last= (spec §4.4 pagination).
func (h *Handler) ListTags(w http.ResponseWriter, r *http.Request, _ *scopeauth.Principal, repo *metadata.Repository) {
	vars := mux.Vars(r)
	repoName := vars["name"]

	n := 0
	if ns := r.URL.Query().Get("n"); ns != "" {
		n, _ = strconv.Atoi(ns)
	}
	last := r.URL.Query().Get("last")

	tags, err := h.Manifest.ListTags(r.Context(), repoName, n, last)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.NameUnknown, "repository not found", nil))
		return
	}

	if n > 0 && len(tags) == n {
		w.Header().Set("Link", fmt.Sprintf(`</v2/%s/tags/list?n=%d&last=%s>; rel="next"`, repoName, n, tags[len(tags)-1]))
	}

	writeJSON(w, map[string]any{"name": repoName, "tags": tags})
	_ = repo
}

func policyInput(repo, tag string, isAdmin bool) (in struct {
	Repository  string `json:"repository"`
	Tag         string `json:"tag"`
	IsAdmin     bool   `json:"is_admin"`
	Environment string `json:"environment"`
}) {
	in.Repository, in.Tag, in.IsAdmin = repo, tag, isAdmin
	return
}
