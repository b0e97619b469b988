package registryhttp

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/floundr/registryx/pkg/apierr"
	"github.com/floundr/registryx/pkg/metadata"
	"github.com/floundr/registryx/pkg/scopeauth"
	"github.com/floundr/registryx/pkg/upload"
)

// StartUpload implements POST /v2/<name>/blobs/uploads/ (spec §6): plain
// session start, monolithic upload when ?digest= is present, or a mount
// when ?mount=&from= is present.
func (h *Handler) StartUpload(w http.ResponseWriter, r *http.Request, _ *scopeauth.Principal, _ *metadata.Repository) {
	repoName := mux.Vars(r)["name"]
	q := r.URL.Query()

	if mountDigest := q.Get("mount"); mountDigest != "" {
		blob, err := h.Uploads.MountBlob(r.Context(), repoName, mountDigest, q.Get("from"))
		if err != nil {
			apierr.Write(w, apierr.New(apierr.BlobUnknown, "blob not found to mount", err.Error()))
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repoName, mountDigest))
		w.Header().Set("Docker-Content-Digest", mountDigest)
		_ = blob
		w.WriteHeader(http.StatusCreated)
		return
	}

	if digest := q.Get("digest"); digest != "" {
		blob, err := h.Uploads.MonolithicUpload(r.Context(), repoName, digest, r.Body)
		if err != nil {
			writeUploadErr(w, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repoName, digest))
		w.Header().Set("Docker-Content-Digest", digest)
		_ = blob
		w.WriteHeader(http.StatusCreated)
		return
	}

	sess, err := h.Uploads.NewSession(r.Context(), repoName)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.NameInvalid, "failed to start upload", err.Error()))
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", repoName, sess.ID))
	w.Header().Set("Docker-Upload-UUID", sess.ID.String())
	w.WriteHeader(http.StatusAccepted)
}

// PatchUpload implements PATCH .../blobs/uploads/<uuid> (spec §4.3.2).
func (h *Handler) PatchUpload(w http.ResponseWriter, r *http.Request, _ *scopeauth.Principal, _ *metadata.Repository) {
	vars := mux.Vars(r)
	repoName := vars["name"]
	uploadID, err := parseUUID(vars["uuid"])
	if err != nil {
		apierr.Write(w, apierr.New(apierr.BlobUploadUnknown, "invalid upload id", nil))
		return
	}

	start := int64(0)
	if cr := r.Header.Get("Content-Range"); cr != "" {
		parts := strings.SplitN(cr, "-", 2)
		if len(parts) == 2 {
			start, _ = strconv.ParseInt(parts[0], 10, 64)
		}
	}

	end, err := h.Uploads.UploadChunk(r.Context(), repoName, uploadID, start, r.Body)
	if err != nil {
		var outOfOrder *upload.ErrOutOfOrder
		if errors.As(err, &outOfOrder) {
			apierr.Write(w, apierr.New(apierr.BlobUploadInvalid, "out-of-order chunk", outOfOrder.Error()))
			return
		}
		apierr.Write(w, apierr.New(apierr.BlobUploadUnknown, "failed to upload chunk", err.Error()))
		return
	}

	// end is the session's cumulative byte count (the next expected start
	// offset), so the Range header's last-byte index is end-1 (spec.md's
	// worked example: 5 bytes written -> "Range: 0-4").
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", repoName, uploadID))
	w.Header().Set("Range", fmt.Sprintf("0-%d", end-1))
	w.Header().Set("Docker-Upload-UUID", uploadID.String())
	w.WriteHeader(http.StatusAccepted)
}

// PutUpload implements PUT .../blobs/uploads/<uuid>?digest=<d> (spec §4.3.3).
func (h *Handler) PutUpload(w http.ResponseWriter, r *http.Request, _ *scopeauth.Principal, _ *metadata.Repository) {
	vars := mux.Vars(r)
	repoName := vars["name"]
	uploadID, err := parseUUID(vars["uuid"])
	if err != nil {
		apierr.Write(w, apierr.New(apierr.BlobUploadUnknown, "invalid upload id", nil))
		return
	}
	digest := r.URL.Query().Get("digest")

	var body = r.Body
	if r.ContentLength <= 0 {
		body = nil
	}

	blob, err := h.Uploads.FinishSession(r.Context(), repoName, uploadID, digest, body)
	if err != nil {
		writeUploadErr(w, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repoName, digest))
	w.Header().Set("Docker-Content-Digest", digest)
	_ = blob
	w.WriteHeader(http.StatusCreated)
}

// GetBlob implements HEAD/GET .../blobs/<digest>.
func (h *Handler) GetBlob(w http.ResponseWriter, r *http.Request, _ *scopeauth.Principal, repo *metadata.Repository) {
	if repo == nil {
		apierr.Write(w, apierr.New(apierr.NameUnknown, "repository not found", nil))
		return
	}
	digest := mux.Vars(r)["digest"]

	blob, err := h.Meta.GetBlob(r.Context(), repo.ID, digest)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.BlobUnknown, "blob not found", nil))
		return
	}

	size, err := h.Content.StatFile(r.Context(), blob.FilePath)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.BlobUnknown, "blob file missing", nil))
		return
	}

	w.Header().Set("Docker-Content-Digest", digest)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Type", "application/octet-stream")

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	f, err := h.Content.OpenFile(r.Context(), blob.FilePath)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.BlobUnknown, "blob file missing", nil))
		return
	}
	defer f.Close()

	w.WriteHeader(http.StatusOK)
	_, _ = copyBody(w, f)
}

// DeleteBlob implements DELETE .../blobs/<digest> (spec §8 boundary:
// rejecting deletion of a refcounted blob, DESIGN.md Open Question #3).
func (h *Handler) DeleteBlob(w http.ResponseWriter, r *http.Request, _ *scopeauth.Principal, repo *metadata.Repository) {
	if repo == nil {
		apierr.Write(w, apierr.New(apierr.NameUnknown, "repository not found", nil))
		return
	}
	digest := mux.Vars(r)["digest"]

	blob, err := h.Meta.GetBlob(r.Context(), repo.ID, digest)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.BlobUnknown, "blob not found", nil))
		return
	}
	if blob.RefCount > 0 {
		apierr.Write(w, apierr.New(apierr.Denied, "blob is referenced by one or more manifests", nil))
		return
	}

	if err := h.Content.DeleteFile(r.Context(), blob.FilePath); err != nil {
		apierr.Write(w, apierr.New(apierr.BlobUnknown, "failed to delete blob file", err.Error()))
		return
	}
	if err := h.Meta.DeleteBlobRow(r.Context(), blob.ID); err != nil {
		apierr.Write(w, apierr.New(apierr.BlobUnknown, "failed to delete blob row", err.Error()))
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func writeUploadErr(w http.ResponseWriter, err error) {
	var mismatch *upload.ErrDigestMismatch
	if errors.As(err, &mismatch) {
		apierr.Write(w, apierr.New(apierr.DigestInvalid, "digest mismatch", mismatch.Error()))
		return
	}
	var outOfOrder *upload.ErrOutOfOrder
	if errors.As(err, &outOfOrder) {
		apierr.Write(w, apierr.New(apierr.BlobUploadInvalid, "out-of-order chunk", outOfOrder.Error()))
		return
	}
	apierr.Write(w, apierr.New(apierr.BlobUploadUnknown, "upload failed", err.Error()))
}
