package apierr

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusForKnownCodes(t *testing.T) {
	require.Equal(t, 404, StatusFor(BlobUnknown))
	require.Equal(t, 416, StatusFor(BlobUploadInvalid))
	require.Equal(t, 400, StatusFor(DigestInvalid))
	require.Equal(t, 403, StatusFor(Denied))
	require.Equal(t, 429, StatusFor(TooManyRequests))
}

func TestStatusForUnknownCodeDefaultsTo500(t *testing.T) {
	require.Equal(t, 500, StatusFor(Code("NOT_A_REAL_CODE")))
}

func TestWriteEncodesEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	Write(w, New(ManifestUnknown, "manifest not found", "sha256:deadbeef"))

	require.Equal(t, 404, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.Equal(t, `299 - "manifest not found"`, w.Header().Get("Warning"))

	var body struct {
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Detail  string `json:"detail"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Errors, 1)
	require.Equal(t, "MANIFEST_UNKNOWN", body.Errors[0].Code)
	require.Equal(t, "manifest not found", body.Errors[0].Message)
	require.Equal(t, "sha256:deadbeef", body.Errors[0].Detail)
}

func TestWarningWriterDropsOverflow(t *testing.T) {
	w := httptest.NewRecorder()
	ww := &WarningWriter{}

	ok := ww.Add(w, "registryx", strings.Repeat("a", warningBudget-20))
	require.True(t, ok)

	overflowed := ww.Add(w, "registryx", "this no longer fits")
	require.False(t, overflowed)
	require.Len(t, w.Header().Values("Warning"), 1)
}
