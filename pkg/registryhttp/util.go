package registryhttp

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
)

func parseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

func copyBody(w io.Writer, r io.Reader) (int64, error) {
	return io.Copy(w, r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
