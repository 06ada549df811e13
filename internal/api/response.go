package api

import (
	"encoding/json"
	"net/http"

	"github.com/opencode-ai/opencode-mem/internal/apperr"
)

// errorBody is the stable error response shape from spec.md §7: every
// non-2xx response carries {error, kind}, never a bare string or a
// framework-default body.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message, Kind: string(apperr.Permanent)})
}

// writeTypedError maps err's apperr.Kind to an HTTP status via the explicit
// conversion surface spec.md §7 requires — never a blanket 500 for every
// Service error.
func writeTypedError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.ValidationFailed:
		status = http.StatusUnprocessableEntity
	case apperr.Transient:
		status = http.StatusServiceUnavailable
	case apperr.AlreadyExists:
		status = http.StatusConflict
	case apperr.Permanent:
		status = http.StatusInternalServerError
	case apperr.FilteredOut, apperr.EmbeddingDisabled:
		status = http.StatusOK
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: string(kind)})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
