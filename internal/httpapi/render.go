package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/aptpub/controlplane/internal/apterr"
)

// errorResponse is the {code, message} JSON body every error renders as,
// in the style of quay-claircore's pkg/jsonerr.Response: one small type,
// no middleware framework.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusForKind maps the apterr taxonomy (spec §7) onto HTTP status codes.
func statusForKind(kind apterr.Kind) int {
	switch kind {
	case apterr.Unauthorized:
		return http.StatusUnauthorized
	case apterr.NotFound:
		return http.StatusNotFound
	case apterr.Conflict:
		return http.StatusConflict
	case apterr.MalformedPackage:
		return http.StatusBadRequest
	case apterr.PublishStale:
		return http.StatusConflict
	case apterr.SignatureInvalid:
		return http.StatusBadRequest
	case apterr.StorageUnavailable:
		return http.StatusServiceUnavailable
	case apterr.CatalogConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as a {code, message} JSON body with the status
// statusForKind(apterr.KindOf(err)) maps to. Like http.Error, callers must
// still return immediately after calling it.
func writeError(w http.ResponseWriter, err error) {
	kind := apterr.KindOf(err)
	writeJSON(w, statusForKind(kind), errorResponse{Code: string(kind), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}
