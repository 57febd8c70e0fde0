package server

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/errs"
)

// ErrorBody is the error envelope of every failed request.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error kind and message.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StatusOf maps an error kind to an HTTP status.
func StatusOf(kind errs.Kind) int {
	switch kind {
	case errs.KindParse, errs.KindType, errs.KindDimensionMismatch, errs.KindDuplicateID:
		return http.StatusBadRequest
	case errs.KindNotFound, errs.KindIndexAbsent:
		return http.StatusNotFound
	case errs.KindTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	status := StatusOf(kind)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "kind", string(kind), "error", err)
	}
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Kind: string(kind), Message: err.Error()}})
}

// decode reads a JSON request body into v.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(errs.KindParse, err, "invalid request body")
	}
	return nil
}

func jsonRow(row catalog.Row) []any {
	out := make([]any, len(row))
	for i, v := range row {
		out[i] = catalog.ToJSON(v)
	}
	return out
}

func jsonObject(columns []string, row catalog.Row) map[string]any {
	out := make(map[string]any, len(columns))
	for i, c := range columns {
		if i < len(row) {
			out[c] = catalog.ToJSON(row[i])
		}
	}
	return out
}
