package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/benwis/oso/internal/entities"
)

// === Shared helper functions for all handlers ===

// ValueConverter turns boundary values into engine values. The type
// registry implements it; instances cannot cross the HTTP boundary, so
// request values arrive as scalars, lists, and records.
type ValueConverter interface {
	ToValue(raw any) (entities.Value, error)
}

// decodeJSON reads a JSON request body into dst.
func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// requestValue converts one decoded JSON value into an engine value, going
// through the proto struct representation so numbers, records, and lists
// normalize uniformly.
func requestValue(converter ValueConverter, raw any) (entities.Value, error) {
	if raw == nil {
		return entities.Null{}, nil
	}
	pv, err := structpb.NewValue(raw)
	if err != nil {
		return nil, fmt.Errorf("unsupported value: %w", err)
	}
	return converter.ToValue(pv)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body with a status derived from the
// error kind: configuration problems are the caller's fault, ambiguity is
// a conflict, anything else is an evaluation failure.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, entities.ErrMalformedRule),
		errors.Is(err, entities.ErrUnknownType),
		errors.Is(err, entities.ErrArityMismatch):
		return http.StatusBadRequest
	case errors.Is(err, entities.ErrAmbiguousWildcard):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
