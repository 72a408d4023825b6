// Package apierr defines the API error taxonomy and its wire encoding.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an API failure.
type Kind int

const (
	// KindBadRequest covers malformed or unsatisfiable client input.
	KindBadRequest Kind = iota
	// KindInternal covers failures of the server's own machinery.
	KindInternal
)

// Error is a classified API failure.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// BadRequest builds a KindBadRequest error.
func BadRequest(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Internal builds a KindInternal error.
func Internal(format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...)}
}

// Classify returns err as an *Error, wrapping unclassified errors as
// KindInternal.
func Classify(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &Error{Kind: KindInternal, Message: err.Error()}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Write encodes err as the OpenAI-style error body with the mapped status:
// invalid_request_error/400 for bad requests, internal_error/500 otherwise.
func Write(w http.ResponseWriter, err error) {
	apiErr := Classify(err)
	status, errType := http.StatusInternalServerError, "internal_error"
	if apiErr.Kind == KindBadRequest {
		status, errType = http.StatusBadRequest, "invalid_request_error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{Message: apiErr.Message, Type: errType},
	})
}
