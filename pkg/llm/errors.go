package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies backend failures so callers can branch without
// string matching.
type ErrorKind int

const (
	// KindUnavailable covers 5xx, refused connections, and timeouts.
	KindUnavailable ErrorKind = iota
	// KindBadRequest covers 4xx other than context overflow.
	KindBadRequest
	// KindContextLength is the special 4xx raised when the prompt no
	// longer fits the model's context window.
	KindContextLength
)

// BackendError is the tagged result of a failed LM call.
type BackendError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Body       []byte
}

func (e *BackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("LM backend error (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("LM backend error: %s", e.Message)
}

// IsContextLength reports whether err is a context-window overflow.
func IsContextLength(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Kind == KindContextLength
}

// IsUnavailable reports whether err means the backend could not serve at all.
func IsUnavailable(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Kind == KindUnavailable
}

var contextLengthMarkers = []string{
	"context_length_exceeded",
	"context length",
	"maximum context",
	"too many tokens",
	"exceeds the model's context",
}

// classifyStatus builds a BackendError for a non-2xx response.
func classifyStatus(statusCode int, body []byte) *BackendError {
	message := extractErrorMessage(body)
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	if message == "" {
		message = "no error detail"
	}

	kind := KindUnavailable
	if statusCode >= 400 && statusCode < 500 {
		kind = KindBadRequest
		lower := strings.ToLower(message + " " + strings.ToLower(string(body)))
		for _, marker := range contextLengthMarkers {
			if strings.Contains(lower, marker) {
				kind = KindContextLength
				break
			}
		}
	}

	return &BackendError{Kind: kind, StatusCode: statusCode, Message: message, Body: body}
}
