package blog

import (
	"errors"
	"net/http"
)

// Error taxonomy shared by every component. Wrap these with fmt.Errorf so callers can
// classify failures with errors.Is.
var (
	// ErrConfiguration means a required identity (scheduler role, queue, sender) is missing.
	ErrConfiguration = errors.New("configuration error")
	// ErrNotFound means the post has no body content yet.
	ErrNotFound = errors.New("not found")
	// ErrValidation means the request was malformed.
	ErrValidation = errors.New("validation error")
	// ErrInvalidToken means an action token is unknown, expired or of the wrong kind.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// HTTPStatus maps an error from any component to an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidToken):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConfiguration):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}
