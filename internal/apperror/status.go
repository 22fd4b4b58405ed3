package apperror

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the status code returned at the boundary.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrDecryption):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrAuthorization):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show to a client. Decryption
// and configuration failures are reduced to a generic text so internals do
// not leak; everything else carries its wrapped context.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrDecryption):
		return "stored credential could not be read; please reconnect the integration"
	case errors.Is(err, ErrConfiguration):
		return "integration is not configured correctly"
	case HTTPStatus(err) == http.StatusInternalServerError:
		return "internal server error"
	default:
		return err.Error()
	}
}
