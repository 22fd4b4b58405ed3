// Package apperror defines the error kinds shared by the integration
// subsystem. Callers wrap one of the sentinels with context using
// fmt.Errorf("%w: ...") and the HTTP boundary maps them with errors.Is.
package apperror

import "errors"

var (
	// ErrValidation indicates bad caller input: unsupported provider,
	// malformed redirect URI or a missing field.
	ErrValidation = errors.New("validation failed")

	// ErrAuthorization indicates an invalid or expired OAuth state, a
	// missing credential, or a credential that can no longer be refreshed.
	ErrAuthorization = errors.New("not authorized")

	// ErrForbidden indicates the caller is authenticated but the request
	// belongs to someone else (for example a state issued to another user).
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates no connection exists for the provider.
	ErrNotFound = errors.New("not found")

	// ErrUpstream indicates the integration backend answered with a
	// non-2xx status or an unusable body.
	ErrUpstream = errors.New("upstream request failed")

	// ErrServiceUnavailable indicates the integration backend could not be
	// reached at all.
	ErrServiceUnavailable = errors.New("upstream unavailable")

	// ErrDecryption indicates stored ciphertext is malformed or tampered.
	ErrDecryption = errors.New("decryption failed")

	// ErrConfiguration indicates the service or the backend is misconfigured.
	ErrConfiguration = errors.New("configuration error")
)
