package presigned

import (
	"errors"
	"net/http"
)

var (
	ErrNoSecretKey = errors.New("presigned: signing secret not set")

	ErrMissingSignature  = errors.New("presigned: signature missing")
	ErrMissingExpiration = errors.New("presigned: expires missing")
	ErrInvalidExpiration = errors.New("presigned: expires is not a unix timestamp")
	ErrExpired           = errors.New("presigned: link expired")
	ErrInvalidSignature  = errors.New("presigned: signature mismatch")
	// ErrKeyOutsidePrefix means the path is not under the signer's prefix, or
	// escapes it with dot segments.
	ErrKeyOutsidePrefix = errors.New("presigned: path outside signed prefix")
)

var rejections = []struct {
	err     error
	status  int
	message string
}{
	{ErrMissingSignature, http.StatusUnauthorized, "Missing signature parameter"},
	{ErrMissingExpiration, http.StatusUnauthorized, "Missing expires parameter"},
	{ErrInvalidExpiration, http.StatusBadRequest, "Invalid expires parameter"},
	{ErrExpired, http.StatusForbidden, "Signed URL has expired"},
	{ErrInvalidSignature, http.StatusForbidden, "Invalid signature"},
	{ErrKeyOutsidePrefix, http.StatusNotFound, "Not found"},
}

// Rejection maps a validation error to the HTTP status and message sent to
// the client. Unknown errors are 403.
func Rejection(err error) (int, string) {
	for _, r := range rejections {
		if errors.Is(err, r.err) {
			return r.status, r.message
		}
	}
	return http.StatusForbidden, "Authentication failed"
}
