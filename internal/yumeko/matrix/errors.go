package matrix

// errors.go classifies homeserver failures for the callers that have to
// decide between retrying and giving up: the replay engine retries a
// transient fetch once, while a rejected credential is surfaced immediately
// and never retried.

import (
	"errors"
	"net"

	"maunium.net/go/mautrix"
)

// IsAuthError reports whether err means the homeserver rejected our
// credential or membership. Auth failures are fatal for the operation that
// hit them: retrying with the same token cannot succeed.
func IsAuthError(err error) bool {
	return errors.Is(err, mautrix.MUnknownToken) ||
		errors.Is(err, mautrix.MMissingToken) ||
		errors.Is(err, mautrix.MForbidden)
}

// IsTransient reports whether err is worth one more attempt: the request
// never reached the homeserver (connection refused, timeout, DNS), the
// homeserver answered with a 5xx, or we were rate-limited. Auth failures
// and well-formed 4xx rejections are permanent and return false.
func IsTransient(err error) bool {
	if err == nil || IsAuthError(err) {
		return false
	}
	if errors.Is(err, mautrix.MLimitExceeded) {
		return true
	}

	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Response == nil {
			// No HTTP response at all: the request died on the wire.
			return true
		}
		return httpErr.Response.StatusCode >= 500
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
