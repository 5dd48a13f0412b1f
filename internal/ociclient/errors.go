package ociclient

import "errors"

// Error kinds from spec §7. Callers branch on these with errors.Is; errors
// caused by a registry response or a network failure wrap one of them
// (local failures such as decoding a manifest body do not).
var (
	// ErrPermanent covers 4xx responses other than 401, 404 and 429: fatal
	// for the current operation, not retried.
	ErrPermanent = errors.New("ociclient: permanent registry error")

	// ErrTransient covers network errors, 5xx, and 429: retried with
	// exponential back-off up to a configured bound.
	ErrTransient = errors.New("ociclient: transient registry error")

	// ErrUnauthenticated is returned on a 401 that persists after one
	// token refresh attempt.
	ErrUnauthenticated = errors.New("ociclient: authentication failed")

	// ErrDigestMismatch is returned when a digest computed during an upload
	// does not match what the registry echoes back or returns. Downloaded
	// blobs are not checked against their digest.
	ErrDigestMismatch = errors.New("ociclient: digest mismatch")

	// ErrNotFound is returned for 404s on manifest/blob GET and HEAD,
	// distinguished from ErrPermanent because callers (the router) treat
	// it as "object absent" rather than "registry broken".
	ErrNotFound = errors.New("ociclient: not found")
)

// classifyStatus maps an HTTP status code to one of the sentinel errors
// above, per the retry policy in spec §4.2.
func classifyStatus(status int) error {
	switch {
	case status == 404:
		return ErrNotFound
	case status == 401:
		return ErrUnauthenticated
	case status == 429:
		return ErrTransient
	case status >= 500:
		return ErrTransient
	case status >= 400:
		return ErrPermanent
	default:
		return nil
	}
}
