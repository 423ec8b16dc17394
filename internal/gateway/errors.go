package gateway

import "errors"

var (
	// ErrAuthentication means the login endpoint did not yield a session
	// cookie. Not retried automatically.
	ErrAuthentication = errors.New("gateway authentication failed")

	// ErrSessionExpired marks an authenticated call that came back as a
	// login page / 401 / 403. Recovered internally with a single re-auth
	// and retry; callers only see it if recovery is impossible.
	ErrSessionExpired = errors.New("gateway session expired")

	// ErrGatewayUnavailable covers network failures and failures that
	// persist after the one expiry-triggered retry.
	ErrGatewayUnavailable = errors.New("gateway unavailable")
)
