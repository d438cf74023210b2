package manager

import "errors"

// Sentinel errors surfaced by the manager client and interpreted by the
// reconciliation engine and webhook receiver per the propagation policy:
// the client retries Transient, everything else returns immediately.
var (
	// ErrNotFound means the manager has no record of the resource; benign
	// for stale references.
	ErrNotFound = errors.New("manager: not found")

	// ErrUnauthorized means the API key was rejected; fatal against the
	// manager, surfaced from the webhook path as 401.
	ErrUnauthorized = errors.New("manager: unauthorized")

	// ErrTransient covers connection errors, timeouts, 5xx and 429; the
	// client layer retries these before giving up.
	ErrTransient = errors.New("manager: transient error")

	// ErrPermanentServer means a 4xx other than 401/403/404/409/410/429; not retried,
	// logged and deferred one cycle.
	ErrPermanentServer = errors.New("manager: permanent server error")

	// ErrMalformed means the response body could not be decoded.
	ErrMalformed = errors.New("manager: malformed response")

	// ErrConflict means the target of a mutation was already gone;
	// treated as success by callers.
	ErrConflict = errors.New("manager: conflict")

	// ErrMissingIdentifier guards mutating calls that lack a required id.
	ErrMissingIdentifier = errors.New("manager: missing required identifier")
)
