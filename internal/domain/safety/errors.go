package safety

import "errors"

// Sentinel errors shared across the pipeline. Components wrap these so callers
// can discriminate with errors.Is without depending on infrastructure details.
var (
	// ErrRateLimited means the gateway refused admission; the caller must
	// back off, the call is never queued or retried inline.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrUpstreamUnavailable means the regulatory data source failed at the
	// transport or HTTP level. Callers treat it as "no data".
	ErrUpstreamUnavailable = errors.New("upstream data source unavailable")

	// ErrNotFound means a profile, alert or notification does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation means malformed settings were rejected before storage.
	ErrValidation = errors.New("validation failed")
)
