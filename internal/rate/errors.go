package rate

import "errors"

var (
	// ErrRateLimited is returned by Check when the key is over budget.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps Redis failures of the shared backend.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
