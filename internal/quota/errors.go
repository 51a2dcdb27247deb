package quota

import "errors"

var (
	// ErrUnknownCategory is returned for a category outside the closed set.
	ErrUnknownCategory = errors.New("unknown quota category")

	// ErrInvalidRetention is returned by PruneLogs for a negative retention.
	ErrInvalidRetention = errors.New("invalid log retention")
)
