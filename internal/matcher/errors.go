package matcher

import (
	"errors"
	"fmt"
)

// ErrUpstreamTimeout is returned when a deadline expires while waiting for
// the log region or for the log to settle. The region is released either way.
var ErrUpstreamTimeout = errors.New("upstream timeout")

// ErrReleased is returned by Slice on a lease that was already released.
var ErrReleased = errors.New("lease already released")

// MatchError reports that the log changed underneath a lease in a way that
// makes the request's byte range meaningless.
type MatchError struct {
	Path   string
	Before int64
	After  int64
	Reason string
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("match %s: %s (before=%d after=%d)", e.Path, e.Reason, e.Before, e.After)
}

func timeoutError(path, stage string, cause error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrUpstreamTimeout, stage, path, cause)
}
