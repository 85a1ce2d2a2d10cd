package scan

import (
	"errors"
	"fmt"
)

// Sentinel errors returned synchronously to callers.
var (
	ErrInvalidTarget = errors.New("invalid target")
	ErrQueueFull     = errors.New("queue full")
	ErrQueueClosed   = errors.New("queue closed")
	ErrNotFound      = errors.New("scan not found")

	// ErrTargetBlocked matches ErrInvalidTarget as well.
	ErrTargetBlocked = fmt.Errorf("%w: host is blocked", ErrInvalidTarget)
)

// FetchError reports a network-level failure while fetching a target.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// FailureFinding describes a failed scan as a single finding.
func FailureFinding(target string, err error) Finding {
	var fe *FetchError
	if errors.As(err, &fe) {
		return Finding{
			Kind:        KindFetchFailure,
			Severity:    SeverityHigh,
			Title:       "Scan failed: target could not be fetched",
			Description: fe.Err.Error(),
			Location:    target,
		}
	}
	return Finding{
		Kind:        KindInternalError,
		Severity:    SeverityHigh,
		Title:       "Scan failed: internal error",
		Description: err.Error(),
		Location:    target,
	}
}
