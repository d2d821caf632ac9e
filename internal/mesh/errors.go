package mesh

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// KernelBuildError reports that the kernel rejected the geometry or its
// parameters. It is shown to the user; the previous mesh stays displayed.
type KernelBuildError struct {
	Target string
	Err    error
}

func (e *KernelBuildError) Error() string {
	return fmt.Sprintf("building %s: %v", e.Target, e.Err)
}

func (e *KernelBuildError) Unwrap() error { return e.Err }

// TimeoutError reports that a build exceeded its time budget. It is displayed
// like a KernelBuildError but logged separately.
type TimeoutError struct {
	Target  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("building %s: timed out after %s", e.Target, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// IsUserVisible reports whether err should be surfaced to the user.
func IsUserVisible(err error) bool {
	var kerr *KernelBuildError
	var terr *TimeoutError
	return errors.As(err, &kerr) || errors.As(err, &terr)
}

// IsTimeout reports whether err is a build timeout.
func IsTimeout(err error) bool {
	var terr *TimeoutError
	return errors.As(err, &terr)
}
