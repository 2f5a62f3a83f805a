package throttling

import "errors"

var (
	// ErrInvalidArgument is returned for a non-positive interval, a nil action,
	// or a token that is absent or was not issued by the scheduler.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDisposed is returned by Schedule after Dispose.
	ErrDisposed = errors.New("scheduler disposed")
)
