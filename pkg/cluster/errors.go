package cluster

import "errors"

var (
	// ErrIllegalState is returned when an operation is not valid at this
	// point of the service lifecycle, e.g. touching initial blocks after the
	// first state was committed.
	ErrIllegalState = errors.New("cluster: illegal lifecycle state")

	// ErrServiceClosed rejects tasks submitted after, or still queued at, shutdown.
	ErrServiceClosed = errors.New("cluster: service closed")

	// ErrTaskTimedOut fails a TimedTask that waited in the queue past its timeout.
	ErrTaskTimedOut = errors.New("cluster: task timed out in queue")

	ErrObserverTimedOut = errors.New("cluster: timed out waiting for state")
)
