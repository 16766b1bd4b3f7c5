package worker

import "errors"

var (
	// ErrInsufficientMemory is returned when the host is below the free
	// memory floor required to launch a worker
	ErrInsufficientMemory = errors.New("not enough free memory to start worker")

	// ErrStartTimeout is returned when a launched worker did not report
	// status in time. The worker is scheduled for shutdown.
	ErrStartTimeout = errors.New("worker did not report status before timeout")

	// ErrStartAborted is returned when the worker closed while starting
	ErrStartAborted = errors.New("worker closed while starting")

	// ErrAlreadyStarting is returned by Start while another Start is in flight
	ErrAlreadyStarting = errors.New("worker is already starting")

	// ErrClientsConnected refuses a graceful stop of a worker with clients
	ErrClientsConnected = errors.New("worker still has connected clients")

	// ErrNoSession is returned when a command needs a control session
	// and the worker has none
	ErrNoSession = errors.New("worker has no control session")
)
