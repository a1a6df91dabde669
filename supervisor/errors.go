package supervisor

import (
	"errors"

	"github.com/abdul-ghaffar01/cpp-server/launcher"
)

var (
	// ErrCapacityExceeded means the registry is full. Clients may retry later.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrSessionNotFound means the session id is unknown or the session already terminated.
	ErrSessionNotFound = errors.New("session not found")
	// ErrProcessCommunication means a live process could not be written to. The session is torn down.
	ErrProcessCommunication = errors.New("process communication error")
	// ErrRateLimited means session starts are being throttled.
	ErrRateLimited = errors.New("rate limited")
	// ErrClosed is returned by Create after Shutdown.
	ErrClosed = errors.New("registry closed")

	ErrInvalidApplication = launcher.ErrInvalidApplication
	ErrSpawnFailure       = launcher.ErrSpawnFailure
)
