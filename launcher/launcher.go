package launcher

import (
	"context"
	"errors"
	"io"
	"syscall"
	"time"
)

var (
	// ErrInvalidApplication is returned when an application key is not in the table.
	ErrInvalidApplication = errors.New("invalid application")
	// ErrSpawnFailure is returned when a known application could not be started.
	ErrSpawnFailure = errors.New("spawn failure")
)

// StartRequest describes a process to start on a Backend.
// It is built from an Application entry, never from client input.
type StartRequest struct {
	Command string
	Args    []string
	Env     []string
	WD      string

	// Image is the container image, only used by container backends.
	Image string
}

// ExitStatus describes how a process ended.
// Signal is set (and Code is -1) when the process was killed by a signal.
type ExitStatus struct {
	Code     int
	Signal   string
	Duration time.Duration
}

// Process is a handle to a running child process with three piped streams.
// Stdout and Stderr return io.EOF once the process has exited and all of its output was read.
// Done is closed after the process exits and all of its output has been handed to the readers.
type Process interface {
	PID() int
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Done() <-chan struct{}
	// ExitStatus must only be called after Done is closed.
	ExitStatus() ExitStatus
	Signal(sig syscall.Signal) error
	Kill() error
}

// Backend starts processes.
// The Backend interface is designed for minimal implementation footprint, the Spawner adds
// the application table lookup and path resolution around it.
type Backend interface {
	Start(ctx context.Context, req StartRequest) (Process, error)
}
