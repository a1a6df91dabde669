package stream

import (
	"errors"
	"fmt"

	"github.com/abdul-ghaffar01/cpp-server/supervisor"
)

// Error codes sent to clients. They are stable, unlike error messages.
const (
	CodeCapacityExceeded     = "capacity-exceeded"
	CodeRateLimited          = "rate-limited"
	CodeInvalidApplication   = "invalid-application"
	CodeSpawnFailure         = "spawn-failure"
	CodeSessionNotFound      = "session-not-found"
	CodeProcessCommunication = "process-communication"
	CodeBadRequest           = "bad-request"
	CodeUnavailable          = "unavailable"
	CodeInternal             = "internal"
)

// ErrBadRequest is returned for malformed client messages.
var ErrBadRequest = errors.New("bad request")

var codeErrs = []struct {
	code string
	err  error
}{
	{CodeCapacityExceeded, supervisor.ErrCapacityExceeded},
	{CodeRateLimited, supervisor.ErrRateLimited},
	{CodeInvalidApplication, supervisor.ErrInvalidApplication},
	{CodeSpawnFailure, supervisor.ErrSpawnFailure},
	{CodeSessionNotFound, supervisor.ErrSessionNotFound},
	{CodeProcessCommunication, supervisor.ErrProcessCommunication},
	{CodeBadRequest, ErrBadRequest},
	{CodeUnavailable, supervisor.ErrClosed},
}

// ErrorCode returns the client-facing code of err.
func ErrorCode(err error) string {
	for _, ce := range codeErrs {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeInternal
}

// CodeError turns a code and message received from a server back into an error that
// matches the corresponding sentinel with errors.Is.
func CodeError(code, msg string) error {
	for _, ce := range codeErrs {
		if ce.code == code {
			return fmt.Errorf("%w: %s", ce.err, msg)
		}
	}
	return fmt.Errorf("server error (%s): %s", code, msg)
}
