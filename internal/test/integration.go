package test

import (
	"os"
	"testing"
)

// Integration skips t unless integration tests were asked for, since they need a Docker
// daemon and network access to pull images.
func Integration(t *testing.T) {
	t.Helper()
	if os.Getenv("CPP_SERVER_INTEGRATION") == "" {
		t.Skip("set CPP_SERVER_INTEGRATION=1 to run integration tests")
	}
}
