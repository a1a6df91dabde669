package net

import (
	"fmt"
	"net"
)

// FreeLoopbackAddr returns a "127.0.0.1:port" address whose port was free when checked.
// It can race with other listeners, so it is only meant for tests.
func FreeLoopbackAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer l.Close()
	return l.Addr().String(), nil
}
