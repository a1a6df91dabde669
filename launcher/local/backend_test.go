package local

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/abdul-ghaffar01/cpp-server/launcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitExit(t *testing.T, p launcher.Process) launcher.ExitStatus {
	t.Helper()
	select {
	case <-p.Done():
		return p.ExitStatus()
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit")
		return launcher.ExitStatus{}
	}
}

func TestStartEchoesInput(t *testing.T) {
	b := NewBackend()
	p, err := b.Start(context.Background(), launcher.StartRequest{
		Command: "sh",
		Args:    []string{"-c", `while read l; do echo "got $l"; [ "$l" = exit ] && exit 3; done`},
	})
	require.NoError(t, err)
	assert.Greater(t, p.PID(), 0)

	go func() { _, _ = io.Copy(io.Discard, p.Stderr()) }()
	out := bufio.NewReader(p.Stdout())

	_, err = io.WriteString(p.Stdin(), "hello\n")
	require.NoError(t, err)
	line, err := out.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "got hello\n", line)

	_, err = io.WriteString(p.Stdin(), "exit\n")
	require.NoError(t, err)
	rest, err := io.ReadAll(out)
	require.NoError(t, err)
	assert.Equal(t, "got exit\n", string(rest))

	status := waitExit(t, p)
	assert.Equal(t, 3, status.Code)
	assert.Empty(t, status.Signal)
	assert.ErrorIs(t, p.Signal(syscall.SIGTERM), os.ErrProcessDone)
}

func TestStderrAndWorkDir(t *testing.T) {
	dir := t.TempDir()
	b := NewBackend()
	p, err := b.Start(context.Background(), launcher.StartRequest{
		Command: "sh",
		Args:    []string{"-c", `pwd -P; echo "$GREETING" >&2`},
		Env:     []string{"GREETING=oops"},
		WD:      dir,
	})
	require.NoError(t, err)

	errc := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(p.Stderr())
		errc <- b
	}()
	stdout, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)

	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, resolved+"\n", string(stdout))
	assert.Equal(t, "oops\n", string(<-errc))
	assert.Equal(t, 0, waitExit(t, p).Code)
}

func TestSignalTerminatesProcess(t *testing.T) {
	b := NewBackend()
	p, err := b.Start(context.Background(), launcher.StartRequest{
		Command: "sleep",
		Args:    []string{"60"},
	})
	require.NoError(t, err)
	go func() { _, _ = io.Copy(io.Discard, p.Stdout()) }()
	go func() { _, _ = io.Copy(io.Discard, p.Stderr()) }()

	require.NoError(t, p.Signal(syscall.SIGTERM))
	status := waitExit(t, p)
	assert.Equal(t, -1, status.Code)
	assert.Equal(t, "terminated", status.Signal)
}

func TestStartFailures(t *testing.T) {
	b := NewBackend()

	_, err := b.Start(context.Background(), launcher.StartRequest{})
	assert.Error(t, err)

	_, err = b.Start(context.Background(), launcher.StartRequest{Command: "/does/not/exist"})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Start(ctx, launcher.StartRequest{Command: "true"})
	assert.ErrorIs(t, err, context.Canceled)
}
