package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/abdul-ghaffar01/cpp-server/launcher"
)

// fakeProc is an in-memory child process. With echo set it answers every input line with
// "got <line>" and exits when it reads "exit".
type fakeProc struct {
	pid        int
	echo       bool
	ignoreTerm bool

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	writeErr error
	inputs   chan string

	mu       sync.Mutex
	signals  []syscall.Signal
	kills    int
	status   launcher.ExitStatus
	exitOnce sync.Once
	done     chan struct{}
}

func newFakeProc(pid int, echo bool) *fakeProc {
	p := &fakeProc{
		pid:    pid,
		echo:   echo,
		inputs: make(chan string, 1000),
		done:   make(chan struct{}),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	go p.readInput()
	return p
}

func (p *fakeProc) readInput() {
	scanner := bufio.NewScanner(p.stdinR)
	for scanner.Scan() {
		line := scanner.Text()
		p.inputs <- line
		if !p.echo {
			continue
		}
		_, _ = p.stdoutW.Write([]byte("got " + line + "\n"))
		if line == "exit" {
			p.exit(0, "")
			return
		}
	}
}

func (p *fakeProc) emit(s string)    { _, _ = p.stdoutW.Write([]byte(s)) }
func (p *fakeProc) emitErr(s string) { _, _ = p.stderrW.Write([]byte(s)) }

func (p *fakeProc) exit(code int, signal string) {
	p.exitOnce.Do(func() {
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		_ = p.stdinR.Close()
		p.mu.Lock()
		p.status = launcher.ExitStatus{Code: code, Signal: signal}
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProc) signalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.signals)
}

func (p *fakeProc) PID() int              { return p.pid }
func (p *fakeProc) Stdin() io.WriteCloser { return &fakeStdin{p: p} }
func (p *fakeProc) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProc) Stderr() io.Reader     { return p.stderrR }
func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) ExitStatus() launcher.ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *fakeProc) Signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if !p.ignoreTerm {
		go p.exit(-1, "terminated")
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.exit(-1, "killed")
	return nil
}

type fakeStdin struct{ p *fakeProc }

func (w *fakeStdin) Write(b []byte) (int, error) {
	if w.p.writeErr != nil {
		return 0, w.p.writeErr
	}
	return w.p.stdinW.Write(b)
}

func (w *fakeStdin) Close() error { return w.p.stdinW.Close() }

// fakeLauncher knows the applications "app" and "echo".
type fakeLauncher struct {
	mu         sync.Mutex
	procs      []*fakeProc
	err        error
	writeErr   error
	ignoreTerm bool

	// when set, Spawn signals spawning and then waits for release
	spawning chan struct{}
	release  chan struct{}
}

func (l *fakeLauncher) Spawn(ctx context.Context, key string) (launcher.Process, error) {
	if key != "app" && key != "echo" {
		return nil, fmt.Errorf("%w: %q", launcher.ErrInvalidApplication, key)
	}
	if l.release != nil {
		close(l.spawning)
		<-l.release
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, fmt.Errorf("%w: starting %q: %w", launcher.ErrSpawnFailure, key, l.err)
	}
	p := newFakeProc(1000+len(l.procs), key == "echo")
	p.writeErr = l.writeErr
	p.ignoreTerm = l.ignoreTerm
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) spawned() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) proc(i int) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

// recorder is a Sink that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// stalledSink blocks on every output event until released, like a client that stopped reading.
type stalledSink struct {
	recorder
	blocked chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStalledSink() *stalledSink {
	return &stalledSink{blocked: make(chan struct{}), release: make(chan struct{})}
}

func (s *stalledSink) Publish(ev Event) {
	if ev.Type == EventOutput {
		s.once.Do(func() { close(s.blocked) })
		<-s.release
	}
	s.recorder.Publish(ev)
}

var errBrokenPipe = errors.New("broken pipe")
