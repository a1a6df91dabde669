package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/abdul-ghaffar01/cpp-server/launcher"
	"go.uber.org/zap"
)

const defaultWaitDelay = 2 * time.Second

// Backend runs processes directly on the underlying host.
// These processes are not sandboxed, so they can see each other and everything else on the host.
// Each process is started in its own process group so that signals reach its descendants too.
type Backend struct {
	log *zap.SugaredLogger
	// waitDelay bounds how long a reaped process's descendants may keep the output pipes open.
	waitDelay time.Duration
}

type Option func(b *Backend)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(b *Backend) {
		b.log = l.Named("local_backend")
	}
}

func WithWaitDelay(d time.Duration) Option {
	return func(b *Backend) {
		b.waitDelay = d
	}
}

func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		log:       zap.NewNop().Sugar(),
		waitDelay: defaultWaitDelay,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Start starts the process. The context only bounds the start itself, the process outlives it
// and is ended with Signal or Kill.
func (b *Backend) Start(ctx context.Context, req launcher.StartRequest) (launcher.Process, error) {
	if req.Command == "" {
		return nil, errors.New("request contained no command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(req.Command, req.Args...)
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	cmd.Dir = req.WD
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = b.waitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}

	// io.Pipe writes only complete once they are read, so by the time Wait returns every
	// byte of output has been handed to the reader.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	start := time.Now()
	err = cmd.Start()
	if err != nil {
		stdoutW.Close()
		stderrW.Close()
		return nil, fmt.Errorf("running command: %w", err)
	}
	b.log.Debugw("process started", "PID", cmd.Process.Pid, "Command", req.Command)

	p := &proc{
		log:     b.log,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdoutR,
		stderr:  stderrR,
		start:   start,
		done:    make(chan struct{}),
		outDone: []*io.PipeWriter{stdoutW, stderrW},
	}
	go p.wait()
	return p, nil
}

type proc struct {
	log *zap.SugaredLogger
	cmd *exec.Cmd

	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	start   time.Time
	outDone []*io.PipeWriter

	done   chan struct{}
	status launcher.ExitStatus
}

func (p *proc) wait() {
	err := p.cmd.Wait()
	for _, w := range p.outDone {
		w.Close()
	}

	status := launcher.ExitStatus{Code: -1, Duration: time.Since(p.start)}
	if state := p.cmd.ProcessState; state != nil {
		status.Code = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signal = ws.Signal().String()
		}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			p.log.Debugf("unexpected wait error for process %d: %s", p.cmd.Process.Pid, err)
		}
	}
	p.status = status
	p.log.Debugw("process exited", "PID", p.cmd.Process.Pid, "ExitCode", status.Code, "Signal", status.Signal)
	close(p.done)
}

func (p *proc) PID() int { return p.cmd.Process.Pid }
func (p *proc) Stdin() io.WriteCloser { return p.stdin }
func (p *proc) Stdout() io.Reader { return p.stdout }
func (p *proc) Stderr() io.Reader { return p.stderr }
func (p *proc) Done() <-chan struct{} { return p.done }
func (p *proc) ExitStatus() launcher.ExitStatus { return p.status }

// Signal sends sig to the process group of the process.
func (p *proc) Signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	pid := p.cmd.Process.Pid
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return p.cmd.Process.Signal(sig)
	}
	return err
}

func (p *proc) Kill() error {
	return p.Signal(syscall.SIGKILL)
}
