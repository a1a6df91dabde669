package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/abdul-ghaffar01/cpp-server/launcher"
	"github.com/abdul-ghaffar01/cpp-server/metrics"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxSessions       = 30
	DefaultInactivityTimeout = 5 * time.Minute
	DefaultKillTimeout       = 10 * time.Second

	// exitSettle is how long a failed stdin write waits for the process to be reported as exited
	// before the failure is treated as a communication error.
	exitSettle = 100 * time.Millisecond
)

// Launcher starts the child process of an application key.
type Launcher interface {
	Spawn(ctx context.Context, key string) (launcher.Process, error)
}

// Registry is the bounded set of live sessions. All methods are safe for concurrent use.
type Registry struct {
	log               *zap.SugaredLogger
	launcher          Launcher
	clock             clockwork.Clock
	maxSessions       int
	inactivityTimeout time.Duration
	maxChunks         int
	killTimeout       time.Duration
	startLimiter      *rate.Limiter

	mu       sync.Mutex
	sessions map[string]*Session
	pending  int
	closed   bool
}

type Option func(r *Registry)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Registry) { r.log = l.Named("registry") }
}

func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

func WithMaxSessions(n int) Option {
	return func(r *Registry) { r.maxSessions = n }
}

func WithInactivityTimeout(d time.Duration) Option {
	return func(r *Registry) { r.inactivityTimeout = d }
}

func WithMaxBufferChunks(n int) Option {
	return func(r *Registry) { r.maxChunks = n }
}

// WithKillTimeout sets how long a signalled process has to exit before it is killed.
func WithKillTimeout(d time.Duration) Option {
	return func(r *Registry) { r.killTimeout = d }
}

// WithStartRate throttles Create to perSecond starts with the given burst.
// A rate <= 0 disables throttling.
func WithStartRate(perSecond float64, burst int) Option {
	return func(r *Registry) {
		if perSecond <= 0 {
			r.startLimiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		r.startLimiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func NewRegistry(l Launcher, opts ...Option) *Registry {
	r := &Registry{
		log:               zap.NewNop().Sugar(),
		launcher:          l,
		clock:             clockwork.NewRealClock(),
		maxSessions:       DefaultMaxSessions,
		inactivityTimeout: DefaultInactivityTimeout,
		maxChunks:         DefaultMaxChunks,
		killTimeout:       DefaultKillTimeout,
		sessions:          map[string]*Session{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) MaxSessions() int { return r.maxSessions }

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Create spawns the process for app and registers a new session whose events go to sink.
// The capacity check and the slot reservation happen atomically, so concurrent creates
// can never push the registry past its limit. The session-started event is published
// before any output.
func (r *Registry) Create(ctx context.Context, app string, sink Sink) (*Session, error) {
	if sink == nil {
		sink = Discard
	}
	if r.startLimiter != nil && !r.startLimiter.Allow() {
		metrics.StartRejections.WithLabelValues(metrics.RejectRateLimited).Inc()
		return nil, fmt.Errorf("%w: too many session starts", ErrRateLimited)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if len(r.sessions)+r.pending >= r.maxSessions {
		r.mu.Unlock()
		metrics.StartRejections.WithLabelValues(metrics.RejectCapacity).Inc()
		return nil, fmt.Errorf("%w: %d sessions running", ErrCapacityExceeded, r.maxSessions)
	}
	r.pending++
	r.mu.Unlock()

	proc, err := r.launcher.Spawn(ctx, app)
	if err != nil {
		r.mu.Lock()
		r.pending--
		r.mu.Unlock()
		if errors.Is(err, ErrInvalidApplication) {
			metrics.StartRejections.WithLabelValues(metrics.RejectInvalidApplication).Inc()
		} else {
			metrics.StartRejections.WithLabelValues(metrics.RejectSpawnFailure).Inc()
		}
		return nil, err
	}

	id := uuid.NewString()
	now := r.clock.Now()
	s := &Session{
		log:        r.log.Named("session").With("SessionID", id, "App", app),
		id:         id,
		app:        app,
		proc:       proc,
		transcript: NewTranscript(r.maxChunks),
		sink:       sink,
		chunks:     make(chan chunk, 64),
		dispatched: make(chan struct{}),
		state:      StateStarting,
		startedAt:  now,
		// the watchdog counts from creation until the first input arrives
		lastInputAt: now,
		terminated:  make(chan struct{}),
		done:        make(chan struct{}),
		outboxWake:  make(chan struct{}, 1),
	}
	s.watchdog = NewWatchdog(r.clock, r.inactivityTimeout, func() { r.expire(id) })

	r.mu.Lock()
	r.pending--
	if r.closed {
		// Shutdown ran while the process was spawning and can't see it
		r.mu.Unlock()
		if err := proc.Kill(); err != nil {
			r.log.Debugf("killing process spawned during shutdown: %s", err)
		}
		go func() { _, _ = io.Copy(io.Discard, proc.Stdout()) }()
		go func() { _, _ = io.Copy(io.Discard, proc.Stderr()) }()
		return nil, ErrClosed
	}
	r.sessions[id] = s
	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()
	active := len(r.sessions)
	metrics.SessionsActive.Set(float64(active))
	r.mu.Unlock()

	s.startReaders()
	go s.deliverEvents()
	s.watchdog.Arm()
	metrics.SessionsStarted.WithLabelValues(app).Inc()
	s.log.Debugw("session started", "PID", proc.PID(), "Active", active)

	s.publish(Event{Type: EventSessionStarted, SessionID: id})
	go r.dispatch(s)
	return s, nil
}

// Deliver writes text plus a newline to the session's stdin and resets the inactivity
// watchdog. The line is recorded in the transcript behind any output already read.
// Input is never interpreted.
func (r *Registry) Deliver(id, text string) (*Session, error) {
	s, err := r.get(id)
	if err != nil {
		return nil, err
	}
	line := text + "\n"
	s.queueInput(line)

	if err := s.writeInput(line); err != nil {
		// a process that just exited closes its stdin before Done is closed
		select {
		case <-s.proc.Done():
			return nil, fmt.Errorf("%w: session %s exited", ErrSessionNotFound, id)
		case <-time.After(exitSettle):
		}
		if _, terr := r.teardown(id, ReasonCommunicationError); terr != nil {
			return nil, fmt.Errorf("%w: session %s terminated", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("%w: writing to session %s: %w", ErrProcessCommunication, id, err)
	}
	metrics.InputLines.Inc()

	s.watchdog.Reset()
	s.mu.Lock()
	s.lastInputAt = r.clock.Now()
	s.mu.Unlock()
	return s, nil
}

// Stop tears down a live session on the client's request. Stopping an unknown or already
// terminated session returns ErrSessionNotFound and does not signal anything.
func (r *Registry) Stop(id string) (*Termination, error) {
	return r.teardown(id, ReasonExplicitStop)
}

// Snapshot returns the session's cleaned transcript without clearing it.
func (r *Registry) Snapshot(id string) (string, error) {
	s, err := r.get(id)
	if err != nil {
		return "", err
	}
	return s.transcript.Snapshot(), nil
}

// Drain returns the session's cleaned transcript and clears it.
func (r *Registry) Drain(id string) (string, error) {
	s, err := r.get(id)
	if err != nil {
		return "", err
	}
	return s.transcript.Drain(), nil
}

// Session returns the live session with the given id.
func (r *Registry) Session(id string) (*Session, error) {
	return r.get(id)
}

// List returns info on all live sessions, ordered by start time.
func (r *Registry) List() []SessionInfo {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Info returns info on a live session including the resource usage of its process.
func (r *Registry) Info(id string) (SessionInfo, error) {
	s, err := r.get(id)
	if err != nil {
		return SessionInfo{}, err
	}
	info := s.info()
	info.addProcessStats(s.log)
	return info, nil
}

// Shutdown terminates every live session and waits for their processes to be reaped.
// Create fails with ErrClosed afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.sessions))
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		ids = append(ids, id)
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	r.log.Debugf("shutting down %d sessions", len(ids))
	var group errgroup.Group
	for _, id := range ids {
		id := id
		group.Go(func() error {
			_, _ = r.teardown(id, ReasonShutdown)
			return nil
		})
	}
	torn := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(torn)
	}()
	select {
	case <-torn:
	case <-ctx.Done():
		return fmt.Errorf("tearing down sessions: %w", ctx.Err())
	}
	for _, s := range sessions {
		select {
		case <-s.dispatched:
		case <-ctx.Done():
			return fmt.Errorf("waiting for sessions to exit: %w", ctx.Err())
		}
	}
	return nil
}

func (r *Registry) get(id string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok || !s.running() {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

func (r *Registry) expire(id string) {
	term, err := r.teardown(id, ReasonInactivity)
	if err != nil {
		return
	}
	r.log.Debugw("session expired", "SessionID", id, "Reason", term.Reason)
}

// teardown is the single path out of the registry. Only the first teardown of a session
// does anything: it removes the session, cancels the watchdog, signals the process
// unless it exited on its own, records the termination and publishes it.
func (r *Registry) teardown(id string, reason Reason) (*Termination, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || !s.beginTermination() {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(r.sessions, id)
	active := len(r.sessions)
	metrics.SessionsActive.Set(float64(active))
	r.mu.Unlock()

	s.watchdog.Cancel()
	if reason != ReasonProcessExit {
		r.terminate(s)
	}

	term := &Termination{
		Reason:     reason,
		Transcript: s.transcript.Snapshot(),
	}
	if st, exited := s.exitStatus(); exited {
		code := st.Code
		term.ExitCode = &code
		term.Signal = st.Signal
	}

	s.mu.Lock()
	s.state = StateTerminated
	s.termination = term
	elapsed := r.clock.Since(s.startedAt)
	s.mu.Unlock()
	close(s.terminated)

	metrics.SessionsTerminated.WithLabelValues(string(reason)).Inc()
	metrics.SessionDuration.WithLabelValues(string(reason)).Observe(elapsed.Seconds())
	s.log.Debugw("session terminated", "Reason", reason, "Active", active)

	s.publish(Event{Type: EventTerminated, SessionID: id, Termination: term})
	return term, nil
}

// terminate sends SIGTERM once and escalates to a kill if the process outlives killTimeout.
// Stdin is closed last since a write blocked on a process that stopped reading holds it.
func (r *Registry) terminate(s *Session) {
	defer s.closeStdin()
	if err := s.proc.Signal(syscall.SIGTERM); err != nil {
		if !errors.Is(err, os.ErrProcessDone) {
			s.log.Debugf("signaling process: %s", err)
		}
		return
	}
	go func() {
		select {
		case <-s.proc.Done():
		case <-r.clock.After(r.killTimeout):
			s.log.Debugf("process did not exit after %s, killing", r.killTimeout)
			if err := s.proc.Kill(); err != nil {
				s.log.Debugf("killing process: %s", err)
			}
		}
	}()
}

// dispatch is the only consumer of a session's output. It appends every chunk to the
// transcript and publishes it, then tears the session down once the process exited and all
// of its output was handled. It keeps draining after an external teardown so the readers
// never block.
func (r *Registry) dispatch(s *Session) {
	defer close(s.dispatched)
	for c := range s.chunks {
		s.transcript.Append(c.text())
		if c.input {
			continue
		}
		metrics.OutputChunks.WithLabelValues(string(c.stream)).Inc()
		s.publish(Event{Type: EventOutput, SessionID: s.id, Stream: c.stream, Chunk: c.data})
	}
	<-s.proc.Done()
	st := s.proc.ExitStatus()
	s.log.Debugw("process exited", "Code", st.Code, "Signal", st.Signal, "Duration", st.Duration)
	_, _ = r.teardown(s.id, ReasonProcessExit)
}
