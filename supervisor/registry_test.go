package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abdul-ghaffar01/cpp-server/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const waitFor = 5 * time.Second

func newTestRegistry(t *testing.T, l Launcher, opts ...Option) *Registry {
	r := NewRegistry(l, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func waitDone(t *testing.T, s *Session) *Termination {
	t.Helper()
	select {
	case <-s.Done():
		return s.Termination()
	case <-time.After(waitFor):
		t.Fatalf("session %s did not terminate", s.ID())
		return nil
	}
}

func TestCreateRespectsCapacity(t *testing.T) {
	l := &fakeLauncher{}
	r := newTestRegistry(t, l)

	for i := 0; i < DefaultMaxSessions; i++ {
		_, err := r.Create(context.Background(), "app", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, DefaultMaxSessions, r.Len())

	_, err := r.Create(context.Background(), "app", nil)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, DefaultMaxSessions, r.Len())
	assert.Equal(t, DefaultMaxSessions, l.spawned())
}

func TestConcurrentCreatesNeverExceedCapacity(t *testing.T) {
	l := &fakeLauncher{}
	r := newTestRegistry(t, l, WithMaxSessions(5))

	var created, rejected int64
	group, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 40; i++ {
		group.Go(func() error {
			_, err := r.Create(ctx, "app", nil)
			switch {
			case err == nil:
				atomic.AddInt64(&created, 1)
			case errors.Is(err, ErrCapacityExceeded):
				atomic.AddInt64(&rejected, 1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	assert.EqualValues(t, 5, created)
	assert.EqualValues(t, 35, rejected)
	assert.Equal(t, 5, r.Len())
	assert.Equal(t, 5, l.spawned())
}

func TestCreateFailures(t *testing.T) {
	cases := []struct {
		name     string
		app      string
		spawnErr error
		expErr   error
	}{
		{name: "unknown application", app: "rm -rf /", expErr: ErrInvalidApplication},
		{name: "spawn failure", app: "app", spawnErr: errors.New("no such file"), expErr: ErrSpawnFailure},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			l := &fakeLauncher{err: c.spawnErr}
			r := newTestRegistry(t, l)

			s, err := r.Create(context.Background(), c.app, nil)
			require.ErrorIs(t, err, c.expErr)
			assert.Nil(t, s)
			assert.Equal(t, 0, r.Len())
			assert.Equal(t, 0, l.spawned())

			// the failed attempt must not hold on to a slot
			r.maxSessions = 1
			l.err = nil
			_, err = r.Create(context.Background(), "app", nil)
			require.NoError(t, err)
		})
	}
}

func TestInactivityTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := &fakeLauncher{}
	r := newTestRegistry(t, l, WithClock(clock), WithInactivityTimeout(time.Minute))
	rec := &recorder{}

	s, err := r.Create(context.Background(), "app", rec)
	require.NoError(t, err)

	clock.Advance(time.Minute - time.Second)
	assert.Equal(t, StateRunning, s.State())

	clock.Advance(time.Second)
	term := waitDone(t, s)
	assert.Equal(t, ReasonInactivity, term.Reason)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 1, l.proc(0).signalCount())

	events := rec.all()
	require.NotEmpty(t, events)
	assert.Equal(t, EventTerminated, events[len(events)-1].Type)
}

func TestInputKeepsSessionAlive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := &fakeLauncher{}
	r := newTestRegistry(t, l, WithClock(clock), WithInactivityTimeout(time.Minute))

	s, err := r.Create(context.Background(), "app", nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		clock.Advance(time.Minute - time.Millisecond)
		_, err := r.Deliver(s.ID(), "ping")
		require.NoError(t, err)
	}
	assert.Equal(t, StateRunning, s.State())
	assert.Equal(t, 0, l.proc(0).signalCount())

	clock.Advance(time.Minute)
	assert.Equal(t, ReasonInactivity, waitDone(t, s).Reason)
}

func TestOutputDoesNotResetWatchdog(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := &fakeLauncher{}
	r := newTestRegistry(t, l, WithClock(clock), WithInactivityTimeout(time.Minute))

	s, err := r.Create(context.Background(), "app", nil)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	l.proc(0).emit("still working\n")
	require.Eventually(t, func() bool {
		out, _ := r.Snapshot(s.ID())
		return out == "still working"
	}, waitFor, 10*time.Millisecond)

	clock.Advance(30 * time.Second)
	assert.Equal(t, ReasonInactivity, waitDone(t, s).Reason)
}

func TestStopIsIdempotent(t *testing.T) {
	l := &fakeLauncher{}
	r := newTestRegistry(t, l)

	s, err := r.Create(context.Background(), "app", nil)
	require.NoError(t, err)

	term, err := r.Stop(s.ID())
	require.NoError(t, err)
	assert.Equal(t, ReasonExplicitStop, term.Reason)
	assert.Equal(t, 1, l.proc(0).signalCount())

	_, err = r.Stop(s.ID())
	require.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 1, l.proc(0).signalCount())
	assert.Equal(t, 0, r.Len())

	_, err = r.Deliver(s.ID(), "hello")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestProcessExitOrdering(t *testing.T) {
	l := &fakeLauncher{}
	r := newTestRegistry(t, l)
	rec := &recorder{}

	s, err := r.Create(context.Background(), "echo", rec)
	require.NoError(t, err)

	_, err = r.Deliver(s.ID(), "1")
	require.NoError(t, err)
	_, err = r.Deliver(s.ID(), "exit")
	require.NoError(t, err)

	term := waitDone(t, s)
	assert.Equal(t, ReasonProcessExit, term.Reason)
	require.NotNil(t, term.ExitCode)
	assert.Equal(t, 0, *term.ExitCode)
	assert.Equal(t, 0, l.proc(0).signalCount())

	assert.True(t, strings.HasPrefix(term.Transcript, "1\n"), term.Transcript)
	assert.Contains(t, term.Transcript, "got 1")
	assert.True(t, strings.HasSuffix(term.Transcript, "got exit"), term.Transcript)
	assert.Less(t, strings.Index(term.Transcript, "exit\n"), strings.Index(term.Transcript, "got exit"))

	events := rec.all()
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, EventSessionStarted, events[0].Type)
	var output strings.Builder
	for _, ev := range events[1 : len(events)-1] {
		require.Equal(t, EventOutput, ev.Type)
		assert.Equal(t, Stdout, ev.Stream)
		output.WriteString(ev.Chunk)
	}
	assert.Equal(t, "got 1\ngot exit\n", output.String())
	last := events[len(events)-1]
	assert.Equal(t, EventTerminated, last.Type)
	assert.Equal(t, term, last.Termination)

	_, err = r.Stop(s.ID())
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSnapshotAndDrain(t *testing.T) {
	l := &fakeLauncher{}
	r := newTestRegistry(t, l)

	s, err := r.Create(context.Background(), "app", nil)
	require.NoError(t, err)

	p := l.proc(0)
	p.emit("\x1b[1;32mcompiled\x1b[0m\n")
	require.Eventually(t, func() bool {
		out, _ := r.Snapshot(s.ID())
		return out == "compiled"
	}, waitFor, 10*time.Millisecond)
	p.emitErr("warning")
	require.Eventually(t, func() bool {
		out, _ := r.Snapshot(s.ID())
		return out == "compiled\nError: warning"
	}, waitFor, 10*time.Millisecond)

	out, err := r.Snapshot(s.ID())
	require.NoError(t, err)
	assert.Equal(t, "compiled\nError: warning", out)

	out, err = r.Drain(s.ID())
	require.NoError(t, err)
	assert.Equal(t, "compiled\nError: warning", out)

	out, err = r.Drain(s.ID())
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestCommunicationError(t *testing.T) {
	l := &fakeLauncher{writeErr: errBrokenPipe}
	r := newTestRegistry(t, l)

	s, err := r.Create(context.Background(), "app", nil)
	require.NoError(t, err)

	_, err = r.Deliver(s.ID(), "hello")
	require.ErrorIs(t, err, ErrProcessCommunication)
	assert.Equal(t, ReasonCommunicationError, waitDone(t, s).Reason)
	assert.Equal(t, 0, r.Len())
}

func TestShutdown(t *testing.T) {
	l := &fakeLauncher{}
	r := NewRegistry(l)

	var sessions []*Session
	for i := 0; i < 3; i++ {
		s, err := r.Create(context.Background(), "app", nil)
		require.NoError(t, err)
		sessions = append(sessions, s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	for _, s := range sessions {
		assert.Equal(t, ReasonShutdown, waitDone(t, s).Reason)
	}
	assert.Equal(t, 0, r.Len())

	_, err := r.Create(context.Background(), "app", nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestKillAfterTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := &fakeLauncher{ignoreTerm: true}
	r := newTestRegistry(t, l, WithClock(clock), WithKillTimeout(time.Second))

	s, err := r.Create(context.Background(), "app", nil)
	require.NoError(t, err)
	p := l.proc(0)

	_, err = r.Stop(s.ID())
	require.NoError(t, err)

	// watchdog timer is cancelled, only the kill timer waits on the clock
	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.kills == 1
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, 1, p.signalCount())
}

func TestListAndInfo(t *testing.T) {
	l := &fakeLauncher{}
	r := newTestRegistry(t, l)

	a, err := r.Create(context.Background(), "app", nil)
	require.NoError(t, err)
	b, err := r.Create(context.Background(), "echo", nil)
	require.NoError(t, err)

	infos := r.List()
	require.Len(t, infos, 2)
	ids := []string{infos[0].ID, infos[1].ID}
	assert.ElementsMatch(t, []string{a.ID(), b.ID()}, ids)

	info, err := r.Info(b.ID())
	require.NoError(t, err)
	assert.Equal(t, "echo", info.App)
	assert.Equal(t, "running", info.State)
	assert.Equal(t, 1001, info.PID)

	_, err = r.Info("nope")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStartRateLimit(t *testing.T) {
	l := &fakeLauncher{}
	r := newTestRegistry(t, l, WithStartRate(0.001, 2))

	for i := 0; i < 2; i++ {
		_, err := r.Create(context.Background(), "app", nil)
		require.NoError(t, err)
	}
	_, err := r.Create(context.Background(), "app", nil)
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 2, l.spawned())

	unlimited := newTestRegistry(t, &fakeLauncher{}, WithStartRate(0, 0))
	for i := 0; i < 5; i++ {
		_, err := unlimited.Create(context.Background(), "app", nil)
		require.NoError(t, err)
	}
}

func TestStalledSinkDoesNotBlockTeardown(t *testing.T) {
	l := &fakeLauncher{}
	r := NewRegistry(l)
	sink := newStalledSink()
	defer close(sink.release)

	stopped, err := r.Create(context.Background(), "app", sink)
	require.NoError(t, err)
	l.proc(0).emit("hello\n")
	select {
	case <-sink.blocked:
	case <-time.After(waitFor):
		t.Fatal("sink never received output")
	}

	// output keeps flowing into the transcript while the sink is stuck
	l.proc(0).emit("more\n")
	require.Eventually(t, func() bool {
		out, _ := r.Snapshot(stopped.ID())
		return out == "hello\nmore"
	}, waitFor, 10*time.Millisecond)

	stopc := make(chan error, 1)
	go func() {
		_, err := r.Stop(stopped.ID())
		stopc <- err
	}()
	select {
	case err := <-stopc:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("stop blocked on the sink")
	}
	select {
	case <-stopped.Terminated():
	default:
		t.Fatal("termination not recorded after stop returned")
	}

	// a second stalled session must not hold up shutdown of the others
	sink2 := newStalledSink()
	defer close(sink2.release)
	stalled, err := r.Create(context.Background(), "app", sink2)
	require.NoError(t, err)
	other, err := r.Create(context.Background(), "app", nil)
	require.NoError(t, err)
	l.proc(1).emit("hello\n")
	<-sink2.blocked

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	assert.Equal(t, ReasonShutdown, waitDone(t, other).Reason)
	assert.Equal(t, ReasonShutdown, stalled.Termination().Reason)
	assert.Equal(t, 0, r.Len())
}

func TestCreateDuringShutdown(t *testing.T) {
	l := &fakeLauncher{spawning: make(chan struct{}), release: make(chan struct{})}
	r := NewRegistry(l)

	errc := make(chan error, 1)
	go func() {
		_, err := r.Create(context.Background(), "app", nil)
		errc <- err
	}()
	<-l.spawning

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	close(l.release)

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(waitFor):
		t.Fatal("create did not return")
	}
	assert.Equal(t, 0, r.Len())
	p := l.proc(0)
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, 1, p.kills)
}

func TestInputIsRecordedAfterQueuedOutput(t *testing.T) {
	l := &fakeLauncher{}
	r := newTestRegistry(t, l)

	s, err := r.Create(context.Background(), "app", nil)
	require.NoError(t, err)

	// hold the dispatcher on the first chunk so the prompt is read but not yet recorded
	s.transcript.mu.Lock()
	l.proc(0).emit("$ ")
	l.proc(0).emit("name? ")
	require.Eventually(t, func() bool { return len(s.chunks) == 1 }, waitFor, time.Millisecond)
	_, err = r.Deliver(s.ID(), "ada")
	require.NoError(t, err)
	s.transcript.mu.Unlock()

	require.Eventually(t, func() bool {
		out, _ := r.Snapshot(s.ID())
		return out == "$ name? ada"
	}, waitFor, 10*time.Millisecond)
}

func TestActiveSessionsGauge(t *testing.T) {
	l := &fakeLauncher{}
	r := newTestRegistry(t, l, WithMaxSessions(20))

	var mu sync.Mutex
	var ids []string
	var group errgroup.Group
	for i := 0; i < 20; i++ {
		group.Go(func() error {
			s, err := r.Create(context.Background(), "app", nil)
			if err != nil {
				return err
			}
			mu.Lock()
			ids = append(ids, s.ID())
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, group.Wait())
	assert.Equal(t, 20.0, testutil.ToFloat64(metrics.SessionsActive))

	for _, id := range ids[:15] {
		id := id
		group.Go(func() error {
			_, err := r.Stop(id)
			return err
		})
	}
	require.NoError(t, group.Wait())
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.SessionsActive))
	assert.Equal(t, 5, r.Len())
}
