package supervisor

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/abdul-ghaffar01/cpp-server/launcher"
	"go.uber.org/zap"
)

type State int

const (
	StateStarting State = iota
	StateRunning
	StateTerminating
	StateTerminated
)

var stateNames = map[State]string{
	StateStarting:    "starting",
	StateRunning:     "running",
	StateTerminating: "terminating",
	StateTerminated:  "terminated",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Reason says why a session terminated.
type Reason string

const (
	ReasonExplicitStop       Reason = "explicit-stop"
	ReasonInactivity         Reason = "inactivity-timeout"
	ReasonProcessExit        Reason = "process-exit"
	ReasonSpawnError         Reason = "spawn-error"
	ReasonCommunicationError Reason = "communication-error"
	ReasonShutdown           Reason = "shutdown"
)

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// stderrPrefix marks stderr chunks in the transcript.
const stderrPrefix = "Error: "

// Termination is the final record of a session. Exit information is only present when the
// process had already exited at teardown.
type Termination struct {
	Reason     Reason `json:"reason"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	Signal     string `json:"signal,omitempty"`
	Transcript string `json:"transcript"`
}

// chunk is one entry of a session's ordered stream: output read from the process, or a line
// of input about to be written to it.
type chunk struct {
	stream Stream
	data   string
	input  bool
}

func (c chunk) text() string {
	if !c.input && c.stream == Stderr {
		return stderrPrefix + c.data
	}
	return c.data
}

// Session pairs one client with one live child process.
type Session struct {
	log        *zap.SugaredLogger
	id         string
	app        string
	proc       launcher.Process
	transcript *Transcript
	watchdog   *Watchdog
	sink       Sink

	chunks       chan chunk
	chunkMut     sync.RWMutex
	chunksClosed bool
	readers      sync.WaitGroup
	dispatched   chan struct{}

	stdinMut sync.Mutex

	mu          sync.Mutex
	state       State
	startedAt   time.Time
	lastInputAt time.Time
	termination *Termination
	terminated  chan struct{}
	done        chan struct{}

	// events waiting to be handed to the sink, in publish order
	outboxMut      sync.Mutex
	outbox         []Event
	outboxWake     chan struct{}
	terminalQueued bool
}

func (s *Session) ID() string  { return s.id }
func (s *Session) App() string { return s.app }

// Terminated is closed as soon as the session's termination is recorded, without waiting
// for the sink.
func (s *Session) Terminated() <-chan struct{} { return s.terminated }

// Done is closed once the session terminated and its terminated event was handed to the sink.
func (s *Session) Done() <-chan struct{} { return s.done }

// Termination returns the termination record, or nil while the session is live.
func (s *Session) Termination() *Termination {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termination
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) running() bool {
	return s.State() == StateRunning
}

// beginTermination moves the session to Terminating. Only the first caller wins.
func (s *Session) beginTermination() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return false
	}
	s.state = StateTerminating
	return true
}

func (s *Session) startReaders() {
	s.readers.Add(2)
	go s.readStream(Stdout, s.proc.Stdout())
	go s.readStream(Stderr, s.proc.Stderr())
	go func() {
		s.readers.Wait()
		s.chunkMut.Lock()
		s.chunksClosed = true
		close(s.chunks)
		s.chunkMut.Unlock()
	}()
}

// queueInput puts an input line on the chunk stream behind any output already read, so the
// transcript shows it where the user saw it. It is dropped once the output streams ended.
func (s *Session) queueInput(line string) {
	s.chunkMut.RLock()
	defer s.chunkMut.RUnlock()
	if s.chunksClosed {
		return
	}
	s.chunks <- chunk{data: line, input: true}
}

// readStream pushes everything read from r onto the session's ordered chunk channel.
func (s *Session) readStream(stream Stream, r io.Reader) {
	defer s.readers.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.chunks <- chunk{stream: stream, data: string(buf[:n])}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debugf("%s reader got error: %s", stream, err)
			}
			return
		}
	}
}

func (s *Session) writeInput(line string) error {
	s.stdinMut.Lock()
	defer s.stdinMut.Unlock()
	_, err := io.WriteString(s.proc.Stdin(), line)
	return err
}

func (s *Session) closeStdin() {
	s.stdinMut.Lock()
	defer s.stdinMut.Unlock()
	err := s.proc.Stdin().Close()
	if err != nil {
		s.log.Debugf("closing stdin: %s", err)
	}
}

// publish queues ev for the sink and never blocks on it, so a slow client can't hold up
// the dispatcher or a teardown. Nothing is queued after the terminated event.
func (s *Session) publish(ev Event) {
	s.outboxMut.Lock()
	if s.terminalQueued {
		s.outboxMut.Unlock()
		return
	}
	if ev.Type == EventTerminated {
		s.terminalQueued = true
	}
	s.outbox = append(s.outbox, ev)
	s.outboxMut.Unlock()

	select {
	case s.outboxWake <- struct{}{}:
	default:
	}
}

// deliverEvents hands queued events to the sink one at a time, in order. It closes done
// after the terminated event and returns.
func (s *Session) deliverEvents() {
	for range s.outboxWake {
		s.outboxMut.Lock()
		batch := s.outbox
		s.outbox = nil
		s.outboxMut.Unlock()

		for _, ev := range batch {
			s.handOff(ev)
			if ev.Type == EventTerminated {
				close(s.done)
				return
			}
		}
	}
}

func (s *Session) handOff(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("sink panicked", "Event", ev.Type, "Panic", r)
		}
	}()
	s.sink.Publish(ev)
}

func (s *Session) exitStatus() (launcher.ExitStatus, bool) {
	select {
	case <-s.proc.Done():
		return s.proc.ExitStatus(), true
	default:
		return launcher.ExitStatus{}, false
	}
}
