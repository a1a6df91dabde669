package supervisor

type EventType string

const (
	EventSessionStarted EventType = "session-started"
	EventOutput         EventType = "output"
	EventTerminated     EventType = "terminated"
)

// Event is published to the sink of the client that started a session.
// Events of one session are published one at a time, in order, and terminated is always last.
type Event struct {
	Type        EventType
	SessionID   string
	Stream      Stream
	Chunk       string
	Termination *Termination
}

// Sink receives the events of a session. Publish is called from a goroutine of the session's
// own, so a slow sink only delays that session's events.
type Sink interface {
	Publish(ev Event)
}

type SinkFunc func(ev Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

// Discard drops all events. Used for sessions whose client only polls.
var Discard Sink = SinkFunc(func(Event) {})

type InputStatus string

const (
	InputDelivered  InputStatus = "delivered"
	InputTerminated InputStatus = "terminated"
)

// InputResult is the outcome of delivering one line of input. Termination is only set when
// the session terminated within the grace window that followed the delivery.
type InputResult struct {
	Status      InputStatus  `json:"status"`
	Termination *Termination `json:"termination,omitempty"`
}
