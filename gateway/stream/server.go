package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/abdul-ghaffar01/cpp-server/metrics"
	"github.com/abdul-ghaffar01/cpp-server/supervisor"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Sessions is the session API the stream server drives.
type Sessions interface {
	StartSession(ctx context.Context, app string, sink supervisor.Sink) (*supervisor.Session, error)
	Input(ctx context.Context, id, text string) (supervisor.InputResult, error)
	StopSession(id string) (*supervisor.Termination, error)
}

type Server struct {
	Log      *zap.SugaredLogger
	Sessions Sessions
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)
	s.Log.Debug("accepted WebSocket conn")
	metrics.StreamConnections.Inc()
	defer metrics.StreamConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	runner := &connRunner{
		log:      s.Log.Named("conn"),
		conn:     wsConn,
		ctx:      ctx,
		cancel:   cancel,
		sessions: s.Sessions,
	}
	runner.run()
}

// connRunner serves one WebSocket connection. Client messages are handled one at a time,
// in order. Session events are written by the session's dispatcher through the sink.
type connRunner struct {
	log      *zap.SugaredLogger
	conn     *websocket.Conn
	ctx      context.Context
	cancel   func()
	sessions Sessions

	session *supervisor.Session
}

func (r *connRunner) run() {
	defer r.shutdown()
	for {
		var msg ClientMessage
		err := wsjson.Read(r.ctx, r.conn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			r.log.Debug("got normal closure from client, wrapping up")
			return
		}
		if err != nil {
			r.log.Debugf("message reader got error: %s", err)
			return
		}
		r.handle(msg)
	}
}

// shutdown stops a session that outlived its connection and closes the connection.
func (r *connRunner) shutdown() {
	if r.session != nil {
		_, err := r.sessions.StopSession(r.session.ID())
		if err == nil {
			r.log.Debugw("stopped session of closed connection", "SessionID", r.session.ID())
		}
	}
	r.cancel()
	r.conn.Close(websocket.StatusNormalClosure, "")
}

func (r *connRunner) handle(msg ClientMessage) {
	defer func() {
		if v := recover(); v != nil {
			r.log.Errorw("panic handling message", "Type", msg.Type, "Panic", v)
			r.writeError(fmt.Errorf("internal error handling %q", msg.Type))
		}
	}()

	switch msg.Type {
	case TypeStart:
		r.start(msg.Application)
	case TypeInput:
		r.input(msg.Input)
	case TypeStop:
		r.stop()
	default:
		r.writeError(fmt.Errorf("%w: unknown message type %q", ErrBadRequest, msg.Type))
	}
}

func (r *connRunner) start(app string) {
	if r.session != nil {
		r.writeError(fmt.Errorf("%w: connection already has session %s", ErrBadRequest, r.session.ID()))
		return
	}
	sink := &wsJSONSink{log: r.log.Named("sink"), ctx: r.ctx, conn: r.conn, abort: r.cancel}
	sess, err := r.sessions.StartSession(r.ctx, app, sink)
	if err != nil {
		r.writeError(err)
		if errors.Is(err, supervisor.ErrSpawnFailure) {
			r.write(ServerMessage{
				Type:        TypeTerminated,
				Termination: &supervisor.Termination{Reason: supervisor.ReasonSpawnError},
			})
		}
		return
	}
	r.session = sess
	r.log = r.log.With("SessionID", sess.ID())

	// the connection ends with its session
	go func() {
		select {
		case <-sess.Done():
			r.conn.Close(websocket.StatusNormalClosure, "session terminated")
		case <-r.ctx.Done():
		}
	}()
}

func (r *connRunner) input(text string) {
	if r.session == nil {
		r.writeError(fmt.Errorf("%w: no session started on this connection", supervisor.ErrSessionNotFound))
		return
	}
	res, err := r.sessions.Input(r.ctx, r.session.ID(), text)
	if err != nil {
		r.writeError(err)
		return
	}
	// a terminated result was already pushed through the sink
	if res.Status == supervisor.InputDelivered {
		r.write(ServerMessage{Type: TypeDelivered, SessionID: r.session.ID()})
	}
}

func (r *connRunner) stop() {
	if r.session == nil {
		r.writeError(fmt.Errorf("%w: no session started on this connection", supervisor.ErrSessionNotFound))
		return
	}
	_, err := r.sessions.StopSession(r.session.ID())
	if err != nil {
		r.writeError(err)
	}
}

func (r *connRunner) writeError(err error) {
	id := ""
	if r.session != nil {
		id = r.session.ID()
	}
	r.write(errorMessage(id, err))
}

func (r *connRunner) write(msg ServerMessage) {
	if err := writeMessage(r.ctx, r.conn, msg); err != nil {
		r.log.Debugf("error writing %s message: %s", msg.Type, err)
		r.cancel()
	}
}
