package stream

import (
	"context"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/abdul-ghaffar01/cpp-server/supervisor"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	readLimit = 32768

	// writeTimeout bounds every message write. A client that stops reading for this long
	// loses its connection, and with it its session.
	writeTimeout = 10 * time.Second
)

// wsJSONSink publishes session events as JSON WebSocket messages.
// After the first failed write it drops everything and aborts the connection.
type wsJSONSink struct {
	log    *zap.SugaredLogger
	ctx    context.Context
	conn   *websocket.Conn
	abort  func()
	failed atomic.Bool
}

func (s *wsJSONSink) Publish(ev supervisor.Event) {
	if ev.Type != supervisor.EventOutput {
		s.write(eventMessage(ev))
		return
	}
	// break the chunk up based on max message size
	// the write limit is probably over-conservative, we are estimating the final encoded json size
	writeLimit := readLimit / 3
	left := ev.Chunk
	for len(left) > 0 {
		n := len(left)
		if n > writeLimit {
			n = splitPoint(left, writeLimit)
		}
		msg := eventMessage(ev)
		msg.Chunk = left[:n]
		if !s.write(msg) {
			return
		}
		left = left[n:]
	}
}

func (s *wsJSONSink) write(msg ServerMessage) bool {
	if s.failed.Load() {
		return false
	}
	if err := writeMessage(s.ctx, s.conn, msg); err != nil {
		s.log.Debugf("error writing %s message: %s", msg.Type, err)
		s.failed.Store(true)
		s.abort()
		return false
	}
	return true
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg ServerMessage) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, &msg)
}

// splitPoint returns the largest index <= max that doesn't split a UTF-8 sequence.
func splitPoint(s string, max int) int {
	for i := max; i > max-utf8.UTFMax && i > 0; i-- {
		if utf8.RuneStart(s[i]) {
			return i
		}
	}
	return max
}
