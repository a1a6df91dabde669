package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type Client struct {
	HTTPClient *http.Client
	URL        string
	Logger     *zap.SugaredLogger
}

// Start dials the server and starts a session of app. The returned Conn delivers every server
// message, starting with session-started (or error), until the connection closes.
func (c *Client) Start(ctx context.Context, app string) (*Conn, error) {
	c.Logger.Debugw("dialing WebSocket for session", "URL", c.URL)
	wsConn, _, err := websocket.Dial(ctx, c.URL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		c.Logger.Debugf("dial error: %s", err)
		return nil, fmt.Errorf("establishing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(context.Background())
	conn := &Conn{
		log:      c.Logger.Named("stream_conn"),
		conn:     wsConn,
		ctx:      ctx,
		cancel:   cancel,
		messages: make(chan ServerMessage, 64),
	}
	err = conn.send(ClientMessage{Type: TypeStart, Application: app})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("writing start message: %w", err)
	}
	go conn.readMessages()
	return conn, nil
}

// Conn is the client side of one streaming session.
type Conn struct {
	log      *zap.SugaredLogger
	conn     *websocket.Conn
	ctx      context.Context
	cancel   func()
	messages chan ServerMessage

	closeConnOnce sync.Once
}

// Messages returns the server messages in arrival order. It is closed when the connection ends.
func (c *Conn) Messages() <-chan ServerMessage { return c.messages }

func (c *Conn) SendInput(text string) error {
	return c.send(ClientMessage{Type: TypeInput, Input: text})
}

func (c *Conn) Stop() error {
	return c.send(ClientMessage{Type: TypeStop})
}

func (c *Conn) send(msg ClientMessage) error {
	return wsjson.Write(c.ctx, c.conn, &msg)
}

func (c *Conn) Close() error {
	var err error
	c.closeConnOnce.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, "")
		c.cancel()
	})
	return err
}

func (c *Conn) readMessages() {
	defer close(c.messages)
	defer c.cancel()
	for {
		var msg ServerMessage
		err := wsjson.Read(c.ctx, c.conn, &msg)
		if websocket.CloseStatus(err) != -1 {
			c.log.Debugf("conn closed: %s", err)
			return
		}
		if err != nil {
			c.log.Debugf("message reader got error: %s", err)
			return
		}
		select {
		case c.messages <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}
