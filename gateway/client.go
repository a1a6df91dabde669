package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/abdul-ghaffar01/cpp-server/gateway/stream"
	"github.com/abdul-ghaffar01/cpp-server/supervisor"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Client talks to a Gateway. Reads and deletes are retried on connection errors and on
// 502/503/504 responses. Starts and inputs are only retried when the connection could not
// be made, since the server may have acted on them already. Everything else is returned to
// the caller as an error that matches the supervisor's sentinel errors.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	tlsClientConfig          *tls.Config
	customizeRetryableClient func(*retryablehttp.Client)
	transport                *http.Transport

	waitInterval time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("gateway_client").Sugar()
	}
}

func WithClientTLS(cfg *tls.Config) ClientOption {
	return func(c *Client) {
		c.tlsClientConfig = cfg
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the gateway at baseURL, e.g. "http://localhost:4000".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:       zap.NewNop().Sugar(),
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.transport = &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: c.tlsClientConfig,
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: c.transport}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.CheckRetry = checkRetry
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

type nonIdempotentKey struct{}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if ctx.Value(nonIdempotentKey{}) != nil {
		return err != nil && isDialError(err), nil
	}
	if err != nil {
		return true, nil
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

// isDialError reports whether the request failed before reaching the server.
func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func (c *Client) do(ctx context.Context, method, path string, body any, resp any) error {
	if method == http.MethodPost {
		ctx = context.WithValue(ctx, nonIdempotentKey{}, true)
	}
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Add("Content-Type", "application/json")

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer httpResp.Body.Close()

	b, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if httpResp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(b, &errResp); err != nil || errResp.Code == "" {
			return fmt.Errorf("unexpected HTTP status code %d: %s", httpResp.StatusCode, string(b))
		}
		return stream.CodeError(errResp.Code, errResp.Error)
	}
	if resp == nil {
		return nil
	}
	err = json.Unmarshal(b, resp)
	if err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func sessionPath(id string, rest ...string) string {
	return "/sessions/" + url.PathEscape(id) + strings.Join(rest, "")
}

// StartSession starts a session of app and returns its id.
func (c *Client) StartSession(ctx context.Context, app string) (string, error) {
	var resp StartSessionResponse
	err := c.do(ctx, http.MethodPost, "/sessions", StartSessionRequest{Application: app}, &resp)
	if err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

func (c *Client) SendInput(ctx context.Context, id, text string) (supervisor.InputResult, error) {
	var res supervisor.InputResult
	err := c.do(ctx, http.MethodPost, sessionPath(id, "/input"), InputRequest{Input: text}, &res)
	return res, err
}

// Output returns the session's transcript. With clear set the transcript is emptied.
func (c *Client) Output(ctx context.Context, id string, clear bool) (string, error) {
	path := sessionPath(id, "/output")
	if clear {
		path += "?clear=true"
	}
	var resp OutputResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Output, err
}

func (c *Client) StopSession(ctx context.Context, id string) (*supervisor.Termination, error) {
	var resp StopSessionResponse
	err := c.do(ctx, http.MethodDelete, sessionPath(id), nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Termination, nil
}

func (c *Client) Session(ctx context.Context, id string) (supervisor.SessionInfo, error) {
	var info supervisor.SessionInfo
	err := c.do(ctx, http.MethodGet, sessionPath(id), nil, &info)
	return info, err
}

func (c *Client) Sessions(ctx context.Context) ([]supervisor.SessionInfo, error) {
	var infos []supervisor.SessionInfo
	err := c.do(ctx, http.MethodGet, "/sessions", nil, &infos)
	return infos, err
}

func (c *Client) Applications(ctx context.Context) ([]string, error) {
	var apps []string
	err := c.do(ctx, http.MethodGet, "/applications", nil, &apps)
	return apps, err
}

func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var resp HealthResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &resp)
	return resp, err
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Health(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}

// Attach starts a session of app over the streaming transport.
func (c *Client) Attach(ctx context.Context, app string) (*stream.Conn, error) {
	u := c.baseURL + "/stream"
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	streamClient := &stream.Client{
		// the WebSocket handshake can't go through the retrying client
		HTTPClient: &http.Client{Transport: c.transport},
		URL:        u,
		Logger:     c.Logger.Named("stream_client"),
	}
	return streamClient.Start(ctx, app)
}
