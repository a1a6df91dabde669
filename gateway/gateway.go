package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/abdul-ghaffar01/cpp-server/gateway/stream"
	"github.com/abdul-ghaffar01/cpp-server/supervisor"
	"github.com/docker/go-connections/tlsconfig"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DefaultListenAddr  = "0.0.0.0:4000"
	DefaultGraceWindow = 300 * time.Millisecond

	maxBodyBytes = 1 << 20
)

// Gateway exposes the session registry to remote clients over HTTP and WebSockets.
// Every client gets its own private sessions, identified by session id.
type Gateway struct {
	logger   *zap.SugaredLogger
	registry *supervisor.Registry
	clock    clockwork.Clock

	graceWindow  time.Duration
	listenAddr   string
	tlsOptions   *tlsconfig.Options
	applications []string

	streamServer *stream.Server

	serverMut  sync.Mutex
	httpServer *http.Server
}

type Option func(g *Gateway)

func WithListenAddr(s string) Option {
	return func(g *Gateway) {
		g.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		g.logger = l.Named("gateway").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(g *Gateway) {
		g.logger = g.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithGraceWindow sets how long an input request waits to see whether the input ended the session.
func WithGraceWindow(d time.Duration) Option {
	return func(g *Gateway) {
		g.graceWindow = d
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(g *Gateway) {
		g.clock = c
	}
}

// WithTLS serves HTTPS. Setting a CA file requires clients to present a certificate signed by it.
func WithTLS(certFile, keyFile, caFile string) Option {
	return func(g *Gateway) {
		opts := &tlsconfig.Options{
			CertFile: certFile,
			KeyFile:  keyFile,
		}
		if caFile != "" {
			opts.CAFile = caFile
			opts.ClientAuth = tls.RequireAndVerifyClientCert
		}
		g.tlsOptions = opts
	}
}

// WithApplications sets the application keys advertised to clients.
func WithApplications(keys []string) Option {
	return func(g *Gateway) {
		g.applications = keys
	}
}

// New constructs a gateway in front of the registry.
func New(registry *supervisor.Registry, opts ...Option) *Gateway {
	g := &Gateway{
		logger:      zap.NewNop().Sugar(),
		registry:    registry,
		clock:       clockwork.NewRealClock(),
		graceWindow: DefaultGraceWindow,
		listenAddr:  DefaultListenAddr,
	}
	for _, o := range opts {
		o(g)
	}
	g.streamServer = &stream.Server{
		Log:      g.logger.Named("stream_server"),
		Sessions: g,
	}
	return g
}

// Handler returns the HTTP handler serving every route of the gateway.
func (g *Gateway) Handler() http.Handler {
	router := httprouter.New()
	router.POST("/sessions", g.startSession)
	router.GET("/sessions", g.listSessions)
	router.GET("/sessions/:id", g.sessionInfo)
	router.POST("/sessions/:id/input", g.input)
	router.GET("/sessions/:id/output", g.output)
	router.DELETE("/sessions/:id", g.stopSession)
	router.GET("/applications", g.listApplications)
	router.GET("/healthz", g.health)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	router.Handler(http.MethodGet, "/stream", g.streamServer)
	router.PanicHandler = g.recoverPanic
	return router
}

// Run serves the gateway and returns once it has stopped.
func (g *Gateway) Run() error {
	listener, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	return g.Serve(listener)
}

// Serve serves the gateway on l, wrapping it with TLS if configured.
func (g *Gateway) Serve(l net.Listener) error {
	if g.tlsOptions != nil {
		tlsConfig, err := tlsconfig.Server(*g.tlsOptions)
		if err != nil {
			l.Close()
			return fmt.Errorf("building server TLS config: %w", err)
		}
		l = tls.NewListener(l, tlsConfig)
	}

	server := &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.serverMut.Lock()
	g.httpServer = server
	g.serverMut.Unlock()
	g.logger.Infow("gateway listening", "Addr", l.Addr().String(), "TLS", g.tlsOptions != nil)

	err := server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops accepting requests, then terminates every session.
func (g *Gateway) Stop(ctx context.Context) error {
	g.serverMut.Lock()
	server := g.httpServer
	g.serverMut.Unlock()

	var serverErr error
	if server != nil {
		serverErr = server.Shutdown(ctx)
	}
	return errors.Join(serverErr, g.registry.Shutdown(ctx))
}

// StartSession starts a session of app whose events go to sink.
func (g *Gateway) StartSession(ctx context.Context, app string, sink supervisor.Sink) (*supervisor.Session, error) {
	sess, err := g.registry.Create(ctx, app, sink)
	if err != nil {
		g.logger.Debugw("session start refused", "App", app, "Error", err)
		return nil, err
	}
	g.logger.Infow("session started", "SessionID", sess.ID(), "App", app)
	return sess, nil
}

// Input delivers one line of input to a session, then waits for the grace window. If the
// session terminates in that window the termination is returned instead of a plain
// acknowledgement, so input that ends the program reports the final transcript.
func (g *Gateway) Input(ctx context.Context, id, text string) (supervisor.InputResult, error) {
	sess, err := g.registry.Deliver(id, text)
	if err != nil {
		return supervisor.InputResult{}, err
	}

	timer := g.clock.NewTimer(g.graceWindow)
	defer timer.Stop()
	select {
	case <-sess.Terminated():
		return supervisor.InputResult{Status: supervisor.InputTerminated, Termination: sess.Termination()}, nil
	case <-timer.Chan():
		return supervisor.InputResult{Status: supervisor.InputDelivered}, nil
	case <-ctx.Done():
		return supervisor.InputResult{}, ctx.Err()
	}
}

// StopSession terminates a session on the client's request.
func (g *Gateway) StopSession(id string) (*supervisor.Termination, error) {
	term, err := g.registry.Stop(id)
	if err != nil {
		return nil, err
	}
	g.logger.Infow("session stopped", "SessionID", id)
	return term, nil
}

type StartSessionRequest struct {
	Application string `json:"application"`
}

type StartSessionResponse struct {
	SessionID string `json:"sessionId"`
}

type InputRequest struct {
	Input string `json:"input"`
}

type OutputResponse struct {
	SessionID string `json:"sessionId"`
	Output    string `json:"output"`
}

type StopSessionResponse struct {
	Message     string                  `json:"message"`
	Termination *supervisor.Termination `json:"termination"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	Sessions    int    `json:"sessions"`
	MaxSessions int    `json:"maxSessions"`
}

type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (g *Gateway) startSession(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req StartSessionRequest
	if !g.decode(w, r, &req) {
		return
	}
	sess, err := g.StartSession(r.Context(), req.Application, nil)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, StartSessionResponse{SessionID: sess.ID()})
}

func (g *Gateway) listSessions(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	g.writeJSON(w, http.StatusOK, g.registry.List())
}

func (g *Gateway) sessionInfo(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	info, err := g.registry.Info(params.ByName("id"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, info)
}

func (g *Gateway) input(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req InputRequest
	if !g.decode(w, r, &req) {
		return
	}
	res, err := g.Input(r.Context(), params.ByName("id"), req.Input)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

// output returns the transcript of a session. Polling clients pass clear=true to only
// see output produced since their last poll.
func (g *Gateway) output(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	read := g.registry.Snapshot
	if r.URL.Query().Get("clear") == "true" {
		read = g.registry.Drain
	}
	out, err := read(id)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, OutputResponse{SessionID: id, Output: out})
}

func (g *Gateway) stopSession(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	term, err := g.StopSession(id)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, StopSessionResponse{
		Message:     fmt.Sprintf("session %s stopped", id),
		Termination: term,
	})
}

func (g *Gateway) listApplications(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	apps := g.applications
	if apps == nil {
		apps = []string{}
	}
	g.writeJSON(w, http.StatusOK, apps)
}

func (g *Gateway) health(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	g.writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Sessions:    g.registry.Len(),
		MaxSessions: g.registry.MaxSessions(),
	})
}

func (g *Gateway) recoverPanic(w http.ResponseWriter, r *http.Request, v interface{}) {
	g.logger.Errorw("panic serving request", "Method", r.Method, "Path", r.URL.Path, "Panic", v)
	g.writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Code:  stream.CodeInternal,
		Error: "internal server error",
	})
}

func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	err := dec.Decode(v)
	if err != nil {
		g.writeError(w, fmt.Errorf("%w: decoding request body: %s", stream.ErrBadRequest, err))
		return false
	}
	return true
}

var codeStatuses = map[string]int{
	stream.CodeCapacityExceeded:     http.StatusTooManyRequests,
	stream.CodeRateLimited:          http.StatusTooManyRequests,
	stream.CodeInvalidApplication:   http.StatusBadRequest,
	stream.CodeBadRequest:           http.StatusBadRequest,
	stream.CodeSessionNotFound:      http.StatusNotFound,
	stream.CodeSpawnFailure:         http.StatusInternalServerError,
	stream.CodeProcessCommunication: http.StatusInternalServerError,
	stream.CodeUnavailable:          http.StatusServiceUnavailable,
}

func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	code := stream.ErrorCode(err)
	status, ok := codeStatuses[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		g.logger.Warnw("request failed", "Code", code, "Error", err)
	}
	g.writeJSON(w, status, ErrorResponse{Code: code, Error: err.Error()})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		g.logger.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(b)
	if err != nil {
		g.logger.Debugf("error writing response: %s", err)
	}
}
