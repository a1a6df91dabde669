package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abdul-ghaffar01/cpp-server/config"
	"github.com/abdul-ghaffar01/cpp-server/gateway"
	"github.com/abdul-ghaffar01/cpp-server/gateway/stream"
	"github.com/abdul-ghaffar01/cpp-server/launcher"
	"github.com/abdul-ghaffar01/cpp-server/launcher/docker"
	"github.com/abdul-ghaffar01/cpp-server/launcher/local"
	"github.com/abdul-ghaffar01/cpp-server/supervisor"
	"github.com/docker/go-connections/tlsconfig"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "cpp-server",
		Usage: "runs interactive programs on behalf of remote clients",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Minimum log level. One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"CPP_SERVER_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:    "dev-logging",
				Usage:   "Use human-readable development logging.",
				EnvVars: []string{"CPP_SERVER_DEV_LOGGING"},
			},
		},
		Commands: []*cli.Command{
			serveCommand,
			attachCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(ctx *cli.Context) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	if ctx.Bool("dev-logging") {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "serve the session gateway",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "Path to the config file. A bare file name is searched for in the working dir and its parents.",
			Value:   "cpp-server.yaml",
			EnvVars: []string{"CPP_SERVER_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "Overrides the address for the HTTP server to listen on.",
			EnvVars: []string{"CPP_SERVER_LISTEN_ADDR"},
		},
		&cli.StringFlag{Name: "tls-cert", Usage: "Overrides the server certificate file.", EnvVars: []string{"CPP_SERVER_TLS_CERT"}},
		&cli.StringFlag{Name: "tls-key", Usage: "Overrides the server key file.", EnvVars: []string{"CPP_SERVER_TLS_KEY"}},
		&cli.StringFlag{Name: "tls-ca", Usage: "Overrides the CA used to verify client certificates.", EnvVars: []string{"CPP_SERVER_TLS_CA"}},
		&cli.IntFlag{Name: "max-sessions", Usage: "Overrides the session capacity.", EnvVars: []string{"CPP_SERVER_MAX_SESSIONS"}},
		&cli.DurationFlag{Name: "inactivity-timeout", Usage: "Overrides the inactivity timeout.", EnvVars: []string{"CPP_SERVER_INACTIVITY_TIMEOUT"}},
		&cli.IntFlag{Name: "max-buffer-chunks", Usage: "Overrides how many output chunks a transcript keeps.", EnvVars: []string{"CPP_SERVER_MAX_BUFFER_CHUNKS"}},
		&cli.DurationFlag{Name: "grace-window", Usage: "Overrides the input grace window.", EnvVars: []string{"CPP_SERVER_GRACE_WINDOW"}},
		&cli.DurationFlag{Name: "kill-timeout", Usage: "Overrides how long to wait after SIGTERM before killing.", EnvVars: []string{"CPP_SERVER_KILL_TIMEOUT"}},
		&cli.Float64Flag{Name: "start-rate", Usage: "Overrides the allowed session starts per second. 0 disables throttling.", EnvVars: []string{"CPP_SERVER_START_RATE"}},
		&cli.IntFlag{Name: "start-burst", Usage: "Overrides the session start burst.", EnvVars: []string{"CPP_SERVER_START_BURST"}},
		&cli.StringFlag{Name: "workdir", Usage: "Overrides the dir relative application paths are resolved against.", EnvVars: []string{"CPP_SERVER_WORKDIR"}},
		&cli.StringFlag{Name: "docker-default-image", Usage: "Overrides the default container image.", EnvVars: []string{"CPP_SERVER_DOCKER_DEFAULT_IMAGE"}},
		&cli.DurationFlag{
			Name:  "shutdown-timeout",
			Usage: "How long to wait for sessions to terminate on shutdown.",
			Value: 15 * time.Second,
		},
	},
	Action: func(ctx *cli.Context) error {
		logger, err := newLogger(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		sugar := logger.Sugar()

		cfg, err := config.Load(ctx.String("config"))
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		applyOverrides(ctx, cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("validating config: %w", err)
		}

		spawnerOpts := []launcher.SpawnerOption{
			launcher.WithSpawnerLogger(sugar),
			launcher.WithBackend(launcher.RuntimeLocal, local.NewBackend(local.WithLogger(sugar))),
		}
		if usesDocker(cfg.Applications) {
			b, err := docker.NewBackend()
			if err != nil {
				return fmt.Errorf("building docker backend: %w", err)
			}
			b = b.WithLogger(sugar)
			if cfg.Docker.DefaultImage != "" {
				b = b.WithDefaultImage(cfg.Docker.DefaultImage)
			}
			spawnerOpts = append(spawnerOpts, launcher.WithBackend(launcher.RuntimeDocker, b))
		}
		spawner := launcher.NewSpawner(cfg.Applications, cfg.WorkDir, spawnerOpts...)

		sup := cfg.Supervisor
		registry := supervisor.NewRegistry(
			spawner,
			supervisor.WithLogger(sugar),
			supervisor.WithMaxSessions(sup.MaxSessions),
			supervisor.WithInactivityTimeout(sup.InactivityTimeout),
			supervisor.WithMaxBufferChunks(sup.MaxBufferChunks),
			supervisor.WithKillTimeout(sup.KillTimeout),
			supervisor.WithStartRate(sup.StartRate, sup.StartBurst),
		)

		gwOpts := []gateway.Option{
			gateway.WithLogger(logger),
			gateway.WithListenAddr(cfg.Server.ListenAddr),
			gateway.WithGraceWindow(sup.GraceWindow),
			gateway.WithApplications(cfg.Applications.Keys()),
		}
		if cfg.Server.TLSCert != "" {
			gwOpts = append(gwOpts, gateway.WithTLS(cfg.Server.TLSCert, cfg.Server.TLSKey, cfg.Server.TLSCA))
		}
		gw := gateway.New(registry, gwOpts...)

		sigCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		group, groupCtx := errgroup.WithContext(sigCtx)
		group.Go(gw.Run)
		group.Go(func() error {
			<-groupCtx.Done()
			sugar.Infow("shutting down", "Sessions", registry.Len())
			shutdownCtx, cancel := context.WithTimeout(context.Background(), ctx.Duration("shutdown-timeout"))
			defer cancel()
			return gw.Stop(shutdownCtx)
		})
		return group.Wait()
	},
}

// applyOverrides copies every explicitly set flag over the value from the config file.
func applyOverrides(ctx *cli.Context, cfg *config.Config) {
	strs := map[string]*string{
		"listen-addr":          &cfg.Server.ListenAddr,
		"tls-cert":             &cfg.Server.TLSCert,
		"tls-key":              &cfg.Server.TLSKey,
		"tls-ca":               &cfg.Server.TLSCA,
		"workdir":              &cfg.WorkDir,
		"docker-default-image": &cfg.Docker.DefaultImage,
	}
	for name, p := range strs {
		if ctx.IsSet(name) {
			*p = ctx.String(name)
		}
	}
	ints := map[string]*int{
		"max-sessions":      &cfg.Supervisor.MaxSessions,
		"max-buffer-chunks": &cfg.Supervisor.MaxBufferChunks,
		"start-burst":       &cfg.Supervisor.StartBurst,
	}
	for name, p := range ints {
		if ctx.IsSet(name) {
			*p = ctx.Int(name)
		}
	}
	durations := map[string]*time.Duration{
		"inactivity-timeout": &cfg.Supervisor.InactivityTimeout,
		"grace-window":       &cfg.Supervisor.GraceWindow,
		"kill-timeout":       &cfg.Supervisor.KillTimeout,
	}
	for name, p := range durations {
		if ctx.IsSet(name) {
			*p = ctx.Duration(name)
		}
	}
	if ctx.IsSet("start-rate") {
		cfg.Supervisor.StartRate = ctx.Float64("start-rate")
	}
}

func usesDocker(t launcher.Table) bool {
	for _, app := range t {
		if app.Runtime == launcher.RuntimeDocker {
			return true
		}
	}
	return false
}

var attachCommand = &cli.Command{
	Name:      "attach",
	Usage:     "start a session and attach the terminal to it",
	ArgsUsage: "APPLICATION",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "addr",
			Usage:   "Base URL of the gateway.",
			Value:   "http://localhost:4000",
			EnvVars: []string{"CPP_SERVER_ADDR"},
		},
		&cli.StringFlag{Name: "ca-cert", Usage: "CA certificate used to verify the gateway."},
		&cli.StringFlag{Name: "cert", Usage: "Client certificate, for gateways that require one."},
		&cli.StringFlag{Name: "key", Usage: "Client certificate key."},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.Exit("exactly one application is required", 2)
		}
		logger, err := newLogger(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		clientOpts := []gateway.ClientOption{gateway.WithClientLogger(logger)}
		if ctx.String("ca-cert") != "" || ctx.String("cert") != "" {
			tlsConfig, err := tlsconfig.Client(tlsconfig.Options{
				CAFile:   ctx.String("ca-cert"),
				CertFile: ctx.String("cert"),
				KeyFile:  ctx.String("key"),
			})
			if err != nil {
				return fmt.Errorf("building client TLS config: %w", err)
			}
			clientOpts = append(clientOpts, gateway.WithClientTLS(tlsConfig))
		}
		client := gateway.NewClient(ctx.String("addr"), clientOpts...)

		sigCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		conn, err := client.Attach(sigCtx, ctx.Args().First())
		if err != nil {
			return err
		}
		defer conn.Close()

		go forwardInput(conn, os.Stdin)
		return printMessages(sigCtx, conn, os.Stdout, os.Stderr)
	},
}

func forwardInput(conn *stream.Conn, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if err := conn.SendInput(scanner.Text()); err != nil {
			return
		}
	}
	_ = conn.Stop()
}

func printMessages(ctx context.Context, conn *stream.Conn, stdout, stderr io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			_ = conn.Stop()
			return nil
		case msg, ok := <-conn.Messages():
			if !ok {
				return errors.New("connection closed before the session terminated")
			}
			switch msg.Type {
			case stream.TypeOutput:
				fmt.Fprint(stdout, msg.Chunk)
			case stream.TypeError:
				fmt.Fprintf(stderr, "error (%s): %s\n", msg.Code, msg.Error)
			case stream.TypeTerminated:
				if msg.Termination != nil {
					fmt.Fprintf(stderr, "session terminated: %s\n", msg.Reason)
				}
				return nil
			}
		}
	}
}
