package launcher

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Spawner resolves application keys against a fixed Table and starts them on the Backend
// selected by the application's runtime.
type Spawner struct {
	log      *zap.SugaredLogger
	table    Table
	workDir  string
	backends map[string]Backend
}

type SpawnerOption func(s *Spawner)

func WithBackend(runtime string, b Backend) SpawnerOption {
	return func(s *Spawner) {
		s.backends[runtime] = b
	}
}

func WithSpawnerLogger(l *zap.SugaredLogger) SpawnerOption {
	return func(s *Spawner) {
		s.log = l.Named("spawner")
	}
}

// NewSpawner builds a Spawner. Relative executable paths and working directories in the table
// are resolved against workDir.
func NewSpawner(table Table, workDir string, opts ...SpawnerOption) *Spawner {
	s := &Spawner{
		log:      zap.NewNop().Sugar(),
		table:    table,
		workDir:  workDir,
		backends: map[string]Backend{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Spawner) Table() Table { return s.table }

// Spawn starts a fresh instance of the application named by key.
// Unknown keys fail with ErrInvalidApplication before anything is executed.
func (s *Spawner) Spawn(ctx context.Context, key string) (Process, error) {
	app, err := s.table.Lookup(key)
	if err != nil {
		return nil, err
	}

	runtime := app.Runtime
	if runtime == "" {
		runtime = RuntimeLocal
	}
	backend, ok := s.backends[runtime]
	if !ok {
		return nil, fmt.Errorf("%w: no %s backend configured for %q", ErrSpawnFailure, runtime, key)
	}

	req := s.startRequest(runtime, app)
	s.log.Debugw("spawning", "App", key, "Runtime", runtime, "Command", req.Command, "WD", req.WD)

	proc, err := backend.Start(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: starting %q: %w", ErrSpawnFailure, key, err)
	}
	return proc, nil
}

func (s *Spawner) startRequest(runtime string, app Application) StartRequest {
	req := StartRequest{
		Command: app.Path,
		Args:    app.Args,
		Env:     app.Env,
		WD:      app.Dir,
		Image:   app.Image,
	}
	// container paths are interpreted inside the image
	if runtime != RuntimeLocal {
		return req
	}
	req.Command = s.resolve(app.Path, false)
	req.WD = s.resolve(app.Dir, true)
	return req
}

// resolve makes p absolute relative to the work dir.
// Bare command names (no separator) are left alone so they are looked up in PATH.
func (s *Spawner) resolve(p string, isDir bool) string {
	if p == "" {
		if isDir {
			return s.workDir
		}
		return p
	}
	if filepath.IsAbs(p) {
		return p
	}
	if !isDir && !strings.ContainsRune(p, filepath.Separator) {
		return p
	}
	return filepath.Join(s.workDir, p)
}
