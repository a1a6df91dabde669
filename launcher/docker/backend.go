package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/abdul-ghaffar01/cpp-server/launcher"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

const chars = "abcefghijklmnopqrstuvwxyz0123456789"

func randString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = chars[rand.Intn(len(chars))]
	}
	return string(b)
}

// Backend runs each process in its own Docker container.
// The underlying host must have a Docker daemon running.
// This supports standard environment variables for configuring the Docker client (DOCKER_HOST etc.).
type Backend struct {
	Log              *zap.SugaredLogger
	DockerClient     *client.Client
	DefaultImage     string
	ContainerPrefix  string
	RemoveContainers bool

	pullMut sync.Mutex
	pulled  map[string]bool
}

func (b *Backend) WithLogger(l *zap.SugaredLogger) *Backend {
	b.Log = l.Named("docker_backend")
	return b
}

func (b *Backend) WithDefaultImage(img string) *Backend {
	b.DefaultImage = img
	return b
}

// NewBackend creates a Docker backend from the environment.
func NewBackend() (*Backend, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	return &Backend{
		Log:              zap.NewNop().Sugar(),
		DockerClient:     dockerClient,
		ContainerPrefix:  "cpp-server-" + randString(6),
		RemoveContainers: true,
		pulled:           map[string]bool{},
	}, nil
}

func (b *Backend) ensureImagePulled(ctx context.Context, image string) error {
	b.pullMut.Lock()
	defer b.pullMut.Unlock()
	if b.pulled[image] {
		return nil
	}
	out, err := b.DockerClient.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		if out != nil {
			out.Close()
		}
		return err
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	if err != nil {
		return fmt.Errorf("reading Docker pull response: %w", err)
	}
	b.pulled[image] = true
	return nil
}

func (b *Backend) Start(ctx context.Context, req launcher.StartRequest) (launcher.Process, error) {
	image := req.Image
	if image == "" {
		image = b.DefaultImage
	}
	if image == "" {
		return nil, errors.New("no image configured")
	}

	err := b.ensureImagePulled(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("pulling image %q: %w", image, err)
	}

	var cmd []string
	if req.Command != "" {
		cmd = append([]string{req.Command}, req.Args...)
	}
	name := fmt.Sprintf("%s-%s", b.ContainerPrefix, randString(8))

	createResp, err := b.DockerClient.ContainerCreate(
		ctx,
		&container.Config{
			Image:        image,
			Cmd:          cmd,
			Env:          req.Env,
			WorkingDir:   req.WD,
			OpenStdin:    true,
			StdinOnce:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
		},
		&container.HostConfig{},
		nil,
		nil,
		name,
	)
	if err != nil {
		return nil, fmt.Errorf("creating Docker container: %w", err)
	}
	containerID := createResp.ID

	// the attached stream outlives the request, so it must not be bound to ctx
	hijack, err := b.DockerClient.ContainerAttach(context.Background(), containerID, types.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		b.remove(containerID)
		return nil, fmt.Errorf("attaching to container %q: %w", containerID, err)
	}

	start := time.Now()
	err = b.DockerClient.ContainerStart(ctx, containerID, types.ContainerStartOptions{})
	if err != nil {
		hijack.Close()
		b.remove(containerID)
		return nil, fmt.Errorf("starting container %q: %w", containerID, err)
	}

	pid := 0
	inspect, err := b.DockerClient.ContainerInspect(ctx, containerID)
	if err != nil {
		b.Log.Debugf("inspecting container %q: %s", containerID, err)
	} else if inspect.State != nil {
		pid = inspect.State.Pid
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	p := &proc{
		log:         b.Log.With("Container", name),
		backend:     b,
		containerID: containerID,
		pid:         pid,
		hijack:      hijack,
		stdout:      stdoutR,
		stderr:      stderrR,
		start:       start,
		done:        make(chan struct{}),
	}
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		_, err := stdcopy.StdCopy(stdoutW, stderrW, hijack.Reader)
		if err != nil {
			p.log.Debugf("demuxing container output: %s", err)
		}
		stdoutW.Close()
		stderrW.Close()
	}()
	go p.wait(copied)

	b.Log.Debugw("container started", "Container", name, "ID", containerID, "Image", image)
	return p, nil
}

func (b *Backend) remove(containerID string) {
	if !b.RemoveContainers {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := b.DockerClient.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil {
		b.Log.Debugf("removing container %q: %s", containerID, err)
	}
}

type proc struct {
	log         *zap.SugaredLogger
	backend     *Backend
	containerID string
	pid         int

	hijack types.HijackedResponse
	stdout io.Reader
	stderr io.Reader

	start time.Time

	signalMut sync.Mutex
	signaled  syscall.Signal

	done   chan struct{}
	status launcher.ExitStatus
}

func (p *proc) wait(copied <-chan struct{}) {
	code := -1
	statusCh, errCh := p.backend.DockerClient.ContainerWait(context.Background(), p.containerID, container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		code = int(st.StatusCode)
	case err := <-errCh:
		p.log.Debugf("waiting for container: %s", err)
	}
	<-copied
	p.hijack.Close()

	status := launcher.ExitStatus{Code: code, Duration: time.Since(p.start)}
	p.signalMut.Lock()
	// Docker reports death by signal N as exit code 128+N
	if p.signaled != 0 && code == 128+int(p.signaled) {
		status.Code = -1
		status.Signal = p.signaled.String()
	}
	p.signalMut.Unlock()
	p.status = status

	p.backend.remove(p.containerID)
	p.log.Debugw("container exited", "ExitCode", status.Code, "Signal", status.Signal)
	close(p.done)
}

func (p *proc) PID() int { return p.pid }
func (p *proc) Stdin() io.WriteCloser { return &stdinWriter{hijack: p.hijack} }
func (p *proc) Stdout() io.Reader { return p.stdout }
func (p *proc) Stderr() io.Reader { return p.stderr }
func (p *proc) Done() <-chan struct{} { return p.done }
func (p *proc) ExitStatus() launcher.ExitStatus { return p.status }

func (p *proc) Signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	p.signalMut.Lock()
	p.signaled = sig
	p.signalMut.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.backend.DockerClient.ContainerKill(ctx, p.containerID, strconv.Itoa(int(sig)))
}

func (p *proc) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

// stdinWriter writes to the attached stream and half-closes it on Close, which closes
// the container's stdin.
type stdinWriter struct {
	hijack types.HijackedResponse
}

func (w *stdinWriter) Write(b []byte) (int, error) {
	return w.hijack.Conn.Write(b)
}

func (w *stdinWriter) Close() error {
	return w.hijack.CloseWrite()
}
