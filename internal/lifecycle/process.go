package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattjoyce/toolbridge/internal/descriptor"
	"github.com/mattjoyce/toolbridge/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr kept per worker process.
	maxStderrBytes = 64 * 1024

	// defaultGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	defaultGracePeriod = 5 * time.Second
)

// Process is a running worker.
type Process interface {
	PID() int
	// Endpoint is the unix socket the worker accepts connections on.
	Endpoint() string
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// ExitErr is the wait error once Done is closed.
	ExitErr() error
	// Stop terminates the process and waits for it to exit.
	Stop(ctx context.Context) error
}

// Spawner starts worker processes. Spawn returns once the worker has
// completed its readiness handshake or ctx ends.
type Spawner interface {
	Spawn(ctx context.Context, d descriptor.Descriptor) (Process, error)
}

// ExecSpawner runs workers as child processes.
type ExecSpawner struct {
	// RuntimeDir holds the per-process unix sockets.
	RuntimeDir  string
	GracePeriod time.Duration
	Logger      *slog.Logger
}

// Spawn starts d's command and waits for its handshake line on stdout.
func (s *ExecSpawner) Spawn(ctx context.Context, d descriptor.Descriptor) (Process, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("worker_id", d.ID))

	if err := os.MkdirAll(s.RuntimeDir, 0o700); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}
	socket := filepath.Join(s.RuntimeDir, fmt.Sprintf("%s-%s.sock", d.ID, uuid.NewString()[:8]))

	// Not CommandContext: termination is managed by Stop.
	cmd := exec.Command(d.Spawn.Command, d.Spawn.Args...)
	cmd.Dir = d.Spawn.Dir
	cmd.Env = buildEnv(d, socket)

	// The reader end is ours, so cmd.Wait never closes it under the
	// handshake reader.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	stderr := &cappedBuffer{max: maxStderrBytes}
	cmd.Stderr = stderr

	logger.Debug("spawning worker", "command", d.Spawn.Command, "args", d.Spawn.Args, "socket", socket)
	err = cmd.Start()
	_ = stdoutW.Close()
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}

	grace := s.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	p := &execProcess{
		cmd:    cmd,
		socket: socket,
		stderr: stderr,
		grace:  grace,
		logger: logger,
		done:   make(chan struct{}),
	}

	handshake := make(chan error, 1)
	go func() {
		_, err := protocol.ReadHandshake(stdout)
		handshake <- err
		// Keep draining so the worker never blocks on a full stdout pipe.
		_, _ = io.Copy(io.Discard, stdout)
		_ = stdout.Close()
	}()
	go p.wait()

	select {
	case err := <-handshake:
		if err != nil {
			_ = p.Stop(context.Background())
			return nil, fmt.Errorf("handshake: %w%s", err, p.stderrTail())
		}
	case <-p.done:
		return nil, fmt.Errorf("worker exited before ready: %v%s", p.ExitErr(), p.stderrTail())
	case <-ctx.Done():
		logger.Warn("worker did not become ready in time, stopping")
		_ = p.Stop(context.Background())
		return nil, ctx.Err()
	}

	logger.Info("worker ready", "pid", p.PID())
	return p, nil
}

func buildEnv(d descriptor.Descriptor, socket string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(d.Spawn.Env))
	for k := range d.Spawn.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+d.Spawn.Env[k])
	}
	return append(env,
		protocol.EnvWorkerID+"="+d.ID,
		protocol.EnvSocket+"="+socket,
	)
}

type execProcess struct {
	cmd    *exec.Cmd
	socket string
	stderr *cappedBuffer
	grace  time.Duration
	logger *slog.Logger

	done    chan struct{}
	exitErr error
}

func (p *execProcess) wait() {
	p.exitErr = p.cmd.Wait()
	_ = os.Remove(p.socket)
	if tail := p.stderr.String(); tail != "" {
		p.logger.Debug("worker stderr", "stderr", tail)
	}
	var exitErr *exec.ExitError
	if errors.As(p.exitErr, &exitErr) {
		p.logger.Warn("worker exited with non-zero status", "exit_code", exitErr.ExitCode())
	}
	close(p.done)
}

func (p *execProcess) PID() int              { return p.cmd.Process.Pid }
func (p *execProcess) Endpoint() string      { return p.socket }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// Stop sends SIGTERM, waits up to the grace period (or ctx), then SIGKILL.
func (p *execProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(p.grace)
	defer grace.Stop()

	select {
	case <-p.done:
		p.logger.Info("worker exited after SIGTERM")
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	p.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Error("failed to send SIGKILL", "error", err)
	}
	<-p.done
	return nil
}

func (p *execProcess) stderrTail() string {
	s := p.stderr.String()
	if s == "" {
		return ""
	}
	if len(s) > 512 {
		s = s[len(s)-512:]
	}
	return " (stderr: " + s + ")"
}

// cappedBuffer keeps the first max bytes written to it.
type cappedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
