// ABOUTME: Process drivers that launch stdio endpoints
// ABOUTME: ExecDriver runs real child processes; the arena only sees the Process interface

package bridge

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"
)

// LaunchSpec describes one process to start.
type LaunchSpec struct {
	// Name labels the process in logs.
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	// CleanupArgs, when set, are run with Command after a forced kill. The
	// sandbox uses this to remove the container behind a killed runner.
	CleanupArgs []string
}

// Process is a running child with stdio pipes.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Terminate asks the process to exit.
	Terminate() error
	// Kill forces the process to exit.
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Err is the exit error, valid after Done is closed.
	Err() error
	PID() int
}

// Driver starts processes.
type Driver interface {
	Start(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecDriver starts real child processes with os/exec.
type ExecDriver struct {
	logger *slog.Logger
}

// NewExecDriver creates a driver that logs child stderr at debug level.
func NewExecDriver(logger *slog.Logger) *ExecDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecDriver{logger: logger.With("component", "exec-driver")}
}

// Start launches spec. ctx bounds only the launch, not the process lifetime.
func (d *ExecDriver) Start(ctx context.Context, spec LaunchSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Command == "" {
		return nil, errors.New("command is required")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	// stdout must stay readable after Wait returns, so no StdoutPipe
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	stderr := &lineLogger{logger: d.logger.With("process", spec.Name)}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("starting %s: %w", spec.Command, err)
	}
	stdoutW.Close()

	p := &execProcess{
		cmd:    cmd,
		spec:   spec,
		stdin:  stdin,
		stdout: stdoutR,
		done:   make(chan struct{}),
		logger: d.logger,
	}
	go p.wait(stderr)
	return p, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := append([]string(nil), base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

type execProcess struct {
	cmd    *exec.Cmd
	spec   LaunchSpec
	stdin  io.WriteCloser
	stdout *os.File
	done   chan struct{}
	err    error
	logger *slog.Logger

	killOnce sync.Once
}

func (p *execProcess) wait(stderr *lineLogger) {
	p.err = p.cmd.Wait()
	stderr.flush()
	close(p.done)
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader      { return p.stdout }
func (p *execProcess) Done() <-chan struct{}  { return p.done }
func (p *execProcess) PID() int               { return p.cmd.Process.Pid }

func (p *execProcess) Err() error {
	<-p.done
	return p.err
}

func (p *execProcess) Terminate() error {
	_ = p.stdin.Close()
	err := p.cmd.Process.Signal(syscall.SIGTERM)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		err = p.cmd.Process.Kill()
		if errors.Is(err, os.ErrProcessDone) {
			err = nil
		}
		if len(p.spec.CleanupArgs) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			out, cerr := exec.CommandContext(ctx, p.spec.Command, p.spec.CleanupArgs...).CombinedOutput()
			if cerr != nil {
				p.logger.Warn("cleanup after kill failed",
					"process", p.spec.Name,
					"error", cerr,
					"output", string(out),
				)
			}
		}
	})
	return err
}

// lineLogger forwards a child's stderr to the logger one line at a time.
type lineLogger struct {
	mu     sync.Mutex
	logger *slog.Logger
	buf    []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, p...)
	for {
		idx := bytes.IndexByte(l.buf, '\n')
		if idx < 0 {
			break
		}
		l.logger.Debug("stderr", "line", string(l.buf[:idx]))
		l.buf = l.buf[idx+1:]
	}
	// keep a runaway line from growing without bound
	if len(l.buf) > bufio.MaxScanTokenSize {
		l.logger.Debug("stderr", "line", string(l.buf))
		l.buf = nil
	}
	return len(p), nil
}

func (l *lineLogger) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) > 0 {
		l.logger.Debug("stderr", "line", string(l.buf))
		l.buf = nil
	}
}
