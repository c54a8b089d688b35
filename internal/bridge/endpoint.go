// ABOUTME: One managed endpoint in the bridge arena and its lifecycle states
// ABOUTME: Pending -> Running -> Stopping -> Stopped, or Failed on start or crash

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/toolgate/internal/mcp"
	"github.com/2389/toolgate/internal/store"
)

// State is the lifecycle state of an endpoint.
type State string

const (
	StatePending  State = "pending"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Live reports whether the endpoint holds, or is acquiring, a transport.
func (s State) Live() bool {
	return s == StatePending || s == StateRunning
}

// EndpointStatus is a snapshot of one endpoint.
type EndpointStatus struct {
	ServerID      string              `json:"server_id"`
	Name          string              `json:"name"`
	SecurityClass store.SecurityClass `json:"security_class"`
	Transport     string              `json:"transport"`
	State         State               `json:"state"`
	PID           int                 `json:"pid,omitempty"`
	Error         string              `json:"error,omitempty"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
}

// endpoint owns the process and transport of one server.
type endpoint struct {
	server *store.Server

	mu        sync.RWMutex
	state     State
	err       error
	proc      Process
	transport Transport
	kind      string
	startedAt time.Time
}

func newEndpoint(srv *store.Server) *endpoint {
	return &endpoint{server: srv, state: StatePending}
}

func (e *endpoint) status() EndpointStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := EndpointStatus{
		ServerID:      e.server.ID,
		Name:          e.server.Name,
		SecurityClass: e.server.SecurityClass,
		Transport:     e.kind,
		State:         e.state,
	}
	if e.proc != nil {
		st.PID = e.proc.PID()
	}
	if e.err != nil {
		st.Error = e.err.Error()
	}
	if !e.startedAt.IsZero() {
		t := e.startedAt
		st.StartedAt = &t
	}
	return st
}

func (e *endpoint) currentState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *endpoint) running(proc Process, t Transport, kind string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.proc = proc
	e.transport = t
	e.kind = kind
	e.state = StateRunning
	e.err = nil
	e.startedAt = time.Now()
}

func (e *endpoint) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateFailed
	e.err = err
}

func (e *endpoint) endpointError(err error) *EndpointError {
	return &EndpointError{ServerID: e.server.ID, Name: e.server.Name, Err: err}
}

// send forwards msg while the endpoint is running.
func (e *endpoint) send(ctx context.Context, msg *mcp.Message) ([]byte, error) {
	e.mu.RLock()
	state, t, lastErr := e.state, e.transport, e.err
	e.mu.RUnlock()

	if state != StateRunning || t == nil {
		cause := lastErr
		if cause == nil {
			cause = fmt.Errorf("endpoint is %s", state)
		}
		return nil, e.endpointError(cause)
	}

	reply, err := t.Send(ctx, msg)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, e.endpointError(err)
	}
	return reply, nil
}

// watch marks the endpoint failed if its process exits while running.
func (e *endpoint) watch(proc Process, logger *slog.Logger) {
	<-proc.Done()

	e.mu.Lock()
	if e.proc != proc || e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	exitErr := proc.Err()
	if exitErr == nil {
		exitErr = errors.New("process exited")
	}
	e.state = StateFailed
	e.err = fmt.Errorf("%w: %v", ErrEndpointClosed, exitErr)
	t := e.transport
	e.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	logger.Error("endpoint exited unexpectedly",
		"server_id", e.server.ID,
		"server", e.server.Name,
		"error", exitErr,
	)
}

// stop closes the transport and terminates the process: Terminate, wait up to
// grace, then Kill.
func (e *endpoint) stop(grace time.Duration) error {
	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return nil
	}
	e.state = StateStopping
	proc, t := e.proc, e.transport
	e.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}

	var err error
	if proc != nil {
		err = terminate(proc, grace)
	}

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()
	return err
}

func terminate(proc Process, grace time.Duration) error {
	select {
	case <-proc.Done():
		return nil
	default:
	}

	if err := proc.Terminate(); err != nil {
		return proc.Kill()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-proc.Done():
		return nil
	case <-timer.C:
	}

	if err := proc.Kill(); err != nil {
		return fmt.Errorf("killing process %d: %w", proc.PID(), err)
	}
	select {
	case <-proc.Done():
		return nil
	case <-time.After(grace):
		return fmt.Errorf("process %d did not exit after kill", proc.PID())
	}
}
