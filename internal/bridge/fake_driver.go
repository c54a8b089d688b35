// ABOUTME: In-memory Driver for tests: processes are goroutines behind io.Pipes
// ABOUTME: Records launches and supports start failures, crashes and stubborn processes

package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/2389/toolgate/internal/mcp"
)

// FakeDriver implements Driver without OS processes.
type FakeDriver struct {
	mu      sync.Mutex
	started []LaunchSpec
	procs   []*FakeProcess
	pid     int

	// FailFor maps a LaunchSpec.Name to the error Start returns for it
	FailFor map[string]error
	// Handler returns the stdout line for each stdin line; nil writes nothing.
	// Defaults to EchoHandler.
	Handler func(line []byte) []byte
	// IgnoreTerminate makes processes exit only when killed
	IgnoreTerminate bool
}

// NewFakeDriver creates a FakeDriver using EchoHandler.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{FailFor: make(map[string]error)}
}

// Start implements Driver.
func (d *FakeDriver) Start(ctx context.Context, spec LaunchSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.started = append(d.started, spec)
	if err := d.FailFor[spec.Name]; err != nil {
		return nil, err
	}

	handler := d.Handler
	if handler == nil {
		handler = EchoHandler
	}

	d.pid++
	p := newFakeProcess(d.pid, spec, handler, d.IgnoreTerminate)
	d.procs = append(d.procs, p)
	return p, nil
}

// Started returns every spec passed to Start, including failed ones.
func (d *FakeDriver) Started() []LaunchSpec {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]LaunchSpec(nil), d.started...)
}

// Processes returns every process started so far.
func (d *FakeDriver) Processes() []*FakeProcess {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeProcess(nil), d.procs...)
}

// Live returns the number of processes that have not exited.
func (d *FakeDriver) Live() int {
	n := 0
	for _, p := range d.Processes() {
		select {
		case <-p.Done():
		default:
			n++
		}
	}
	return n
}

// EchoHandler answers each request with {"echo": {"method": ..., "params": ...}}
// and ignores everything else.
func EchoHandler(line []byte) []byte {
	msg, err := mcp.Parse(line)
	if err != nil || msg.Kind != mcp.KindRequest {
		return nil
	}
	params := msg.Params
	if len(params) == 0 {
		params = json.RawMessage("null")
	}
	reply, _ := json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result"`
	}{
		JSONRPC: mcp.Version,
		ID:      msg.ID,
		Result: map[string]any{
			"echo": map[string]any{"method": msg.Method, "params": params},
		},
	})
	return reply
}

// FakeProcess is a process started by FakeDriver.
type FakeProcess struct {
	Spec LaunchSpec

	pid      int
	stdinR   *io.PipeReader
	stdinW   *io.PipeWriter
	stdoutR  *io.PipeReader
	stdoutW  *io.PipeWriter
	done     chan struct{}
	stubborn bool

	mu         sync.Mutex
	err        error
	exited     bool
	terminated bool
	killed     bool
}

func newFakeProcess(pid int, spec LaunchSpec, handler func([]byte) []byte, stubborn bool) *FakeProcess {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	p := &FakeProcess{
		Spec:     spec,
		pid:      pid,
		stdinR:   inR,
		stdinW:   inW,
		stdoutR:  outR,
		stdoutW:  outW,
		done:     make(chan struct{}),
		stubborn: stubborn,
	}
	go p.serve(handler)
	return p
}

func (p *FakeProcess) serve(handler func([]byte) []byte) {
	scanner := bufio.NewScanner(p.stdinR)
	scanner.Buffer(make([]byte, 64*1024), mcp.MaxMessageSize)
	for scanner.Scan() {
		reply := handler(scanner.Bytes())
		if reply == nil {
			continue
		}
		if _, err := p.stdoutW.Write(append(reply, '\n')); err != nil {
			break
		}
	}
	if !p.stubborn {
		p.exit(nil)
	}
}

func (p *FakeProcess) exit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.err = err
	p.stdinR.Close()
	p.stdoutW.Close()
	close(p.done)
}

// Crash makes the process exit unexpectedly with err.
func (p *FakeProcess) Crash(err error) {
	p.exit(err)
}

// Terminated reports whether Terminate was called.
func (p *FakeProcess) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// Killed reports whether Kill was called.
func (p *FakeProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *FakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *FakeProcess) Stdout() io.Reader      { return p.stdoutR }
func (p *FakeProcess) Done() <-chan struct{}  { return p.done }
func (p *FakeProcess) PID() int               { return p.pid }

func (p *FakeProcess) Err() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *FakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	if !p.stubborn {
		p.stdinW.Close()
	}
	return nil
}

func (p *FakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.stdinW.Close()
	p.exit(&killedError{})
	return nil
}

type killedError struct{}

func (*killedError) Error() string { return "signal: killed" }
