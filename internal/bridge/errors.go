// ABOUTME: Bridge error types
// ABOUTME: EndpointError carries the server id of an unreachable endpoint

package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRunning is returned when the bridge has not completed its start sequence.
	ErrNotRunning = errors.New("bridge is not running")
	// ErrUnknownEndpoint is wrapped by EndpointError when no endpoint exists for a server.
	ErrUnknownEndpoint = errors.New("no endpoint for server")
	// ErrEndpointClosed is wrapped by EndpointError when the endpoint went away mid-call.
	ErrEndpointClosed = errors.New("endpoint closed")
	// ErrUnsupportedTransport is returned for a transport the security class cannot use.
	ErrUnsupportedTransport = errors.New("unsupported transport")
	// ErrNoWrapper is returned for a wrapped endpoint when no wrapper entrypoint is configured.
	ErrNoWrapper = errors.New("wrapped endpoint needs bridge.container.wrapper_entrypoint")
)

// EndpointError reports that the endpoint for a server failed to start or is unreachable.
type EndpointError struct {
	ServerID string
	Name     string
	Err      error
}

func (e *EndpointError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("endpoint %s (%s): %v", e.Name, e.ServerID, e.Err)
	}
	return fmt.Sprintf("endpoint %s: %v", e.ServerID, e.Err)
}

func (e *EndpointError) Unwrap() error {
	return e.Err
}

// StartError collects the endpoints that failed during Start. The bridge is
// running when Start returns a StartError.
type StartError struct {
	Failed []*EndpointError
}

func (e *StartError) Error() string {
	return fmt.Sprintf("%d endpoint(s) failed to start: %v", len(e.Failed), e.Unwrap())
}

func (e *StartError) Unwrap() error {
	errs := make([]error, len(e.Failed))
	for i, f := range e.Failed {
		errs[i] = f
	}
	return errors.Join(errs...)
}
