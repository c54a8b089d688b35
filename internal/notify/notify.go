// ABOUTME: Alert events and the notifier fan-out that forwards them to external sinks
// ABOUTME: Dispatcher delivers events asynchronously so sinks never slow the message path

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/toolgate/internal/dedupe"
	"github.com/2389/toolgate/internal/store"
)

// Dispatcher errors
var (
	ErrClosed    = errors.New("notifier closed")
	ErrQueueFull = errors.New("alert queue full")
)

// Event describes one persisted alert.
type Event struct {
	AlertID    string         `json:"alertId"`
	PolicyID   string         `json:"policyId"`
	PolicyName string         `json:"policyName"`
	MessageID  string         `json:"messageId"`
	Severity   store.Severity `json:"severity"`
	SessionID  string         `json:"sessionId"`
	ServerID   string         `json:"serverId"`
	ServerName string         `json:"serverName"`
	ClientID   string         `json:"clientId,omitempty"`
	User       string         `json:"user,omitempty"`
	Origin     store.Origin   `json:"origin"`
	Method     string         `json:"method,omitempty"`
	Outcome    store.Outcome  `json:"outcome"`
	Reason     string         `json:"reason,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	// Suppressed counts identical alerts swallowed since the last delivery.
	Suppressed int `json:"suppressed,omitempty"`
}

// Fingerprint identifies alerts that are repeats of each other: the same
// policy firing on the same method in the same session.
func (e Event) Fingerprint() string {
	return e.PolicyID + "|" + e.ServerID + "|" + e.SessionID + "|" + e.Method
}

// Encode returns the JSON form sinks publish.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding alert event: %w", err)
	}
	return data, nil
}

// Notifier delivers alert events somewhere.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
	Close() error
}

// Sink is a named Notifier.
type Sink interface {
	Notifier
	Name() string
}

// Fanout delivers every event to all of its sinks.
type Fanout struct {
	sinks []Sink
}

// NewFanout creates a Fanout over sinks.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

// Sinks returns the names of the configured sinks.
func (f *Fanout) Sinks() []string {
	names := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Notify delivers ev to every sink. A failing sink does not stop the others.
func (f *Fanout) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Notify(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// DefaultQueueSize is the dispatcher buffer used when none is given.
const DefaultQueueSize = 256

// deliveryTimeout bounds one delivery to all sinks.
const deliveryTimeout = 10 * time.Second

// Dispatcher queues events and delivers them from a background goroutine.
// A full queue drops the event with a warning.
type Dispatcher struct {
	next   Notifier
	logger *slog.Logger

	mu     sync.Mutex
	queue  chan Event
	closed bool
	done   chan struct{}
}

// NewDispatcher starts a dispatcher delivering to next.
func NewDispatcher(next Notifier, size int, logger *slog.Logger) *Dispatcher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		next:   next,
		logger: logger.With("component", "notify"),
		queue:  make(chan Event, size),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify queues ev. It returns ErrClosed after Close and never blocks.
func (d *Dispatcher) Notify(_ context.Context, ev Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- ev:
		return nil
	default:
		d.logger.Warn("alert queue full, dropping event",
			"alert_id", ev.AlertID,
			"policy_id", ev.PolicyID,
		)
		return ErrQueueFull
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		if err := d.next.Notify(ctx, ev); err != nil {
			d.logger.Warn("alert delivery failed",
				"alert_id", ev.AlertID,
				"policy_id", ev.PolicyID,
				"error", err,
			)
		} else {
			d.logger.Debug("alert delivered", "alert_id", ev.AlertID)
		}
		cancel()
	}
}

// Close delivers what is queued, then closes the underlying notifier.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done
	return d.next.Close()
}

// DefaultSuppressKeys bounds the fingerprints a Suppressor tracks.
const DefaultSuppressKeys = 4096

// Suppressor forwards the first alert of each fingerprint per window and
// drops the repeats. The next forwarded alert carries the dropped count.
type Suppressor struct {
	next   Notifier
	window *dedupe.Window
	logger *slog.Logger
}

// NewSuppressor wraps next with a suppression window of the given length.
func NewSuppressor(next Notifier, window time.Duration, logger *slog.Logger) *Suppressor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Suppressor{
		next:   next,
		window: dedupe.New(window, DefaultSuppressKeys),
		logger: logger.With("component", "notify"),
	}
}

// Notify forwards ev unless an identical alert was forwarded within the window.
func (s *Suppressor) Notify(ctx context.Context, ev Event) error {
	ok, suppressed := s.window.Admit(ev.Fingerprint())
	if !ok {
		s.logger.Debug("alert suppressed", "alert_id", ev.AlertID, "policy_id", ev.PolicyID, "session_id", ev.SessionID)
		return nil
	}
	ev.Suppressed = suppressed
	return s.next.Notify(ctx, ev)
}

// Close stops the window and closes next.
func (s *Suppressor) Close() error {
	s.window.Close()
	return s.next.Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
func (Nop) Close() error                        { return nil }
