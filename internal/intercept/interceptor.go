// ABOUTME: Message interceptor: evaluates one validated message, persists it and decides its fate
// ABOUTME: Messages of one session are evaluated and persisted strictly in arrival order

package intercept

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/catalog"
	"github.com/2389/toolgate/internal/mcp"
	"github.com/2389/toolgate/internal/notify"
	"github.com/2389/toolgate/internal/policy"
	"github.com/2389/toolgate/internal/session"
	"github.com/2389/toolgate/internal/store"
)

// Interceptor errors
var (
	ErrBlocked           = errors.New("blocked by policy")
	ErrInvalidRequest    = errors.New("invalid filter request")
	ErrServerUnavailable = errors.New("server is not available")
	ErrPersist           = errors.New("persisting message")
)

// BlockError is returned when a policy rejects a message. It matches ErrBlocked.
type BlockError struct {
	Reason    string
	PolicyID  string
	MessageID string
}

func (e *BlockError) Error() string {
	return e.Reason
}

// Is reports whether target is ErrBlocked.
func (e *BlockError) Is(target error) bool {
	return target == ErrBlocked
}

// Evaluator decides what happens to a message.
type Evaluator interface {
	Evaluate(ctx context.Context, in *catalog.Input) (*policy.Decision, error)
}

// Endpoints reports whether the endpoint of a managed server can be reached.
type Endpoints interface {
	Check(serverID string) error
}

// Store is the slice of the store the interceptor uses.
type Store interface {
	FindServerByID(ctx context.Context, id string) (*store.Server, error)
	CreateMessage(ctx context.Context, m *store.Message) error
	CreateAlert(ctx context.Context, a *store.Alert) error
}

// Config wires an Interceptor. Endpoints and Notifier are optional.
type Config struct {
	Store     Store
	Policy    Evaluator
	Endpoints Endpoints
	Notifier  notify.Notifier
	Sessions  *session.Sequencer
	Logger    *slog.Logger
}

// Interceptor runs the Evaluate, Persist and Respond stages for messages whose
// caller has already been authenticated.
type Interceptor struct {
	store     Store
	policy    Evaluator
	endpoints Endpoints
	notifier  notify.Notifier
	sessions  *session.Sequencer
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Interceptor.
func New(cfg Config) *Interceptor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := cfg.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	return &Interceptor{
		store:     cfg.Store,
		policy:    cfg.Policy,
		endpoints: cfg.Endpoints,
		notifier:  n,
		sessions:  cfg.Sessions,
		logger:    logger.With("component", "interceptor"),
		now:       time.Now,
	}
}

// Request is one validated message from an authenticated caller.
type Request struct {
	Claims    *auth.Claims
	SessionID string
	Origin    store.Origin
	Message   *mcp.Message
}

// Result is what happened to a message. Message is the payload to forward for
// allowed messages and nil for blocked ones.
type Result struct {
	Message  json.RawMessage
	Decision *policy.Decision
	Record   *store.Message
	Alert    *store.Alert
}

// Filter evaluates req, records it and returns the payload to forward. A
// blocked message returns a Result together with a *BlockError.
func (i *Interceptor) Filter(ctx context.Context, req Request) (*Result, error) {
	if req.Claims == nil || req.Message == nil {
		return nil, fmt.Errorf("%w: claims and message are required", ErrInvalidRequest)
	}
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: sessionId is required", ErrInvalidRequest)
	}
	if req.Origin != store.OriginClient && req.Origin != store.OriginServer {
		return nil, fmt.Errorf("%w: origin must be client or server", ErrInvalidRequest)
	}

	srv, err := i.store.FindServerByID(ctx, req.Claims.ServerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrServerUnavailable, req.Claims.ServerName)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up server: %w", err)
	}
	if !srv.Enabled {
		return nil, fmt.Errorf("%w: %s is disabled", ErrServerUnavailable, srv.Name)
	}
	if i.endpoints != nil && srv.Managed() && req.Origin == store.OriginClient {
		if err := i.endpoints.Check(srv.ID); err != nil {
			return nil, err
		}
	}

	if i.sessions != nil {
		release, err := i.sessions.Acquire(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	claims := req.Claims
	decision, err := i.policy.Evaluate(ctx, &catalog.Input{
		Origin:  req.Origin,
		Message: req.Message,
		Caller: catalog.Caller{
			User:       claims.User,
			SourceIP:   claims.SourceIP,
			ClientID:   claims.ClientIDOrEmpty(),
			ServerID:   claims.ServerID,
			ServerName: claims.ServerName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("evaluating policies: %w", err)
	}

	res := &Result{Decision: decision}
	res.Record = &store.Message{
		ID:        uuid.New().String(),
		SessionID: req.SessionID,
		ServerID:  srv.ID,
		ClientID:  claims.ClientID,
		Origin:    req.Origin,
		Method:    req.Message.Method,
		Kind:      store.MessageKind(req.Message.Kind),
		Payload:   req.Message.Raw,
		Outcome:   outcome(decision),
		CreatedAt: i.now(),
	}
	if err := i.store.CreateMessage(ctx, res.Record); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersist, err)
	}

	if decision.Alert() {
		res.Alert = &store.Alert{
			ID:        uuid.New().String(),
			PolicyID:  decision.Policy.ID,
			MessageID: res.Record.ID,
			Severity:  decision.Severity(),
			CreatedAt: res.Record.CreatedAt,
		}
		if err := i.store.CreateAlert(ctx, res.Alert); err != nil {
			return nil, fmt.Errorf("%w: alert: %w", ErrPersist, err)
		}
		i.notify(ctx, req, srv, res)
	}

	i.logger.Debug("message filtered",
		"message_id", res.Record.ID,
		"session_id", req.SessionID,
		"server", srv.Name,
		"origin", req.Origin,
		"method", req.Message.Method,
		"outcome", res.Record.Outcome,
	)

	if decision.Verdict == policy.Block {
		return res, &BlockError{
			Reason:    decision.Reason,
			PolicyID:  decision.Policy.ID,
			MessageID: res.Record.ID,
		}
	}
	res.Message = decision.Message
	return res, nil
}

func (i *Interceptor) notify(ctx context.Context, req Request, srv *store.Server, res *Result) {
	ev := notify.Event{
		AlertID:    res.Alert.ID,
		PolicyID:   res.Alert.PolicyID,
		PolicyName: res.Decision.Policy.Name,
		MessageID:  res.Record.ID,
		Severity:   res.Alert.Severity,
		SessionID:  req.SessionID,
		ServerID:   srv.ID,
		ServerName: srv.Name,
		ClientID:   req.Claims.ClientIDOrEmpty(),
		User:       req.Claims.User,
		Origin:     req.Origin,
		Method:     req.Message.Method,
		Outcome:    res.Record.Outcome,
		Reason:     res.Decision.Reason,
		CreatedAt:  res.Alert.CreatedAt,
	}
	if err := i.notifier.Notify(ctx, ev); err != nil {
		i.logger.Warn("failed to queue alert", "alert_id", ev.AlertID, "error", err)
	}
}

func outcome(d *policy.Decision) store.Outcome {
	switch {
	case d.Verdict == policy.Block:
		return store.OutcomeBlocked
	case d.Alert():
		return store.OutcomeAlerted
	default:
		return store.OutcomeAllowed
	}
}
