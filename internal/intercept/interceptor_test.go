// ABOUTME: Tests for the interceptor pipeline against the mock store and the real policy engine
// ABOUTME: Covers persistence, alerts, blocks, endpoint checks and per-session ordering

package intercept

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/bridge"
	"github.com/2389/toolgate/internal/catalog"
	"github.com/2389/toolgate/internal/mcp"
	"github.com/2389/toolgate/internal/notify"
	"github.com/2389/toolgate/internal/policy"
	"github.com/2389/toolgate/internal/session"
	"github.com/2389/toolgate/internal/store"
)

const testSecret = "interceptor-test-secret-0123456789"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingNotifier collects alert events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) all() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events...)
}

// fakeEndpoints returns a configured error per server id.
type fakeEndpoints struct {
	errs map[string]error
}

func (f *fakeEndpoints) Check(serverID string) error {
	return f.errs[serverID]
}

type fixture struct {
	t         *testing.T
	store     *store.MockStore
	issuer    *auth.Issuer
	notifier  *recordingNotifier
	endpoints *fakeEndpoints
	icpt      *Interceptor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st := store.NewMockStore()
	require.NoError(t, st.CreateServer(ctx, &store.Server{
		ID: "srv-1", Token: "tok123", Name: "calc-server", Enabled: true,
		SecurityClass: store.SecurityUnmanaged,
		Transport:     store.TransportConfig{Type: store.TransportStdio, Command: "calc"},
	}))
	require.NoError(t, st.CreateServer(ctx, &store.Server{
		ID: "srv-2", Token: "tok456", Name: "other-server", Enabled: true,
		SecurityClass: store.SecurityUnmanaged,
		Transport:     store.TransportConfig{Type: store.TransportStdio, Command: "other"},
	}))
	require.NoError(t, st.CreateServer(ctx, &store.Server{
		ID: "srv-3", Token: "tok789", Name: "files", Enabled: true,
		Transport: store.TransportConfig{Type: store.TransportStdio, Command: "files"},
	}))

	reg, err := catalog.New()
	require.NoError(t, err)
	issuer, err := auth.NewIssuer(auth.IssuerConfig{Secret: testSecret}, st, testLogger())
	require.NoError(t, err)

	seq := session.New(time.Minute)
	t.Cleanup(seq.Close)

	f := &fixture{
		t:         t,
		store:     st,
		issuer:    issuer,
		notifier:  &recordingNotifier{},
		endpoints: &fakeEndpoints{errs: map[string]error{}},
	}
	f.icpt = New(Config{
		Store:     st,
		Policy:    policy.NewEngine(st, reg, testLogger()),
		Endpoints: f.endpoints,
		Notifier:  f.notifier,
		Sessions:  seq,
		Logger:    testLogger(),
	})
	return f
}

func (f *fixture) token(serverRef string) string {
	f.t.Helper()
	issued, err := f.issuer.Issue(context.Background(), auth.IssueRequest{ServerRef: serverRef, User: "alice", SourceIP: "10.0.0.7"})
	require.NoError(f.t, err)
	return issued.Token
}

func (f *fixture) claims(serverRef string) *auth.Claims {
	f.t.Helper()
	issued, err := f.issuer.Issue(context.Background(), auth.IssueRequest{ServerRef: serverRef, User: "alice", SourceIP: "10.0.0.7"})
	require.NoError(f.t, err)
	return issued.Claims
}

func (f *fixture) element(id string, typ store.ElementType, class string, cfg map[string]any) {
	f.t.Helper()
	require.NoError(f.t, f.store.CreatePolicyElement(context.Background(), &store.PolicyElement{
		ConfigID: id, ElementType: typ, ClassName: class, Name: id, Config: cfg, Enabled: true,
	}))
}

func (f *fixture) policy(p *store.Policy) {
	f.t.Helper()
	if p.ID == "" {
		p.ID = p.Name
	}
	if p.Origin == "" {
		p.Origin = store.OriginEither
	}
	p.Enabled = true
	require.NoError(f.t, f.store.CreatePolicy(context.Background(), p))
}

// blockDeleteAll installs a policy that blocks tools/call of delete_all.
func (f *fixture) blockDeleteAll() {
	f.element("cond-delete", store.ElementCondition, "tool_name", map[string]any{"names": []any{"delete_all"}})
	f.element("act-block-call", store.ElementAction, "block_on_method", map[string]any{"method": "tools/call"})
	f.policy(&store.Policy{
		Name:       "no-deletes",
		Severity:   store.SeverityHigh,
		Methods:    []string{"tools/call"},
		Conditions: []store.ElementRef{{ElementConfigID: "cond-delete"}},
		Action:     &store.ElementRef{ElementConfigID: "act-block-call", InstanceParams: map[string]any{"tool": "delete_all"}},
	})
}

func (f *fixture) messages() []*store.Message {
	f.t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), store.MessageFilter{})
	require.NoError(f.t, err)
	return msgs
}

func (f *fixture) sessionMessages(sessionID string) []*store.Message {
	f.t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), store.MessageFilter{SessionID: sessionID})
	require.NoError(f.t, err)
	return msgs
}

func (f *fixture) alerts() []*store.Alert {
	f.t.Helper()
	alerts, err := f.store.ListAlerts(context.Background(), store.AlertFilter{})
	require.NoError(f.t, err)
	return alerts
}

func mustParse(t *testing.T, raw string) *mcp.Message {
	t.Helper()
	msg, err := mcp.Parse([]byte(raw))
	require.NoError(t, err)
	return msg
}

const (
	callAdd       = `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"add","arguments":{"a":1,"b":2}}}`
	callDeleteAll = `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"delete_all"}}`
)

func TestFilter_AllowedIsRecorded(t *testing.T) {
	f := newFixture(t)
	claims := f.claims("calc-server/tok123")

	res, err := f.icpt.Filter(context.Background(), Request{
		Claims: claims, SessionID: "s1", Origin: store.OriginClient, Message: mustParse(t, callAdd),
	})
	require.NoError(t, err)
	assert.Equal(t, callAdd, string(res.Message))
	assert.Nil(t, res.Alert)

	msgs := f.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "s1", msgs[0].SessionID)
	assert.Equal(t, "srv-1", msgs[0].ServerID)
	assert.Equal(t, store.OriginClient, msgs[0].Origin)
	assert.Equal(t, "tools/call", msgs[0].Method)
	assert.Equal(t, store.KindRequest, msgs[0].Kind)
	assert.Equal(t, store.OutcomeAllowed, msgs[0].Outcome)
	assert.JSONEq(t, callAdd, string(msgs[0].Payload))
	assert.Empty(t, f.notifier.all())
}

func TestFilter_BlockIsRecordedWithAlert(t *testing.T) {
	f := newFixture(t)
	f.blockDeleteAll()
	claims := f.claims("tok123")

	res, err := f.icpt.Filter(context.Background(), Request{
		Claims: claims, SessionID: "s1", Origin: store.OriginClient, Message: mustParse(t, callDeleteAll),
	})
	require.ErrorIs(t, err, ErrBlocked)
	var block *BlockError
	require.ErrorAs(t, err, &block)
	assert.Equal(t, "tool delete_all is blocked by policy", block.Reason)
	assert.Equal(t, "no-deletes", block.PolicyID)
	require.NotNil(t, res)
	assert.Nil(t, res.Message)

	msgs := f.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, store.OutcomeBlocked, msgs[0].Outcome)
	assert.Equal(t, block.MessageID, msgs[0].ID)

	alerts := f.alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, msgs[0].ID, alerts[0].MessageID)
	assert.Equal(t, store.SeverityHigh, alerts[0].Severity)

	events := f.notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, alerts[0].ID, events[0].AlertID)
	assert.Equal(t, "calc-server", events[0].ServerName)
	assert.Equal(t, store.OutcomeBlocked, events[0].Outcome)
	assert.Equal(t, "alice", events[0].User)
}

func TestFilter_AlertOnlyPolicy(t *testing.T) {
	f := newFixture(t)
	f.policy(&store.Policy{Name: "log-everything", Severity: store.SeverityInfo})

	res, err := f.icpt.Filter(context.Background(), Request{
		Claims: f.claims("tok123"), SessionID: "s1", Origin: store.OriginClient, Message: mustParse(t, callAdd),
	})
	require.NoError(t, err)
	assert.Equal(t, policy.AllowWithAlert, res.Decision.Verdict)
	assert.Equal(t, callAdd, string(res.Message))
	require.NotNil(t, res.Alert)
	assert.Equal(t, store.OutcomeAlerted, res.Record.Outcome)
	assert.Len(t, f.alerts(), 1)
	assert.Len(t, f.notifier.all(), 1)
}

func TestFilter_RedactReturnsModifiedButStoresOriginal(t *testing.T) {
	f := newFixture(t)
	f.element("act-redact", store.ElementAction, "redact", map[string]any{"paths": []any{"params.arguments"}})
	f.policy(&store.Policy{
		Name: "hide-args", Severity: store.SeverityMedium,
		Action: &store.ElementRef{ElementConfigID: "act-redact"},
	})

	res, err := f.icpt.Filter(context.Background(), Request{
		Claims: f.claims("tok123"), SessionID: "s1", Origin: store.OriginClient, Message: mustParse(t, callAdd),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"add","arguments":"[REDACTED]"}}`, string(res.Message))
	assert.JSONEq(t, callAdd, string(f.messages()[0].Payload))
}

func TestFilter_PersistFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	f.store.FailCreateMessage = errors.New("disk full")

	_, err := f.icpt.Filter(context.Background(), Request{
		Claims: f.claims("tok123"), SessionID: "s1", Origin: store.OriginClient, Message: mustParse(t, callAdd),
	})
	require.ErrorIs(t, err, ErrPersist)
	status, body := Status(err)
	assert.Equal(t, 500, status)
	assert.Equal(t, "internal server error", body.Error)
}

func TestFilter_AlertPersistFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	f.blockDeleteAll()
	f.store.FailCreateAlert = errors.New("constraint")

	_, err := f.icpt.Filter(context.Background(), Request{
		Claims: f.claims("tok123"), SessionID: "s1", Origin: store.OriginClient, Message: mustParse(t, callDeleteAll),
	})
	require.ErrorIs(t, err, ErrPersist)
	assert.NotErrorIs(t, err, ErrBlocked)
	assert.Empty(t, f.notifier.all())
}

func TestFilter_SnapshotFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	f.store.FailSnapshot = errors.New("db gone")

	_, err := f.icpt.Filter(context.Background(), Request{
		Claims: f.claims("tok123"), SessionID: "s1", Origin: store.OriginClient, Message: mustParse(t, callAdd),
	})
	require.Error(t, err)
	assert.Empty(t, f.messages())
}

func TestFilter_ServerDisabledAfterIssuance(t *testing.T) {
	f := newFixture(t)
	claims := f.claims("tok123")

	srv, err := f.store.FindServerByID(context.Background(), "srv-1")
	require.NoError(t, err)
	srv.Enabled = false
	require.NoError(t, f.store.UpdateServer(context.Background(), srv))

	_, err = f.icpt.Filter(context.Background(), Request{
		Claims: claims, SessionID: "s1", Origin: store.OriginClient, Message: mustParse(t, callAdd),
	})
	require.ErrorIs(t, err, ErrServerUnavailable)
	status, _ := Status(err)
	assert.Equal(t, 403, status)
	assert.Empty(t, f.messages())
}

func TestFilter_EndpointChecks(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"bridge stopped", bridge.ErrNotRunning, 503},
		{"endpoint failed", &bridge.EndpointError{ServerID: "srv-3", Name: "files", Err: bridge.ErrEndpointClosed}, 502},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.endpoints.errs["srv-3"] = tt.err
			claims := f.claims("tok789")

			_, err := f.icpt.Filter(context.Background(), Request{
				Claims: claims, SessionID: "s1", Origin: store.OriginClient, Message: mustParse(t, callAdd),
			})
			require.Error(t, err)
			status, _ := Status(err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Empty(t, f.messages())

			// replies from the server are still filtered
			_, err = f.icpt.Filter(context.Background(), Request{
				Claims: claims, SessionID: "s1", Origin: store.OriginServer,
				Message: mustParse(t, `{"jsonrpc":"2.0","id":1,"result":{}}`),
			})
			require.NoError(t, err)
		})
	}
}

func TestFilter_RequestValidation(t *testing.T) {
	f := newFixture(t)
	claims := f.claims("tok123")
	msg := mustParse(t, callAdd)

	tests := []struct {
		name string
		req  Request
	}{
		{"no claims", Request{SessionID: "s1", Origin: store.OriginClient, Message: msg}},
		{"no session", Request{Claims: claims, Origin: store.OriginClient, Message: msg}},
		{"either origin", Request{Claims: claims, SessionID: "s1", Origin: store.OriginEither, Message: msg}},
		{"no message", Request{Claims: claims, SessionID: "s1", Origin: store.OriginClient}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.icpt.Filter(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Empty(t, f.messages())
}

// gatedEvaluator blocks the first evaluation until released.
type gatedEvaluator struct {
	next    Evaluator
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedEvaluator) Evaluate(ctx context.Context, in *catalog.Input) (*policy.Decision, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.next.Evaluate(ctx, in)
}

func TestFilter_SessionOrder(t *testing.T) {
	f := newFixture(t)
	reg, err := catalog.New()
	require.NoError(t, err)
	gate := &gatedEvaluator{
		next:    policy.NewEngine(f.store, reg, testLogger()),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	seq := session.New(time.Minute)
	defer seq.Close()
	icpt := New(Config{Store: f.store, Policy: gate, Sessions: seq, Logger: testLogger()})
	claims := f.claims("tok123")

	firstMsg := mustParse(t, `{"jsonrpc":"2.0","id":"first","method":"ping"}`)
	secondMsg := mustParse(t, `{"jsonrpc":"2.0","id":"second","method":"ping"}`)

	first := make(chan error, 1)
	go func() {
		_, err := icpt.Filter(context.Background(), Request{
			Claims: claims, SessionID: "s1", Origin: store.OriginClient, Message: firstMsg,
		})
		first <- err
	}()
	<-gate.entered

	second := make(chan error, 1)
	go func() {
		_, err := icpt.Filter(context.Background(), Request{
			Claims: claims, SessionID: "s1", Origin: store.OriginClient, Message: secondMsg,
		})
		second <- err
	}()

	// another session is not held up
	_, err = icpt.Filter(context.Background(), Request{
		Claims: claims, SessionID: "s2", Origin: store.OriginClient,
		Message: mustParse(t, `{"jsonrpc":"2.0","id":"other","method":"ping"}`),
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, f.sessionMessages("s1"))

	close(gate.release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	msgs := f.sessionMessages("s1")
	require.Len(t, msgs, 2)
	assert.Contains(t, string(msgs[0].Payload), `"first"`)
	assert.Contains(t, string(msgs[1].Payload), `"second"`)
}
