// ABOUTME: Tests shared by the SQL and mock stores
// ABOUTME: Runs the model contracts against SQLite and MockStore

package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

func testServer(id, name, token string) *Server {
	now := time.Now().UTC()
	return &Server{
		ID:    id,
		Token: token,
		Name:  name,
		Transport: TransportConfig{
			Type:    TransportStdio,
			Command: "npx",
			Args:    []string{"-y", "@modelcontextprotocol/server-everything"},
			Env:     map[string]string{"DEBUG": "1"},
		},
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// storeImpls runs a test against both store implementations.
func storeImpls(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

func TestStore_Servers(t *testing.T) {
	storeImpls(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		srv := testServer("srv-1", "calc-server", "tok123")
		require.NoError(t, s.CreateServer(ctx, srv))

		byToken, err := s.FindServerByToken(ctx, "tok123")
		require.NoError(t, err)
		assert.Equal(t, "calc-server", byToken.Name)
		assert.Equal(t, TransportStdio, byToken.Transport.Type)
		assert.Equal(t, []string{"-y", "@modelcontextprotocol/server-everything"}, byToken.Transport.Args)
		assert.Equal(t, "1", byToken.Transport.Env["DEBUG"])
		assert.True(t, byToken.Enabled)

		byName, err := s.FindServerByName(ctx, "calc-server")
		require.NoError(t, err)
		assert.Equal(t, "srv-1", byName.ID)

		_, err = s.FindServerByID(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		err = s.CreateServer(ctx, testServer("srv-2", "other", "tok123"))
		assert.ErrorIs(t, err, ErrDuplicate)

		srv.Enabled = false
		srv.SecurityClass = SecurityContainer
		require.NoError(t, s.UpdateServer(ctx, srv))
		got, err := s.FindServerByID(ctx, "srv-1")
		require.NoError(t, err)
		assert.False(t, got.Enabled)
		assert.Equal(t, SecurityContainer, got.SecurityClass)
		assert.False(t, got.Managed())

		require.NoError(t, s.CreateServer(ctx, testServer("srv-0", "alpha", "tok000")))
		list, err := s.ListServers(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "alpha", list[0].Name)

		require.NoError(t, s.DeleteServer(ctx, "srv-1"))
		assert.ErrorIs(t, s.DeleteServer(ctx, "srv-1"), ErrNotFound)
	})
}

func TestStore_ClientServerRelations(t *testing.T) {
	storeImpls(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.CreateServer(ctx, testServer("srv-1", "calc-server", "tok123")))
		require.NoError(t, s.CreateClient(ctx, &Client{
			ID: "cli-1", Token: "ctok", Name: "desktop", Type: ClientClaudeDesktop, Scope: ScopeGlobal,
			CreatedAt: time.Now(),
		}))

		ok, err := s.HasClientServer(ctx, "cli-1", "srv-1")
		require.NoError(t, err)
		assert.False(t, ok)

		rel := &ClientServer{ClientID: "cli-1", ServerID: "srv-1", CreatedAt: time.Now()}
		require.NoError(t, s.CreateClientServer(ctx, rel))
		require.NoError(t, s.CreateClientServer(ctx, rel), "duplicate relations are ignored")

		ok, err = s.HasClientServer(ctx, "cli-1", "srv-1")
		require.NoError(t, err)
		assert.True(t, ok)

		rels, err := s.ListClientServers(ctx, "cli-1")
		require.NoError(t, err)
		assert.Len(t, rels, 1)

		// deleting the server drops the relation
		require.NoError(t, s.DeleteServer(ctx, "srv-1"))
		ok, err = s.HasClientServer(ctx, "cli-1", "srv-1")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStore_PoliciesAndSnapshot(t *testing.T) {
	storeImpls(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()

		require.NoError(t, s.CreatePolicyElement(ctx, &PolicyElement{
			ConfigID: "cond-delete", ElementType: ElementCondition, ClassName: "tool_name",
			Name: "delete tools", Config: map[string]any{"pattern": "^delete_"}, Enabled: true, UpdatedAt: now,
		}))
		require.NoError(t, s.CreatePolicyElement(ctx, &PolicyElement{
			ConfigID: "act-block", ElementType: ElementAction, ClassName: "block",
			Name: "block", Enabled: true, UpdatedAt: now,
		}))

		require.NoError(t, s.CreatePolicy(ctx, &Policy{
			ID: "pol-a", Name: "no deletes", Severity: SeverityHigh, Origin: OriginClient,
			Methods:    []string{"tools/call"},
			Conditions: []ElementRef{{ElementConfigID: "cond-delete"}},
			Action:     &ElementRef{ElementConfigID: "act-block", InstanceParams: map[string]any{"reason": "nope"}},
			Enabled:    true, CreatedAt: now, UpdatedAt: now,
		}))
		require.NoError(t, s.CreatePolicy(ctx, &Policy{
			ID: "pol-b", Name: "audit", Severity: SeverityInfo, Origin: OriginEither,
			Enabled: true, CreatedAt: now.Add(time.Millisecond), UpdatedAt: now,
		}))

		got, err := s.GetPolicy(ctx, "pol-a")
		require.NoError(t, err)
		require.NotNil(t, got.Action)
		assert.Equal(t, "act-block", got.Action.ElementConfigID)
		assert.Equal(t, "nope", got.Action.InstanceParams["reason"])
		assert.Equal(t, []string{"tools/call"}, got.Methods)

		audit, err := s.GetPolicy(ctx, "pol-b")
		require.NoError(t, err)
		assert.Nil(t, audit.Action)
		assert.Empty(t, audit.Conditions)
		assert.Empty(t, audit.Methods)

		snap, err := s.PolicySnapshot(ctx)
		require.NoError(t, err)
		require.Len(t, snap.Policies, 2)
		assert.Equal(t, "pol-a", snap.Policies[0].ID)
		assert.Equal(t, "pol-b", snap.Policies[1].ID)
		require.Contains(t, snap.Elements, "cond-delete")
		assert.Equal(t, "^delete_", snap.Elements["cond-delete"].Config["pattern"])

		got.Enabled = false
		require.NoError(t, s.UpdatePolicy(ctx, got))
		got, err = s.GetPolicy(ctx, "pol-a")
		require.NoError(t, err)
		assert.False(t, got.Enabled)

		require.NoError(t, s.DeletePolicyElement(ctx, "act-block"))
		assert.ErrorIs(t, s.DeletePolicy(ctx, "missing"), ErrNotFound)
	})
}

func TestStore_MessagesAndAlerts(t *testing.T) {
	storeImpls(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		clientID := "cli-1"
		base := time.Now()

		for i, id := range []string{"m1", "m2", "m3"} {
			require.NoError(t, s.CreateMessage(ctx, &Message{
				ID: id, SessionID: "sess-1", ServerID: "srv-1", ClientID: &clientID,
				Origin: OriginClient, Method: "tools/call", Kind: KindRequest,
				Payload:   json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`),
				Outcome:   OutcomeAllowed,
				CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
			}))
		}
		require.NoError(t, s.CreateMessage(ctx, &Message{
			ID: "other", SessionID: "sess-2", ServerID: "srv-1", Origin: OriginServer,
			Kind: KindResponse, Payload: json.RawMessage(`{}`), Outcome: OutcomeAllowed, CreatedAt: base,
		}))

		msgs, err := s.ListMessages(ctx, MessageFilter{SessionID: "sess-1"})
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "m1", msgs[0].ID)
		assert.Equal(t, "m3", msgs[2].ID)
		require.NotNil(t, msgs[0].ClientID)
		assert.Equal(t, "cli-1", *msgs[0].ClientID)
		assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call"}`, string(msgs[0].Payload))

		msgs, err = s.ListMessages(ctx, MessageFilter{SessionID: "sess-2"})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Nil(t, msgs[0].ClientID)

		require.NoError(t, s.CreateAlert(ctx, &Alert{
			ID: "a1", PolicyID: "pol-a", MessageID: "m2", Severity: SeverityHigh, CreatedAt: base,
		}))

		alerts, err := s.ListAlerts(ctx, AlertFilter{UnseenOnly: true})
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		assert.Equal(t, SeverityHigh, alerts[0].Severity)
		assert.Nil(t, alerts[0].SeenAt)

		require.NoError(t, s.MarkAlertSeen(ctx, "a1", true))
		alerts, err = s.ListAlerts(ctx, AlertFilter{UnseenOnly: true})
		require.NoError(t, err)
		assert.Empty(t, alerts)

		assert.ErrorIs(t, s.MarkAlertSeen(ctx, "missing", true), ErrNotFound)
	})
}

func TestSQLStore_AlertRequiresMessage(t *testing.T) {
	s := setupTestStore(t)
	err := s.CreateAlert(context.Background(), &Alert{
		ID: "a1", PolicyID: "p", MessageID: "nope", Severity: SeverityLow, CreatedAt: time.Now(),
	})
	assert.Error(t, err)
}

func TestSQLStore_MemoryDatabase(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.CreateServer(ctx, testServer("srv-1", "calc-server", "tok123")))
	_, err = s.PolicySnapshot(ctx)
	require.NoError(t, err)
	got, err := s.FindServerByName(ctx, "calc-server")
	require.NoError(t, err)
	assert.Equal(t, "tok123", got.Token)
}

func TestSQLStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "toolgate.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.CreateServer(ctx, testServer("srv-1", "calc-server", "tok123")))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.FindServerByID(ctx, "srv-1")
	assert.NoError(t, err)
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{dialect: DialectPostgres}
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", pg.rebind("SELECT 1 WHERE a = ? AND b = ?"))

	lite := &SQLStore{dialect: DialectSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("mysql", "whatever")
	assert.Error(t, err)
}

func TestMockStore_FailureInjection(t *testing.T) {
	s := NewMockStore()
	boom := errors.New("disk full")
	s.FailCreateMessage = boom

	err := s.CreateMessage(context.Background(), &Message{ID: "m1"})
	assert.ErrorIs(t, err, boom)
}

func TestTransportConfig_Validate(t *testing.T) {
	assert.NoError(t, TransportConfig{Type: TransportStdio, Command: "npx"}.Validate())
	assert.NoError(t, TransportConfig{Type: TransportHTTP, URL: "http://localhost:3000/mcp"}.Validate())
	assert.Error(t, TransportConfig{Type: TransportStdio}.Validate())
	assert.Error(t, TransportConfig{Type: TransportHTTP}.Validate())
	assert.Error(t, TransportConfig{Type: "carrier-pigeon"}.Validate())
}

func TestPolicy_AppliesTo(t *testing.T) {
	p := &Policy{Origin: OriginClient, Methods: []string{"tools/call"}}
	assert.True(t, p.AppliesTo(OriginClient, "tools/call"))
	assert.False(t, p.AppliesTo(OriginServer, "tools/call"))
	assert.False(t, p.AppliesTo(OriginClient, "tools/list"))

	either := &Policy{Origin: OriginEither}
	assert.True(t, either.AppliesTo(OriginServer, "anything"))
}
