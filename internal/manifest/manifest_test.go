// ABOUTME: Tests for manifest parsing, validation, apply and hot reload
// ABOUTME: Applies against the in-memory mock store with the real catalog

package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/catalog"
	"github.com/2389/toolgate/internal/store"
)

const sampleYAML = `
servers:
  - name: files
    token: ${TEST_FILES_TOKEN}
    security_class: container
    transport:
      type: stdio
      command: mcp-files
      args: [/srv]
  - name: search
    token: search-token
    security_class: network
    transport: { type: http, url: "https://search.example.com/mcp" }
clients:
  - name: laptop
    token: laptop-token
    servers: [files]
elements:
  - { id: cond-delete, type: condition, class: tool_name, config: { names: [delete_all] } }
  - { id: act-block, type: action, class: block, config: { reason: no deletes } }
policies:
  - name: no-deletes
    severity: 2
    methods: [tools/call]
    conditions: [{ element: cond-delete }]
    action: { element: act-block }
`

const sampleTOML = `
[[servers]]
name = "files"
token = "files-token"
[servers.transport]
type = "stdio"
command = "mcp-files"

[[elements]]
id = "cond-delete"
type = "condition"
class = "tool_name"
config = { names = ["delete_all"] }

[[policies]]
name = "no-deletes"
severity = 2
conditions = [{ element = "cond-delete" }]
`

func newApplier(t *testing.T) (*Applier, *store.MockStore) {
	t.Helper()
	reg, err := catalog.New()
	require.NoError(t, err)
	st := store.NewMockStore()
	return NewApplier(st, reg, nil), st
}

func TestParse_YAML(t *testing.T) {
	t.Setenv("TEST_FILES_TOKEN", "files-token")

	m, err := Parse([]byte(sampleYAML), FormatYAML)
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	require.Len(t, m.Servers, 2)
	assert.Equal(t, "files-token", m.Servers[0].Token)
	assert.Equal(t, []string{"/srv"}, m.Servers[0].Transport.Args)
	assert.Equal(t, "global", m.Clients[0].Scope)
	assert.Equal(t, "generic", m.Clients[0].Type)
	require.Len(t, m.Policies, 1)
	assert.Equal(t, "no-deletes", m.Policies[0].ID)
	assert.Equal(t, "either", m.Policies[0].Origin)
	assert.Equal(t, "act-block", m.Policies[0].Action.ElementConfigID)
}

func TestParse_TOML(t *testing.T) {
	m, err := Parse([]byte(sampleTOML), FormatTOML)
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	assert.Equal(t, store.TransportStdio, m.Servers[0].Transport.Type)
	assert.Equal(t, []any{"delete_all"}, m.Elements[0].Config["names"])
	assert.Equal(t, "cond-delete", m.Policies[0].Conditions[0].ElementConfigID)
}

func TestParse_UnknownKeys(t *testing.T) {
	_, err := Parse([]byte("servers:\n  - name: a\n    tokn: x\n"), FormatYAML)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Parse([]byte("[[servers]]\nname = \"a\"\ntokn = \"x\"\n"), FormatTOML)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParse_Empty(t *testing.T) {
	m, err := Parse(nil, FormatYAML)
	require.NoError(t, err)
	assert.NoError(t, m.Validate())
}

func TestFormatFor(t *testing.T) {
	assert.Equal(t, FormatTOML, FormatFor("/etc/toolgate/manifest.TOML"))
	assert.Equal(t, FormatYAML, FormatFor("manifest.yaml"))
	assert.Equal(t, FormatYAML, FormatFor("manifest"))
}

func TestValidate(t *testing.T) {
	stdio := `transport: { type: stdio, command: x }`
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"missing server name", "servers: [{ token: t, " + stdio + " }]", "name is required"},
		{"duplicate server", "servers: [{ name: a, token: t1, " + stdio + " }, { name: a, token: t2, " + stdio + " }]", "duplicate name"},
		{"shared token", "servers: [{ name: a, token: t, " + stdio + " }, { name: b, token: t, " + stdio + " }]", "already used"},
		{"slash in name", "servers: [{ name: a/b, token: t, " + stdio + " }]", "must not contain"},
		{"bad class", "servers: [{ name: a, token: t, security_class: vm, " + stdio + " }]", "unknown security_class"},
		{"network over stdio", "servers: [{ name: a, token: t, security_class: network, " + stdio + " }]", "http transport"},
		{"container over http", "servers: [{ name: a, token: t, security_class: container, transport: { type: http, url: 'http://x' } }]", "stdio transport"},
		{"missing command", "servers: [{ name: a, token: t, transport: { type: stdio } }]", "requires a command"},
		{"client scope", "clients: [{ name: c, token: t, scope: team }]", "unknown scope"},
		{"element type", "elements: [{ id: e, type: filter, class: always }]", "condition or action"},
		{"duplicate element", "elements: [{ id: e, type: condition, class: always }, { id: e, type: condition, class: always }]", "duplicate id"},
		{"severity", "policies: [{ name: p, severity: 9 }]", "severity"},
		{"origin", "policies: [{ name: p, severity: 1, origin: both }]", "unknown origin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parse([]byte(tt.doc), FormatYAML)
			require.NoError(t, err)
			err = m.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApply_CreatesEverything(t *testing.T) {
	t.Setenv("TEST_FILES_TOKEN", "files-token")
	a, st := newApplier(t)
	ctx := context.Background()

	m, err := Parse([]byte(sampleYAML), FormatYAML)
	require.NoError(t, err)
	res, err := a.Apply(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Created)
	assert.Len(t, res.ServersChanged, 2)

	files, err := st.FindServerByName(ctx, "files")
	require.NoError(t, err)
	assert.Equal(t, store.SecurityContainer, files.SecurityClass)
	assert.True(t, files.Enabled)

	client, err := st.FindClientByToken(ctx, "laptop-token")
	require.NoError(t, err)
	ok, err := st.HasClientServer(ctx, client.ID, files.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	p, err := st.GetPolicy(ctx, "no-deletes")
	require.NoError(t, err)
	assert.Equal(t, store.SeverityHigh, p.Severity)
	assert.True(t, p.Enabled)
}

func TestApply_Idempotent(t *testing.T) {
	t.Setenv("TEST_FILES_TOKEN", "files-token")
	a, st := newApplier(t)
	ctx := context.Background()

	m, err := Parse([]byte(sampleYAML), FormatYAML)
	require.NoError(t, err)
	first, err := a.Apply(ctx, m)
	require.NoError(t, err)
	second, err := a.Apply(ctx, m)
	require.NoError(t, err)

	assert.Zero(t, second.Created)
	assert.Empty(t, second.ServersChanged)

	servers, err := st.ListServers(ctx)
	require.NoError(t, err)
	assert.Len(t, servers, 2)

	files, err := st.FindServerByName(ctx, "files")
	require.NoError(t, err)
	assert.Contains(t, first.ServersChanged, files.ID)
}

func TestApply_ServerChangeIsReported(t *testing.T) {
	a, st := newApplier(t)
	ctx := context.Background()

	m, err := Parse([]byte(sampleTOML), FormatTOML)
	require.NoError(t, err)
	_, err = a.Apply(ctx, m)
	require.NoError(t, err)
	before, err := st.FindServerByName(ctx, "files")
	require.NoError(t, err)

	disabled := false
	m.Servers[0].Enabled = &disabled
	m.Servers[0].Transport.Args = []string{"--read-only"}
	res, err := a.Apply(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, []string{before.ID}, res.ServersChanged)

	after, err := st.FindServerByName(ctx, "files")
	require.NoError(t, err)
	assert.False(t, after.Enabled)
	assert.Equal(t, before.ID, after.ID)
}

func TestApply_RejectsBeforeWriting(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown class", `
elements: [{ id: e, type: condition, class: telepathy }]
`},
		{"missing element", `
policies: [{ name: p, severity: 1, conditions: [{ element: ghost }] }]
`},
		{"wrong element type", `
elements: [{ id: e, type: condition, class: always }]
policies: [{ name: p, severity: 1, action: { element: e } }]
`},
		{"bad params", `
elements: [{ id: e, type: condition, class: regex, config: { pattern: "(" } }]
policies: [{ name: p, severity: 1, conditions: [{ element: e }] }]
`},
		{"unknown client server", `
servers: [{ name: a, token: t, transport: { type: stdio, command: x } }]
clients: [{ name: c, token: ct, servers: [b] }]
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, st := newApplier(t)
			m, err := Parse([]byte(tt.doc), FormatYAML)
			require.NoError(t, err)

			_, err = a.Apply(context.Background(), m)
			require.ErrorIs(t, err, ErrInvalid)

			servers, _ := st.ListServers(context.Background())
			policies, _ := st.ListPolicies(context.Background())
			elements, _ := st.ListPolicyElements(context.Background())
			assert.Empty(t, servers)
			assert.Empty(t, policies)
			assert.Empty(t, elements)
		})
	}
}

func TestApply_UsesStoredElements(t *testing.T) {
	a, st := newApplier(t)
	ctx := context.Background()
	require.NoError(t, st.CreatePolicyElement(ctx, &store.PolicyElement{
		ConfigID: "stored", ElementType: store.ElementCondition, ClassName: "always", Name: "stored", Enabled: true,
	}))

	m, err := Parse([]byte(`policies: [{ name: p, severity: 3, conditions: [{ element: stored }] }]`), FormatYAML)
	require.NoError(t, err)
	_, err = a.Apply(ctx, m)
	require.NoError(t, err)
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	a, st := newApplier(t)
	path := filepath.Join(t.TempDir(), "manifest.toml")
	writeFile(t, path, sampleTOML)

	applied := make(chan *Result, 4)
	w := NewWatcher(path, a, func(_ context.Context, res *Result) error {
		applied <- res
		return nil
	}, nil)
	w.debounce = 20 * time.Millisecond

	_, err := w.Reload(context.Background())
	require.NoError(t, err)
	<-applied

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// give the watcher time to register before writing
	time.Sleep(50 * time.Millisecond)
	writeFile(t, path, sampleTOML+`
[[servers]]
name = "second"
token = "second-token"
[servers.transport]
type = "stdio"
command = "mcp-second"
`)

	select {
	case res := <-applied:
		assert.Len(t, res.ServersChanged, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("manifest was not reloaded")
	}
	_, err = st.FindServerByName(context.Background(), "second")
	assert.NoError(t, err)
}

func TestWatcher_BrokenManifestKeepsState(t *testing.T) {
	a, st := newApplier(t)
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	writeFile(t, path, "servers: [{ name: a, token: t, transport: { type: stdio } }]")

	w := NewWatcher(path, a, nil, nil)
	_, err := w.Reload(context.Background())
	require.ErrorIs(t, err, ErrInvalid)

	servers, err := st.ListServers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, servers)
}
