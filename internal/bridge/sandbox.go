// ABOUTME: Sandbox runner that rewrites a stdio launch into a container run
// ABOUTME: container runs the command in an image; wrapped adds a wrapper entrypoint

package bridge

import (
	"regexp"
	"sort"

	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/store"
)

// ContainerPrefix prefixes every container name the sandbox creates.
const ContainerPrefix = "toolgate-"

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// Sandbox builds container launches for sandboxed endpoints.
type Sandbox struct {
	cfg config.ContainerConfig
}

// NewSandbox creates a sandbox runner from the container configuration.
func NewSandbox(cfg config.ContainerConfig) *Sandbox {
	if cfg.Runtime == "" {
		cfg.Runtime = config.DefaultContainerRuntime
	}
	if cfg.Image == "" {
		cfg.Image = config.DefaultContainerImage
	}
	return &Sandbox{cfg: cfg}
}

// ContainerName returns the container name used for a server id.
func ContainerName(serverID string) string {
	return ContainerPrefix + unsafeNameChars.ReplaceAllString(serverID, "_")
}

// Spec returns the launch for srv. Unsandboxed classes run the command directly.
func (s *Sandbox) Spec(srv *store.Server) (LaunchSpec, error) {
	t := srv.Transport
	if !srv.SecurityClass.Sandboxed() {
		return LaunchSpec{
			Name:    srv.Name,
			Command: t.Command,
			Args:    append([]string(nil), t.Args...),
			Env:     t.Env,
			Dir:     t.Cwd,
		}, nil
	}
	wrapped := srv.SecurityClass == store.SecurityWrapped
	if wrapped && s.cfg.WrapperEntrypoint == "" {
		return LaunchSpec{}, ErrNoWrapper
	}

	name := ContainerName(srv.ID)
	args := []string{"run", "-i", "--rm", "--name", name}
	if s.cfg.Network != "" {
		args = append(args, "--network", s.cfg.Network)
	}
	if t.Cwd != "" {
		args = append(args, "--workdir", t.Cwd)
	}
	for _, k := range sortedKeys(t.Env) {
		args = append(args, "-e", k+"="+t.Env[k])
	}
	args = append(args, s.cfg.ExtraArgs...)
	args = append(args, s.cfg.Image)
	if wrapped {
		args = append(args, s.cfg.WrapperEntrypoint)
	}
	args = append(args, t.Command)
	args = append(args, t.Args...)

	return LaunchSpec{
		Name:        srv.Name,
		Command:     s.cfg.Runtime,
		Args:        args,
		CleanupArgs: []string{"rm", "-f", name},
	}, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
