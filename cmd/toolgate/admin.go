// ABOUTME: Client-side commands: validate, hash-token, token, health and bridge control
// ABOUTME: Talks to a running gateway over HTTP and the BridgeControl gRPC service

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/catalog"
	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/gateway"
	"github.com/2389/toolgate/internal/manifest"
	"github.com/2389/toolgate/internal/store"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [manifest]",
		Short: "Check the config and the policy manifest without applying it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rf.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			green := color.New(color.FgGreen)
			green.Fprintf(cmd.OutOrStdout(), "  ✓ Config: %s\n", rf.configPath)

			path := cfg.Policies.Manifest
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return nil
			}
			if err := checkManifest(cmd.Context(), cfg, path); err != nil {
				return err
			}
			green.Fprintf(cmd.OutOrStdout(), "  ✓ Manifest: %s\n", path)
			return nil
		},
	}
}

// checkManifest resolves the manifest against the configured store, so
// policies may reference elements that are already stored.
func checkManifest(ctx context.Context, cfg *config.Config, path string) error {
	m, err := manifest.Load(path)
	if err != nil {
		return err
	}

	target := cfg.Database.Path
	if cfg.Database.Driver == string(store.DialectPostgres) {
		target = cfg.Database.DSN
	}
	st, err := store.Open(cfg.Database.Driver, target)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	reg, err := catalog.New()
	if err != nil {
		return fmt.Errorf("building catalog: %w", err)
	}
	return manifest.NewApplier(st, reg, nil).Check(ctx, m)
}

func hashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the bcrypt hash to use as auth.admin_token_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

// httpBase returns the gateway base URL: TOOLGATE_URL, else server.http_addr.
func httpBase() (string, error) {
	if u := os.Getenv("TOOLGATE_URL"); u != "" {
		return u, nil
	}
	cfg, err := config.Load(rf.configPath)
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	return "http://" + cfg.Server.HTTPAddr, nil
}

func tokenCmd() *cobra.Command {
	var req gateway.TokenRequest
	cmd := &cobra.Command{
		Use:   "token <serverRef>",
		Short: "Request a trust token and connection config for a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := httpBase()
			if err != nil {
				return err
			}
			req.ServerRef = args[0]
			if req.User == "" {
				req.User = os.Getenv("USER")
			}
			body, err := json.Marshal(req)
			if err != nil {
				return err
			}

			resp, err := doHTTP(cmd.Context(), http.MethodPost, base+"/api/token", bytes.NewReader(body))
			if err != nil {
				return err
			}
			var out bytes.Buffer
			if err := json.Indent(&out, resp, "", "  "); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&req.User, "user", "", "user the token is issued to (defaults to $USER)")
	cmd.Flags().StringVar(&req.ClientToken, "client-token", os.Getenv("TOOLGATE_CLIENT_TOKEN"), "client credential (defaults to TOOLGATE_CLIENT_TOKEN)")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check gateway health and bridge readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := httpBase()
			if err != nil {
				return err
			}
			if _, err := doHTTP(cmd.Context(), http.MethodGet, base+"/health", nil); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "healthy")

			ready, err := doHTTP(cmd.Context(), http.MethodGet, base+"/health/ready", nil)
			if err != nil {
				color.New(color.FgYellow).Fprintf(cmd.OutOrStdout(), "not ready: %v\n", err)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(ready))
			return nil
		},
	}
}

// doHTTP performs a request and returns the body of a 200 response.
func doHTTP(ctx context.Context, method, url string, body io.Reader) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, e.Error)
		}
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return data, nil
}

func bridgeCmd() *cobra.Command {
	var grpcAddr, adminToken string
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Control the endpoint bridge of a running gateway",
	}
	cmd.PersistentFlags().StringVar(&grpcAddr, "grpc", os.Getenv("TOOLGATE_GRPC"), "gateway gRPC address (defaults to TOOLGATE_GRPC, then server.grpc_addr)")
	cmd.PersistentFlags().StringVar(&adminToken, "admin-token", os.Getenv("TOOLGATE_ADMIN_TOKEN"), "admin token (defaults to TOOLGATE_ADMIN_TOKEN)")

	for _, method := range []string{"Start", "Stop", "Restart", "Status"} {
		cmd.AddCommand(&cobra.Command{
			Use:   strings.ToLower(method),
			Short: method + " the bridge",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				addr := grpcAddr
				if addr == "" {
					cfg, err := config.Load(rf.configPath)
					if err != nil {
						return fmt.Errorf("loading config: %w", err)
					}
					addr = cfg.Server.GRPCAddr
				}
				return runBridge(cmd.Context(), cmd.OutOrStdout(), addr, adminToken, method)
			},
		})
	}
	return cmd
}

// authContext adds the admin token to the outgoing metadata.
func authContext(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func runBridge(ctx context.Context, out io.Writer, addr, token, method string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(authContext(ctx, token), 30*time.Second)
	defer cancel()

	status, err := gateway.NewBridgeControlClient(conn).Call(ctx, method)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	printBridgeStatus(out, status)
	return nil
}

func printBridgeStatus(out io.Writer, status map[string]any) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	cyan := color.New(color.FgCyan)

	fmt.Fprintln(out)
	cyan.Fprintln(out, "  Bridge")
	cyan.Fprintln(out, "  ------")
	if running, _ := status["running"].(bool); running {
		green.Fprintln(out, "  Running:   yes")
	} else {
		red.Fprintln(out, "  Running:   no")
	}
	if conf, ok := status["configuration"].(map[string]any); ok {
		fmt.Fprintf(out, "  URL:       %v\n", conf["url"])
		fmt.Fprintf(out, "  Endpoints: %v\n", conf["endpoints"])
	}
	if failed, ok := status["failed"].([]any); ok && len(failed) > 0 {
		red.Fprintf(out, "  Failed:    %d\n", len(failed))
		for _, f := range failed {
			if m, ok := f.(map[string]any); ok {
				fmt.Fprintf(out, "    %v: %v\n", m["name"], m["error"])
			}
		}
	}
	fmt.Fprintln(out)
}
