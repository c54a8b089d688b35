// ABOUTME: init command that writes a new gateway config interactively
// ABOUTME: Generates the trust token secret so a fresh install starts with a valid config

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new config file interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(bufio.NewReader(cmd.InOrStdin()), cmd.OutOrStdout(), rf.configPath)
		},
	}
}

// initAnswers holds everything runInit asks for.
type initAnswers struct {
	httpAddr    string
	grpcAddr    string
	dbPath      string
	bridgePort  string
	autostart   bool
	manifest    string
	tailscale   bool
	tsHostname  string
	tsEphemeral bool
	logLevel    string
	logFormat   string
	tokenSecret string
}

func runInit(reader *bufio.Reader, out io.Writer, defaultConfigPath string) error {
	fmt.Fprintln(out, "toolgate configuration setup")
	fmt.Fprintln(out, "============================")
	fmt.Fprintln(out)

	ask := func(question, defaultVal string) string {
		return prompt(reader, out, question, defaultVal)
	}

	outputFile := ask("Config file path", defaultConfigPath)
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(ask("File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	a.httpAddr = ask("HTTP address", "localhost:8080")
	a.grpcAddr = ask("gRPC address", "localhost:50051")

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	a.dbPath = ask("SQLite database path", filepath.Join(getDataPath(), "toolgate.db"))

	fmt.Fprintln(out, "\n--- Bridge Configuration ---")
	a.bridgePort = ask("Bridge port", "8931")
	a.autostart = yes(ask("Start endpoints on launch?", "yes"))
	a.manifest = ask("Policy manifest path (leave empty for none)", "")

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	a.tailscale = yes(ask("Enable Tailscale?", "no"))
	if a.tailscale {
		a.tsHostname = ask("Tailscale hostname", "toolgate")
		a.tsEphemeral = yes(ask("Ephemeral node?", "no"))
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	a.logLevel = ask("Log level (debug/info/warn/error)", "info")
	a.logFormat = ask("Log format (text/json)", "text")

	secret, err := generateSecret()
	if err != nil {
		return err
	}
	a.tokenSecret = secret

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// the file holds the token secret
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(a.dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Data directory: %s\n", dataDir)
	fmt.Fprintln(out, "\nTo protect bridge control, add an admin token hash:")
	fmt.Fprintln(out, "  toolgate hash-token <token>")
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  toolgate serve")
	return nil
}

func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating token secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# toolgate configuration\n")
	cfg.WriteString("# Generated by toolgate init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", a.httpAddr)
	fmt.Fprintf(&cfg, "  grpc_addr: %q\n", a.grpcAddr)
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString("  driver: \"sqlite\"\n")
	fmt.Fprintf(&cfg, "  path: %q\n", a.dbPath)
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  token_secret: %q\n", a.tokenSecret)
	cfg.WriteString("  token_ttl: \"5m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("bridge:\n")
	cfg.WriteString("  host: \"127.0.0.1\"\n")
	fmt.Fprintf(&cfg, "  port: %s\n", a.bridgePort)
	fmt.Fprintf(&cfg, "  autostart: %t\n", a.autostart)
	cfg.WriteString("  shutdown_grace: \"5s\"\n")
	cfg.WriteString("\n")

	if a.manifest != "" {
		cfg.WriteString("policies:\n")
		fmt.Fprintf(&cfg, "  manifest: %q\n", a.manifest)
		cfg.WriteString("  watch: true\n")
		cfg.WriteString("\n")
	}

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", a.tailscale)
	if a.tailscale {
		fmt.Fprintf(&cfg, "  hostname: %q\n", a.tsHostname)
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", a.tsEphemeral)
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", a.logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", a.logFormat)
	return cfg.String()
}

func yes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
