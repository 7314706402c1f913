// ABOUTME: Interactive config file generation for nimrod-master
// ABOUTME: Generates the master secret and admin JWT secret with crypto/rand

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/nimrod-master/internal/auth"
	"github.com/2389/nimrod-master/internal/config"
)

func randomSecret(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	return b, nil
}

// configTemplate holds the answers collected by runInit.
type configTemplate struct {
	GRPCAddr     string
	HTTPAddr     string
	DBPath       string
	RedisAddr    string
	MasterSecret string
	JWTSecret    string
	AppID        string
	LogLevel     string
	LogFormat    string
}

func (t configTemplate) render() string {
	var b strings.Builder
	b.WriteString("# nimrod-master configuration\n")
	b.WriteString("# Generated by nimrod-master init\n\n")

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  grpc_addr: %q\n", t.GRPCAddr)
	fmt.Fprintf(&b, "  http_addr: %q\n\n", t.HTTPAddr)

	b.WriteString("database:\n")
	fmt.Fprintf(&b, "  path: %q\n\n", t.DBPath)

	if t.RedisAddr != "" {
		b.WriteString("redis:\n")
		fmt.Fprintf(&b, "  addr: %q\n", t.RedisAddr)
		b.WriteString("  key_prefix: \"nimrod:\"\n\n")
	}

	b.WriteString("auth:\n")
	fmt.Fprintf(&b, "  master_secret: %q\n", t.MasterSecret)
	fmt.Fprintf(&b, "  jwt_secret: %q\n", t.JWTSecret)
	fmt.Fprintf(&b, "  app_id: %q\n", t.AppID)
	fmt.Fprintf(&b, "  algorithm: %q\n", auth.AlgorithmSHA256)
	b.WriteString("  replay_window: \"5m\"\n\n")

	b.WriteString("agents:\n")
	b.WriteString("  tick_interval: \"1s\"\n")
	b.WriteString("  heartbeat_interval: \"30s\"\n")
	b.WriteString("  missed_threshold: 3\n")
	b.WriteString("  expiry_retry_interval: \"10s\"\n")
	b.WriteString("  expiry_retry_count: 5\n\n")

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", t.LogLevel)
	fmt.Fprintf(&b, "  format: %q\n\n", t.LogFormat)

	b.WriteString("metrics:\n")
	b.WriteString("  enabled: true\n")
	b.WriteString("  path: \"/metrics\"\n")
	return b.String()
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("nimrod-master configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := strings.ToLower(prompt(reader, "File exists. Overwrite?", "no"))
		if overwrite != "yes" && overwrite != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	master, err := randomSecret(32)
	if err != nil {
		return err
	}
	jwt, err := randomSecret(32)
	if err != nil {
		return err
	}

	fmt.Println("\n--- Server Configuration ---")
	t := configTemplate{
		GRPCAddr:     prompt(reader, "gRPC address", "localhost:50051"),
		HTTPAddr:     prompt(reader, "HTTP address", "localhost:8080"),
		MasterSecret: hex.EncodeToString(master),
		JWTSecret:    base64.StdEncoding.EncodeToString(jwt),
	}

	fmt.Println("\n--- Storage Configuration ---")
	t.DBPath = prompt(reader, "SQLite database path", config.Default().Database.Path)
	t.RedisAddr = prompt(reader, "Redis address for the replay ledger (empty for in-memory)", "")

	fmt.Println("\n--- Signing Configuration ---")
	t.AppID = prompt(reader, "Application id", "nimrod")

	fmt.Println("\n--- Logging Configuration ---")
	t.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	t.LogFormat = prompt(reader, "Log format (text/json)", "text")

	content := t.render()
	if _, err := config.Parse([]byte(content), false); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// Holds secrets.
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	dataDir := filepath.Dir(t.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Println("  nimrod-master serve")
	fmt.Println("\nTo mint an admin token:")
	fmt.Println("  nimrod-master token --subject you")
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
