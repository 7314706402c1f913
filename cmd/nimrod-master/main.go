// ABOUTME: Entry point for the nimrod-master agent control server
// ABOUTME: Serves agents and the admin API, plus small client commands against a running master

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/nimrod-master/internal/agent"
	"github.com/2389/nimrod-master/internal/auth"
	"github.com/2389/nimrod-master/internal/config"
	"github.com/2389/nimrod-master/internal/gateway"
)

// Version is set at build time.
var version = "dev"

// envToken names the variable holding the admin bearer token for client commands.
const envToken = "NIMROD_TOKEN"

const banner = `
       _                     _                            _
 _ __ (_)_ __ ___  _ __ ___   __| |      _ __ ___   __ _ ___| |_ ___ _ __
| '_ \| | '_ ' _ \| '__/ _ \ / _' |_____| '_ ' _ \ / _' / __| __/ _ \ '__|
| | | | | | | | | | | | (_) | (_| |_____| | | | | | (_| \__ \ ||  __/ |
|_| |_|_|_| |_| |_|_|  \___/ \__,_|     |_| |_| |_|\__,_|___/\__\___|_|
`

func usage() {
	fmt.Println("Usage: nimrod-master <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the master")
	fmt.Println("  init                           Create a new config file interactively")
	fmt.Println("  token --subject S [--ttl D]    Mint an admin bearer token")
	fmt.Println("  health                         Check master health")
	fmt.Println("  agents [--all]                 List agents")
	fmt.Println()
	fmt.Printf("The config file is read from $%s or %s.\n", config.EnvConfigPath, config.DefaultPath())
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, closeLog, err := setupLogger(cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}
	defer closeLog()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Signing:   %s", cfg.SigningAlgorithm())
	gray.Printf(" (app %s)\n", cfg.Auth.AppID)
	if cfg.Redis.Enabled() {
		green.Print("    ▶ ")
		fmt.Printf("Replay:    redis %s\n", cfg.Redis.Addr)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! admin API is unauthenticated")
	}
	fmt.Println()

	logger.Info("starting nimrod-master",
		"version", version,
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "token subject (who is calling)")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*subject) == "" {
		return errors.New("--subject is required")
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(*subject, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

// adminGet performs an authenticated GET against the configured master.
func adminGet(ctx context.Context, cfg *config.Config, path string) ([]byte, error) {
	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if token := os.Getenv(envToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if _, err := adminGet(ctx, cfg, "/health/ready"); err != nil {
		return fmt.Errorf("unhealthy: %w", err)
	}
	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("agents", flag.ContinueOnError)
	all := fs.Bool("all", false, "include agents no longer tracked")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	path := "/api/agents"
	if *all {
		path += "?all=true"
	}
	body, err := adminGet(ctx, cfg, path)
	if err != nil {
		return err
	}

	var recs []struct {
		ID            string    `json:"id"`
		State         string    `json:"state"`
		Queue         string    `json:"queue"`
		LastHeardFrom time.Time `json:"last_heard_from"`
	}
	if err := json.Unmarshal(body, &recs); err != nil {
		return fmt.Errorf("decoding agents: %w", err)
	}
	if len(recs) == 0 {
		fmt.Println("no agents")
		return nil
	}

	for _, r := range recs {
		state := r.State
		switch state {
		case agent.StateReady.String():
			state = color.GreenString(state)
		case agent.StateBusy.String():
			state = color.CyanString(state)
		case agent.StateShutdown.String():
			state = color.HiBlackString(state)
		default:
			state = color.YellowString(state)
		}
		heard := "never"
		if !r.LastHeardFrom.IsZero() {
			heard = time.Since(r.LastHeardFrom).Round(time.Second).String() + " ago"
		}
		fmt.Printf("%s  %-26s  %-12s  %s\n", r.ID, state, r.Queue, heard)
	}
	return nil
}
