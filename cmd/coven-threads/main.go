// ABOUTME: Entry point for the coven-threads server and its command line client
// ABOUTME: Dispatches serve, chat, threads, health, and token subcommands

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/coven-threads/internal/auth"
	"github.com/2389/coven-threads/internal/client"
	"github.com/2389/coven-threads/internal/config"
	"github.com/2389/coven-threads/internal/gateway"
	"github.com/2389/coven-threads/internal/telemetry"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                  _   _                        _
  ___ _____   _____ _ __         | |_| |__  _ __ ___  __ _  __| |___
 / __/ _ \ \ / / _ \ '_ \ _____  | __| '_ \| '__/ _ \/ _' |/ _' / __|
| (_| (_) \ V /  __/ | | |_____| | |_| | | | | |  __/ (_| | (_| \__ \
 \___\___/ \_/ \___|_| |_|        \__|_| |_|_|  \___|\__,_|\__,_|___/
`

const defaultServer = "http://127.0.0.1:8090"

func usage() {
	fmt.Println("Usage: coven-threads <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                   Start the conversation server")
	fmt.Println("  chat                    Interactive chat against a running server")
	fmt.Println("  threads                 List threads")
	fmt.Println("  health                  Check server health")
	fmt.Println("  token -sub NAME         Mint an API token from the configured jwt_secret")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "chat":
		err = runChat(ctx, args)
	case "threads":
		err = runThreads(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	case "token":
		err = runToken(args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultPath(), "Path to the config file (.yaml or .toml)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}
	line("Config", *configPath)
	line("HTTP", cfg.Server.HTTPAddr)
	line("Storage", cfg.Storage.Backend)
	line("Model", cfg.Model.Provider)
	line("Tools", strings.Join(cfg.Tools.Enabled, ", "))
	if cfg.Auth.JWTSecret == "" {
		green.Print("    ▶ ")
		fmt.Print("Auth:      ")
		yellow.Println("disabled")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	logger.Info("starting coven-threads",
		"config", *configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"storage", cfg.Storage.Backend,
		"model", cfg.Model.Provider,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// clientFlags registers the flags shared by client subcommands.
func clientFlags(fs *flag.FlagSet) *string {
	server := os.Getenv("COVEN_THREADS_SERVER")
	if server == "" {
		server = defaultServer
	}
	return fs.String("server", server, "Server URL")
}

func runThreads(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("threads", flag.ContinueOnError)
	server := clientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ids, err := client.New(*server, getToken()).ListThreads(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No threads.")
		return nil
	}
	for i, id := range ids {
		fmt.Printf("%3d  %s\n", i+1, id)
	}
	return nil
}

func runHealth(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	server := clientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := client.New(*server, getToken()).Health(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	fmt.Println("healthy")
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultPath(), "Path to the config file")
	subject := fs.String("sub", "", "Token subject")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("-sub is required")
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(*subject, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

// getToken returns the API token from COVEN_TOKEN or ~/.config/coven/token.
func getToken() string {
	if token := os.Getenv("COVEN_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "coven", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
