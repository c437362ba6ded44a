// ABOUTME: Entry point for the desk-gateway support chat server
// ABOUTME: Serves user and agent WebSockets and manages agent accounts

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/2389/desk-gateway/internal/auth"
	"github.com/2389/desk-gateway/internal/client"
	"github.com/2389/desk-gateway/internal/config"
	"github.com/2389/desk-gateway/internal/gateway"
	"github.com/2389/desk-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _           _                     _
  __| | ___  ___| | __      __ _  __ _| |_ _____      ____ _ _   _
 / _' |/ _ \/ __| |/ /____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_| |  __/\__ \   <_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \__,_|\___||___/_|\_\     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                           |___/                             |___/
`

func usage() {
	fmt.Println("Usage: desk-gateway <command> [--config PATH]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Start the gateway server")
	fmt.Println("  init                   Create a new config file interactively")
	fmt.Println("  health                 Check gateway health")
	fmt.Println("  agents                 List agents and their presence")
	fmt.Println("  token --agent NAME     Register an agent if needed and print a token")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "loaded .env")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "init":
		err = runInit(os.Args[2:])
	case "health":
		err = runHealth(ctx, os.Args[2:])
	case "agents":
		err = runAgents(ctx, os.Args[2:])
	case "token":
		err = runToken(ctx, os.Args[2:])
	case "-h", "--help", "help":
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

// parseFlags parses args for a subcommand and returns the resolved config path.
func parseFlags(name string, args []string, extra func(fs *pflag.FlagSet)) (string, error) {
	var configFlag string
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVarP(&configFlag, "config", "c", "", "config file (default: $DESK_CONFIG or ~/.config/desk/gateway.yaml)")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() > 0 {
		return "", fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return config.ResolvePath(configFlag), nil
}

func loadConfig(name string, args []string, extra func(fs *pflag.FlagSet)) (*config.Config, string, error) {
	configPath, err := parseFlags(name, args, extra)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context, args []string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig("serve", args, nil)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("History:   ")
	cyan.Print(cfg.History.Backend)
	if cfg.History.Backend == config.HistoryRedis {
		gray.Printf(" (%s)", redactURL(cfg.History.RedisURL))
	}
	fmt.Println()
	if len(cfg.Server.AllowedOrigins) == 0 {
		green.Print("    ▶ ")
		fmt.Print("Origins:   ")
		yellow.Println("same-origin only")
	}
	fmt.Println()

	logger.Info("starting desk-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"history", cfg.History.Backend,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// redactURL hides credentials in a connection URL.
func redactURL(raw string) string {
	at := strings.LastIndex(raw, "@")
	scheme := strings.Index(raw, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return raw
	}
	return raw[:scheme+3] + "***" + raw[at:]
}

func runHealth(ctx context.Context, args []string) error {
	cfg, _, err := loadConfig("health", args, nil)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context, args []string) error {
	cfg, _, err := loadConfig("agents", args, nil)
	if err != nil {
		return err
	}

	api, err := client.NewAPI("http://"+cfg.Server.HTTPAddr, nil)
	if err != nil {
		return err
	}
	agents, err := api.Agents(ctx)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}

	if len(agents) == 0 {
		fmt.Println("no agents registered")
		return nil
	}
	for _, a := range agents {
		if a.IsOnline {
			color.New(color.FgGreen).Print("● ")
		} else {
			color.New(color.FgHiBlack).Print("○ ")
		}
		fmt.Printf("%-24s %s", a.Username, a.Status)
		if !a.IsOnline && !a.LastSeen.IsZero() {
			color.New(color.FgHiBlack).Printf("  last seen %s", a.LastSeen.Local().Format(time.DateTime))
		}
		fmt.Println()
	}
	return nil
}

// runToken registers the agent when it does not exist yet and prints a
// bearer token for it. A generated password is printed once.
func runToken(ctx context.Context, args []string) error {
	var agentName, password string
	var ttl time.Duration
	cfg, _, err := loadConfig("token", args, func(fs *pflag.FlagSet) {
		fs.StringVarP(&agentName, "agent", "a", "", "agent username (required)")
		fs.StringVarP(&password, "password", "p", "", "password for a new agent (default: generated)")
		fs.DurationVar(&ttl, "ttl", 0, "token lifetime (default: auth.token_ttl)")
	})
	if err != nil {
		return err
	}
	if agentName == "" {
		return fmt.Errorf("--agent is required")
	}
	if ttl > 0 {
		cfg.Auth.TokenTTL = ttl
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	accounts := auth.NewAccounts(s, auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)), auth.AccountsConfig{
		TokenTTL:          cfg.Auth.TokenTTL,
		MaxUsernameLength: cfg.Sessions.MaxUsernameLength,
	}, setupLogger(config.LoggingConfig{Level: "warn", Format: "text"}))

	green := color.New(color.FgGreen)

	_, err = s.GetAgentByUsername(ctx, agentName)
	switch {
	case errors.Is(err, store.ErrNotFound):
		generated := password == ""
		if generated {
			if password, err = randomSecret(18); err != nil {
				return err
			}
		}
		if _, err := accounts.Register(ctx, agentName, password); err != nil {
			return fmt.Errorf("registering agent: %w", err)
		}
		green.Fprintf(os.Stderr, "  ✓ Registered agent: %s\n", agentName)
		if generated {
			fmt.Fprintf(os.Stderr, "    password: %s\n", password)
		}
	case err != nil:
		return fmt.Errorf("looking up agent: %w", err)
	}

	token, err := accounts.IssueToken(agentName)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func runInit(args []string) error {
	defaultConfigPath, err := parseFlags("init", args, nil)
	if err != nil {
		return err
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Println("desk-gateway configuration setup")
	fmt.Println("================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "127.0.0.1:8080")
	grpcAddr := prompt(reader, "gRPC health address (empty to disable)", "")
	origins := prompt(reader, "Allowed browser origins (comma separated, * for any)", "")

	fmt.Println("\n--- Storage Configuration ---")
	dbPath := prompt(reader, "SQLite database path", filepath.Join(filepath.Dir(outputFile), "desk.db"))
	backend := prompt(reader, "History backend (sqlite/redis)", config.HistorySQLite)
	var redisURL string
	if backend == config.HistoryRedis {
		redisURL = prompt(reader, "Redis URL", "redis://localhost:6379/0")
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	secret, err := randomSecret(32)
	if err != nil {
		return err
	}

	var cfg strings.Builder
	cfg.WriteString("# desk-gateway configuration\n")
	cfg.WriteString("# Generated by desk-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	if grpcAddr != "" {
		cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", grpcAddr))
	}
	if origins != "" {
		cfg.WriteString("  allowed_origins:\n")
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.WriteString(fmt.Sprintf("    - %q\n", o))
			}
		}
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("history:\n")
	cfg.WriteString(fmt.Sprintf("  backend: %q\n", backend))
	if redisURL != "" {
		cfg.WriteString(fmt.Sprintf("  redis_url: %q\n", redisURL))
	}
	cfg.WriteString("  limit: 200\n")
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", secret))
	cfg.WriteString("  token_ttl: \"24h\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("sessions:\n")
	cfg.WriteString("  outbound_queue_size: 64\n")
	cfg.WriteString("  write_timeout: \"10s\"\n")
	cfg.WriteString("  typing_quiet_window: \"1s\"\n")
	cfg.WriteString("  max_username_length: 64\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nNext steps:")
	fmt.Printf("  desk-gateway token --config %s --agent support   # create an agent\n", outputFile)
	fmt.Printf("  desk-gateway serve --config %s\n", outputFile)

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
