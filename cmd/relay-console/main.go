// ABOUTME: Operator CLI for the relay admin console backend
// ABOUTME: Drives login, user listing, and live channel watching from a terminal

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/relay-console/internal/api"
	"github.com/2389/relay-console/internal/channel"
	"github.com/2389/relay-console/internal/clientinfo"
	"github.com/2389/relay-console/internal/config"
	"github.com/2389/relay-console/internal/session"
	"github.com/2389/relay-console/internal/state"
	"github.com/2389/relay-console/internal/storage"
	"github.com/2389/relay-console/internal/token"
)

// version is overridden at build time via -ldflags.
var version = "dev"

const banner = `
           _                                          _
  _ __ ___| | __ _ _   _        ___ ___  _ __  ___  ___ | | ___
 | '__/ _ \ |/ _' | | | |_____ / __/ _ \| '_ \/ __|/ _ \| |/ _ \
 | | |  __/ | (_| | |_| |_____| (_| (_) | | | \__ \ (_) | |  __/
 |_|  \___|_|\__,_|\__, |      \___\___/|_| |_|___/\___/|_|\___|
                   |___/
`

// getConfigPath returns the path to the console config file.
// Priority: RELAY_CONSOLE_CONFIG env var > ~/.config/relay-console/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RELAY_CONSOLE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "relay-console", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return
	}
	if cmd == "version" {
		fmt.Printf("relay-console %s\n", version)
		return
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(setupLogger(cfg.Logging))

	app, err := newApp(cfg)
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	switch cmd {
	case "login":
		err = app.cmdLogin()
	case "logout":
		err = app.cmdLogout()
	case "whoami":
		err = app.cmdWhoami()
	case "users":
		err = app.cmdUsers(args)
	case "status":
		err = app.cmdStatus()
	case "watch":
		err = app.cmdWatch()
	case "logs":
		err = app.cmdLogs()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: relay-console <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  login               Authenticate and persist the session")
	fmt.Println("  logout              End the session and clear local state")
	fmt.Println("  whoami              Show the authenticated user record")
	fmt.Println("  users [page]        List user records")
	fmt.Println("  status              Show session and channel status")
	fmt.Println("  watch               Stream live notifications until interrupted")
	fmt.Println("  logs                Show recent persisted debug log entries")
	fmt.Println("  version             Print the version")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  RELAY_CONSOLE_CONFIG   Config file path (default: ~/.config/relay-console/config.yaml)")
	fmt.Println()
}

// app wires the client components together for one CLI invocation.
type app struct {
	cfg         *config.Config
	store       *storage.Store
	apiClient   *api.Client
	tokens      *token.Cache
	transport   *channel.Transport
	coordinator *session.Coordinator
}

func newApp(cfg *config.Config) (*app, error) {
	logger := slog.Default()

	storePath := cfg.Storage.Path
	if storePath == "" {
		storePath = filepath.Join(dataDir(), "state.db")
	}
	store, err := storage.New(storePath)
	if err != nil {
		return nil, fmt.Errorf("opening local storage: %w", err)
	}

	a := &app{cfg: cfg, store: store}

	apiClient := api.New(cfg.API.BaseURL, cfg.API.RequestTimeout, logger,
		api.WithTokenSource(func() string {
			if a.coordinator == nil {
				return ""
			}
			return a.coordinator.Token()
		}))
	tokens := token.New(func(ctx context.Context) (string, error) {
		resp, err := apiClient.CSRFToken(ctx)
		if err != nil {
			return "", err
		}
		if !resp.OK() {
			return "", fmt.Errorf("fetching csrf token: %s", resp.Errmsg)
		}
		return resp.CSRFToken, nil
	}, 0, logger)
	apiClient.SetCSRFSource(tokens.Get)

	a.apiClient = apiClient
	a.tokens = tokens
	a.transport = channel.New(cfg.Channel, func() string {
		return a.coordinator.Token()
	}, logger)
	a.coordinator = session.New(apiClient, tokens, a.transport, store,
		clientinfo.New("", logger), logger)

	return a, nil
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
}

// restore loads any persisted session before a command runs.
func (a *app) restore() {
	a.coordinator.InitFromStorage(context.Background())
}

func (a *app) cmdLogin() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Print("Username: ")
	username, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading username: %w", err)
	}
	fmt.Print("Password: ")
	password, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}

	result := a.coordinator.Login(context.Background(), session.Credentials{
		Username: strings.TrimSpace(username),
		Password: strings.TrimSpace(password),
	})
	if !result.Success {
		return fmt.Errorf("%s", result.Message)
	}

	color.Green("%s\n", result.Message)
	return nil
}

func (a *app) cmdLogout() error {
	a.restore()
	a.coordinator.Logout(context.Background())
	color.Green("Logged out\n")
	return nil
}

func (a *app) cmdWhoami() error {
	a.restore()
	if !a.coordinator.CheckAuth(context.Background()) {
		return fmt.Errorf("not authenticated, run: relay-console login")
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Identity")
	cyan.Println("  --------")
	fmt.Printf("  %s\n", indentJSON(a.coordinator.User()))
	fmt.Println()
	return nil
}

func (a *app) cmdUsers(args []string) error {
	a.restore()
	if !a.coordinator.IsAuthenticated() {
		return fmt.Errorf("not authenticated, run: relay-console login")
	}

	page := 1
	if len(args) > 0 {
		if _, err := fmt.Sscanf(args[0], "%d", &page); err != nil {
			return fmt.Errorf("invalid page %q", args[0])
		}
	}

	resp, err := a.apiClient.ListUsers(context.Background(), page, 20)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("%s", resp.Errmsg)
	}

	color.Cyan("Users (page %d, total %d)\n", page, resp.Total)
	for _, u := range resp.Users {
		fmt.Printf("  %s\n", string(u))
	}
	return nil
}

func (a *app) cmdStatus() error {
	a.restore()

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Status")
	cyan.Println("  ------")
	fmt.Printf("  API:            %s\n", a.cfg.API.BaseURL)
	fmt.Printf("  Channel:        %s\n", a.cfg.Channel.URL)
	if a.coordinator.IsAuthenticated() {
		color.Green("  Session:        authenticated\n")
	} else {
		color.Yellow("  Session:        not authenticated\n")
	}
	fmt.Printf("  Channel state:  %s\n", a.transport.Status().State)
	fmt.Println()
	return nil
}

func (a *app) cmdWatch() error {
	a.restore()
	if !a.coordinator.IsAuthenticated() {
		return fmt.Errorf("not authenticated, run: relay-console login")
	}

	store := state.New(slog.Default())
	unbind := store.Bind(a.transport)
	defer unbind()

	a.transport.On(channel.EventNotification, func(payload json.RawMessage) {
		color.Cyan("notification  %s\n", string(payload))
	})
	a.transport.On(channel.EventSystemMsg, func(payload json.RawMessage) {
		color.Yellow("system        %s\n", string(payload))
	})
	a.transport.On(channel.EventUserUpdate, func(payload json.RawMessage) {
		color.Green("user update   %s\n", string(payload))
	})
	done := make(chan struct{}, 1)
	a.transport.On(channel.EventReconnectFailed, func(json.RawMessage) {
		color.Red("channel reconnection failed, exiting\n")
		select {
		case done <- struct{}{}:
		default:
		}
	})

	if err := a.transport.Connect(context.Background(), ""); err != nil {
		return fmt.Errorf("connecting channel: %w", err)
	}
	color.Green("Connected, watching for events (Ctrl-C to stop)\n")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-done:
	}

	a.transport.Disconnect()
	fmt.Printf("\nUnread notifications: %d\n", store.UnreadCount())
	return nil
}

func (a *app) cmdLogs() error {
	entries, err := a.store.RecentLogs(context.Background(), 50)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s  %-5s  %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Level, e.Message)
	}
	return nil
}

// dataDir returns the local data directory for relay-console.
// Priority: XDG_DATA_HOME/relay-console > ~/.local/share/relay-console
func dataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dir, "relay-console")
}

// indentJSON pretty-prints a raw JSON value for terminal display.
func indentJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "  ", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
