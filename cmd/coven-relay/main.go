// ABOUTME: Entry point for coven-relay, the per-user agent session relay
// ABOUTME: Subcommands run the Matrix frontend, a local console, or write a starter config

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/chat"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/matrix"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                              _
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

func usage() {
	fmt.Println("Usage: coven-relay <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Run the Matrix frontend")
	fmt.Println("  chat      Talk to the agent from this terminal")
	fmt.Println("  init      Create a new config file interactively")
	fmt.Println("  version   Print the version")
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
	case "chat":
		err = runChat(ctx)
	case "init":
		err = runInit(os.Stdin)
	case "version":
		fmt.Println(version)
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

// loadConfig reads the config file, falling back to defaults when it does
// not exist.
func loadConfig() (*config.Config, string, error) {
	path := config.DefaultPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), "(defaults)", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func printStartup(cfg *config.Config, configPath string) {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Transport:  %s\n", cfg.Agent.Transport)
	green.Print("    ▶ ")
	if cfg.Agent.Transport == config.TransportProcess {
		fmt.Printf("Command:    %s\n", cfg.Agent.Command)
	} else {
		fmt.Printf("Agent:      %s\n", cfg.Agent.Address)
	}
	if cfg.Agent.TokenSecret != "" {
		green.Print("    ▶ ")
		fmt.Println("Tokens:     enabled")
	}
	if cfg.Matrix.Enabled() {
		green.Print("    ▶ ")
		fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	}
	fmt.Println()
}

func runServe(ctx context.Context) error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Matrix.Enabled() {
		return fmt.Errorf("matrix.homeserver is not configured; use 'coven-relay chat' for a local session")
	}

	printStartup(cfg, configPath)
	logger := setupLogger(cfg.Logging, os.Stdout)

	bot, err := matrix.New(matrix.Config{
		Homeserver:    cfg.Matrix.Homeserver,
		UserID:        cfg.Matrix.UserID,
		AccessToken:   cfg.Matrix.AccessToken,
		AllowedRooms:  cfg.Matrix.AllowedRooms,
		CommandPrefix: cfg.Matrix.CommandPrefix,
	}, logger)
	if err != nil {
		return err
	}

	client, cleanup, err := buildRelay(cfg, bot, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	logger.Info("starting coven-relay", "config", configPath, "transport", cfg.Agent.Transport)
	return bot.Run(ctx, chat.NewHandler(client, bot, logger))
}

func runChat(ctx context.Context) error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	printStartup(cfg, configPath)
	// Logs go to stderr so they do not interleave with the conversation.
	logger := setupLogger(cfg.Logging, os.Stderr)

	console := chat.NewConsole(os.Stdin, os.Stdout, cfg.Console.UserID, cfg.Console.OutboxDir, logger)

	client, cleanup, err := buildRelay(cfg, console, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Printf("    Type a message, %s for a fresh session, %s to exit.\n\n", chat.ResetCommand, chat.QuitCommand)
	return console.Run(ctx, chat.NewHandler(client, console, logger))
}
