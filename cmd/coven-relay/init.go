// ABOUTME: Interactive setup that writes a starter coven-relay config file
// ABOUTME: Prompts for the agent transport and optional Matrix credentials

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-relay/internal/config"
)

type prompter struct {
	reader *bufio.Reader
	green  *color.Color
}

func (p *prompter) ask(question, fallback string) string {
	p.green.Print("    ▶ ")
	if fallback != "" {
		fmt.Printf("%s [%s]: ", question, fallback)
	} else {
		fmt.Printf("%s: ", question)
	}
	answer, _ := p.reader.ReadString('\n')
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return fallback
	}
	return answer
}

// initialConfig gathers answers into a config ready to be marshalled.
func initialConfig(p *prompter) config.Config {
	var cfg config.Config

	cfg.Agent.Transport = p.ask("Agent transport (grpc or process)", config.TransportGRPC)
	if cfg.Agent.Transport == config.TransportProcess {
		cfg.Agent.Command = p.ask("Agent command", config.DefaultCommand)
		cfg.Agent.WorkingDir = p.ask("Agent working directory", "")
		cfg.Agent.PermissionMode = p.ask("Permission mode", config.DefaultPermissionMode)
	} else {
		cfg.Agent.Address = p.ask("Agent address", config.DefaultAddress)
		if p.ask("Sign stream tokens with a shared secret? [y/N]", "n") == "y" {
			cfg.Agent.TokenSecret = "${COVEN_AGENT_SECRET}"
		}
		cfg.Agent.ConnectTimeoutRaw = config.DefaultConnectTimeout.String()
	}
	cfg.Agents.TurnTimeoutRaw = config.DefaultTurnTimeout.String()

	if homeserver := p.ask("Matrix homeserver URL (empty to skip)", ""); homeserver != "" {
		cfg.Matrix.Homeserver = homeserver
		cfg.Matrix.UserID = p.ask("Matrix bot user ID", "")
		cfg.Matrix.AccessToken = "${MATRIX_ACCESS_TOKEN}"
		cfg.Matrix.CommandPrefix = p.ask("Command prefix (optional, e.g. '!agent')", "")
	}

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

func runInit(in io.Reader) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println("    Interactive Setup")
	fmt.Println("    -----------------")
	fmt.Println()

	configPath := config.DefaultPath()
	p := &prompter{reader: bufio.NewReader(in), green: green}

	if _, err := os.Stat(configPath); err == nil {
		yellow.Printf("    Config already exists at %s\n", configPath)
		if strings.ToLower(p.ask("Overwrite? [y/N]", "n")) != "y" {
			fmt.Println("    Aborted.")
			return nil
		}
		fmt.Println()
	}

	cfg := initialConfig(p)

	body, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	content := "# coven-relay configuration\n# Generated by coven-relay init\n\n" + string(body)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Println()
	green.Printf("    ✓ Config written to %s\n", configPath)
	fmt.Println()
	fmt.Println("    Next steps:")
	if cfg.Agent.TokenSecret != "" {
		fmt.Println("    -  export COVEN_AGENT_SECRET=<shared secret>")
	}
	if cfg.Matrix.Enabled() {
		fmt.Println("    -  export MATRIX_ACCESS_TOKEN=<bot access token>")
		fmt.Println("    -  Run: coven-relay serve")
	} else {
		fmt.Println("    -  Run: coven-relay chat")
	}
	fmt.Println()

	return nil
}
