// ABOUTME: Interactive "coven-relay init" command that writes a starter config
// ABOUTME: Prompts for the Matrix account, model API key, listener and logging

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
)

// relaySettings is what runInit collects before rendering the config file.
type relaySettings struct {
	HTTPAddr         string
	DBPath           string
	DataDir          string
	JWTSecret        string
	AnthropicKey     string
	Homeserver       string
	Username         string
	Password         string
	RecoveryKey      string
	AllowedRooms     []string
	TailscaleEnabled bool
	TailscaleHost    string
	TailscaleAuthKey string
	LogLevel         string
	LogFormat        string
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-relay configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	defaultDataPath := getDataPath()

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var s relaySettings

	fmt.Println("\n--- Matrix Account ---")
	s.Homeserver = prompt(reader, "Homeserver URL", "https://matrix.org")
	s.Username = prompt(reader, "Username", "")
	s.Password = prompt(reader, "Password (use ${VAR} to read from the environment)", "${MATRIX_PASSWORD}")
	s.RecoveryKey = prompt(reader, "Recovery key for encrypted rooms (leave empty to skip)", "")
	if rooms := prompt(reader, "Allowed room ids, comma separated (empty for all)", ""); rooms != "" {
		for _, room := range strings.Split(rooms, ",") {
			if room = strings.TrimSpace(room); room != "" {
				s.AllowedRooms = append(s.AllowedRooms, room)
			}
		}
	}

	fmt.Println("\n--- Model API ---")
	s.AnthropicKey = prompt(reader, "Anthropic API key", "${ANTHROPIC_API_KEY}")

	fmt.Println("\n--- Admin API ---")
	s.HTTPAddr = prompt(reader, "HTTP address", "localhost:8080")
	if yes(prompt(reader, "Require bearer tokens?", "yes")) {
		secret, err := randomSecret()
		if err != nil {
			return err
		}
		s.JWTSecret = secret
	}

	fmt.Println("\n--- Storage ---")
	s.DBPath = prompt(reader, "SQLite database path", filepath.Join(defaultDataPath, "relay.db"))
	s.DataDir = prompt(reader, "Matrix crypto data directory", defaultDataPath)

	fmt.Println("\n--- Tailscale ---")
	s.TailscaleEnabled = yes(prompt(reader, "Enable Tailscale?", "no"))
	if s.TailscaleEnabled {
		s.TailscaleHost = prompt(reader, "Tailscale hostname", "coven-relay")
		s.TailscaleAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
	}

	fmt.Println("\n--- Logging ---")
	s.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	s.LogFormat = prompt(reader, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file may hold a password and signing secret.
	if err := os.WriteFile(outputFile, []byte(renderConfig(s)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.DBPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the relay:")
	fmt.Println("  coven-relay serve")
	if s.JWTSecret != "" {
		fmt.Println("\nTo issue an admin token:")
		fmt.Println("  coven-relay token admin")
	}

	return nil
}

func renderConfig(s relaySettings) string {
	var cfg strings.Builder
	cfg.WriteString("# coven-relay configuration\n")
	cfg.WriteString("# Generated by coven-relay init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n\n", s.HTTPAddr)

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", s.DBPath)

	if s.JWTSecret != "" {
		cfg.WriteString("auth:\n")
		fmt.Fprintf(&cfg, "  jwt_secret: %q\n\n", s.JWTSecret)
	}

	cfg.WriteString("anthropic:\n")
	fmt.Fprintf(&cfg, "  api_key: %q\n", s.AnthropicKey)
	cfg.WriteString("  request_timeout: \"5m\"\n\n")

	cfg.WriteString("matrix:\n")
	fmt.Fprintf(&cfg, "  homeserver: %q\n", s.Homeserver)
	fmt.Fprintf(&cfg, "  username: %q\n", s.Username)
	fmt.Fprintf(&cfg, "  password: %q\n", s.Password)
	if s.RecoveryKey != "" {
		fmt.Fprintf(&cfg, "  recovery_key: %q\n", s.RecoveryKey)
	}
	fmt.Fprintf(&cfg, "  data_dir: %q\n", s.DataDir)
	if len(s.AllowedRooms) > 0 {
		cfg.WriteString("  allowed_rooms:\n")
		for _, room := range s.AllowedRooms {
			fmt.Fprintf(&cfg, "    - %q\n", room)
		}
	}
	cfg.WriteString("\n")

	cfg.WriteString("tools:\n")
	cfg.WriteString("  call_timeout: \"30s\"\n\n")

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", s.TailscaleEnabled)
	if s.TailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", s.TailscaleHost)
		if s.TailscaleAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", s.TailscaleAuthKey)
		}
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", s.LogLevel)
	fmt.Fprintf(&cfg, "  format: %q\n\n", s.LogFormat)

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	return cfg.String()
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func yes(answer string) bool {
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "yes" || answer == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && (err != io.EOF || input == "") {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
