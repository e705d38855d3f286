package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// Secrets are resolved in this order:
//  1. OS keyring (Secret Service, Keychain, Credential Manager)
//  2. environment (WACHAT_API_KEY, GEMINI_API_KEY, GOOGLE_API_KEY, .env)
//  3. plaintext value in config.yaml
const (
	keyringService = "wachat"
	keyringAPIKey  = "api_key"
)

// StoreKeyring saves a secret in the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring returns a secret from the OS keyring, or "" when absent.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable reports whether the OS keyring accepts writes.
func KeyringAvailable() bool {
	const probe = "__wachat_probe__"
	if err := keyring.Set(keyringService, probe, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, probe)
	return true
}

// StoreAPIKey saves the generator API key in the OS keyring.
func StoreAPIKey(key string) error {
	if err := StoreKeyring(keyringAPIKey, key); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	return nil
}

// KeyringAPIKey returns the API key stored in the OS keyring, or "".
func KeyringAPIKey() string {
	return GetKeyring(keyringAPIKey)
}

// DeleteAPIKey removes the generator API key from the OS keyring.
func DeleteAPIKey() error {
	return DeleteKeyring(keyringAPIKey)
}

// ResolveAPIKey sets cfg.LLM.APIKey from the keyring when present and
// reports where the key came from ("keyring", "config" or "").
func ResolveAPIKey(cfg *Config, logger *slog.Logger) string {
	if val := GetKeyring(keyringAPIKey); val != "" {
		cfg.LLM.APIKey = val
		logger.Debug("API key loaded from OS keyring")
		return "keyring"
	}
	if cfg.LLM.APIKey != "" && !IsEnvReference(cfg.LLM.APIKey) {
		logger.Debug("API key loaded from config/env")
		return "config"
	}
	logger.Warn("no API key found. Set one with: wachat config set-key")
	return ""
}

// ReadPassword reads a secret from the terminal without echo, falling
// back to a plain line read when stdin is not a terminal.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// MaskSecret shows only the last four characters of a secret.
func MaskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return "****"
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
