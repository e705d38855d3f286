package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment references in config values:
//   - ${VAR}
//   - ${VAR:-default}
//   - ${VAR:?error message}
//   - $VAR (uppercase names only, no modifiers)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// API key environment variables, in lookup order.
var apiKeyEnvVars = []string{"WACHAT_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"}

const gatewayTokenEnvVar = "WACHAT_GATEWAY_TOKEN"

// LoadFile reads and parses a YAML configuration file. .env files in the
// working directory are loaded first (without overriding the process
// environment) and environment references are expanded before parsing.
func LoadFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// Load reads path, or the first file FindFile reports when path is empty,
// and returns the path used. Without any file the defaults are returned
// with secrets taken from the environment and an empty path.
func Load(path string) (*Config, string, error) {
	if path == "" {
		path = FindFile()
	}
	if path == "" {
		loadEnvFiles()
		cfg := DefaultConfig()
		resolveSecrets(cfg)
		return cfg, "", nil
	}
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// Parse decodes YAML over DefaultConfig and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML with owner-only permissions. Secrets that match
// an environment variable are written as references; an existing file is
// kept as path.bak.
func Save(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.LLM.APIKey = sanitizeSecret(cfg.LLM.APIKey, apiKeyEnvVars...)
	sanitized.Gateway.Token = sanitizeSecret(cfg.Gateway.Token, gatewayTokenEnvVar)

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindFile searches the standard locations and returns the first config
// file found, or "".
func FindFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"wachat.yaml",
		"wachat.yml",
		"configs/config.yaml",
		"configs/wachat.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// IsEnvReference reports whether s is an unexpanded environment reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

// loadEnvFiles loads .env files; existing variables win.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces environment references in input. Unset variables
// without a modifier keep their placeholder; ${VAR:?msg} on an unset
// variable is an error.
func expandEnvVars(input string) (string, error) {
	var errs []error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := m[1], m[2], m[3], m[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}

		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			errs = append(errs, fmt.Errorf("%s: %s", name, value))
			return ""
		}
		return match
	})
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return out, nil
}

// resolveSecrets fills secrets left empty (or as unresolved references)
// from the environment.
func resolveSecrets(cfg *Config) {
	if cfg.LLM.APIKey == "" || IsEnvReference(cfg.LLM.APIKey) {
		for _, name := range apiKeyEnvVars {
			if v := os.Getenv(name); v != "" {
				cfg.LLM.APIKey = v
				break
			}
		}
	}
	if cfg.Gateway.Token == "" || IsEnvReference(cfg.Gateway.Token) {
		cfg.Gateway.Token = os.Getenv(gatewayTokenEnvVar)
	}
}

// resolveRelativePaths makes file paths relative to the config file's
// directory so the bot can be started from anywhere.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	cfg.Database.SQLite.Path = resolvePath(cfg.Database.SQLite.Path, dir)
	cfg.Channels.WhatsApp.SessionDir = resolvePath(cfg.Channels.WhatsApp.SessionDir, dir)
	cfg.Channels.WhatsApp.DatabasePath = resolvePath(cfg.Channels.WhatsApp.DatabasePath, dir)
}

// resolvePath expands ~ and joins relative paths onto base.
func resolvePath(path, base string) string {
	if path == "" || path == ":memory:" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// sanitizeSecret swaps a secret for the reference of the first listed
// variable holding the same value.
func sanitizeSecret(value string, envVars ...string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	for _, name := range envVars {
		if os.Getenv(name) == value {
			return "${" + name + "}"
		}
	}
	return value
}

// checkFilePermissions warns if the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
