package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// searchPaths returns the ordered list of config file locations to try.
func searchPaths() []string {
	paths := []string{
		"/etc/remotewiz/remotewiz.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "remotewiz", "remotewiz.yaml"))
	}

	paths = append(paths, "remotewiz.yaml")

	if envPath := os.Getenv("REMOTEWIZ_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	return paths
}

// Load reads configuration from YAML files and environment variables.
// Files are loaded in order (each overrides the previous):
// /etc/remotewiz/remotewiz.yaml < ~/.config/remotewiz/remotewiz.yaml < ./remotewiz.yaml < $REMOTEWIZ_CONFIG
func Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range searchPaths() {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadFile(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Environment variables win over YAML values.
func applyEnvOverrides(cfg *Config) {
	if token := os.Getenv("REMOTEWIZ_NGROK_AUTHTOKEN"); token != "" {
		cfg.Tunnel.AuthToken = token
	}
	if token := os.Getenv("REMOTEWIZ_AUTH_TOKEN"); token != "" {
		cfg.Server.AuthToken = token
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config search paths
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	slog.Debug("loading config file", "path", path)

	expanded := os.ExpandEnv(string(data))

	// Unknown keys anywhere in the document are a configuration error,
	// not something to silently ignore.
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if cfg.Execution.MaxConcurrent < 1 {
		return fmt.Errorf("execution.max_concurrent must be at least 1")
	}
	if cfg.Execution.MaxQueuedPerProject < 1 {
		return fmt.Errorf("execution.max_queued_per_project must be at least 1")
	}
	if cfg.Execution.DefaultTokenBudget < 1 {
		return fmt.Errorf("execution.default_token_budget must be positive")
	}
	if cfg.Execution.DefaultTimeout <= 0 {
		return fmt.Errorf("execution.default_timeout must be positive")
	}

	cfg.Database.Path = ExpandHome(cfg.Database.Path)
	cfg.Uploads.Root = ExpandHome(cfg.Uploads.Root)

	for alias, pc := range cfg.Projects {
		resolved, err := validateProject(alias, pc)
		if err != nil {
			return err
		}
		cfg.Projects[alias] = resolved
	}

	return nil
}

// validateProject checks a single project envelope and records its canonical
// path. The configured path must be an existing real directory; symlink
// equality is enforced here so later spawn-time checks can compare against
// a stable canonical form.
func validateProject(alias string, pc ProjectConfig) (ProjectConfig, error) {
	if pc.Path == "" {
		return pc, fmt.Errorf("project %q: path is required", alias)
	}

	path := ExpandHome(pc.Path)
	if !filepath.IsAbs(path) {
		return pc, fmt.Errorf("project %q: path must be absolute, got %q", alias, pc.Path)
	}

	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		return pc, fmt.Errorf("project %q: resolving path: %w", alias, err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return pc, fmt.Errorf("project %q: stat path: %w", alias, err)
	}
	if !info.IsDir() {
		return pc, fmt.Errorf("project %q: path %q is not a directory", alias, canonical)
	}

	if pc.SkipPermissions && strings.TrimSpace(pc.SkipPermissionsReason) == "" {
		return pc, fmt.Errorf("project %q: skip_permissions requires a non-empty skip_permissions_reason", alias)
	}
	if pc.TokenBudget < 0 {
		return pc, fmt.Errorf("project %q: token_budget must be positive", alias)
	}
	if pc.Timeout < 0 {
		return pc, fmt.Errorf("project %q: timeout must be positive", alias)
	}

	pc.Path = path
	pc.CanonicalPath = canonical
	return pc, nil
}
