package config

import "time"

// Config is the root configuration for RemoteWiz.
type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Database  DatabaseConfig           `yaml:"database"`
	Execution ExecutionConfig          `yaml:"execution"`
	Uploads   UploadsConfig            `yaml:"uploads"`
	Tunnel    TunnelConfig             `yaml:"tunnel"`
	Projects  map[string]ProjectConfig `yaml:"projects"`
}

type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "json" or "text"
	LogFile   string `yaml:"log_file"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type ExecutionConfig struct {
	ClaudePath          string        `yaml:"claude_path"`
	APIKeyEnv           string        `yaml:"api_key_env"`
	MaxConcurrent       int           `yaml:"max_concurrent"`
	MaxQueuedPerProject int           `yaml:"max_queued_per_project"`
	DefaultTokenBudget  int           `yaml:"default_token_budget"`
	DefaultTimeout      time.Duration `yaml:"default_timeout"`
	SilenceTimeout      time.Duration `yaml:"silence_timeout"`
	ApprovalTimeout     time.Duration `yaml:"approval_timeout"`
	ReplayTimeout       time.Duration `yaml:"replay_timeout"`
	SummarizerEnabled   bool          `yaml:"summarizer_enabled"`
}

type UploadsConfig struct {
	Root string `yaml:"root"`
}

type TunnelConfig struct {
	Enabled   bool   `yaml:"enabled"`
	AuthToken string `yaml:"authtoken"`
	Domain    string `yaml:"domain"`
}

// ProjectConfig is the per-project envelope. The recognized keys are exactly
// these; anything else in the YAML is rejected by the strict decoder.
type ProjectConfig struct {
	Path                  string        `yaml:"path"`
	Description           string        `yaml:"description"`
	SkipPermissions       bool          `yaml:"skip_permissions"`
	SkipPermissionsReason string        `yaml:"skip_permissions_reason"`
	TokenBudget           int           `yaml:"token_budget"`
	Timeout               time.Duration `yaml:"timeout"`

	// CanonicalPath is the symlink-resolved path recorded at load time.
	// Populated by validation, never read from YAML.
	CanonicalPath string `yaml:"-"`
}

// Project is a validated, resolved project handed to the engine.
type Project struct {
	Alias                 string
	Path                  string
	CanonicalPath         string
	Description           string
	SkipPermissions       bool
	SkipPermissionsReason string
	TokenBudget           int
	Timeout               time.Duration
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      8430,
			LogLevel:  "info",
			LogFormat: "json",
		},
		Database: DatabaseConfig{
			Path: "data/remotewiz.db",
		},
		Execution: ExecutionConfig{
			ClaudePath:          "claude",
			APIKeyEnv:           "ANTHROPIC_API_KEY",
			MaxConcurrent:       3,
			MaxQueuedPerProject: 5,
			DefaultTokenBudget:  100_000,
			DefaultTimeout:      10 * time.Minute,
			SilenceTimeout:      90 * time.Second,
			ApprovalTimeout:     30 * time.Minute,
			ReplayTimeout:       2 * time.Minute,
			SummarizerEnabled:   true,
		},
		Uploads: UploadsConfig{
			Root: "data/uploads",
		},
	}
}

// ProjectList returns the validated projects keyed by alias, with per-project
// budget and timeout overrides resolved against the execution defaults.
func (c *Config) ProjectList() map[string]Project {
	out := make(map[string]Project, len(c.Projects))
	for alias, pc := range c.Projects {
		tokenBudget := pc.TokenBudget
		if tokenBudget <= 0 {
			tokenBudget = c.Execution.DefaultTokenBudget
		}
		timeout := pc.Timeout
		if timeout <= 0 {
			timeout = c.Execution.DefaultTimeout
		}
		out[alias] = Project{
			Alias:                 alias,
			Path:                  pc.Path,
			CanonicalPath:         pc.CanonicalPath,
			Description:           pc.Description,
			SkipPermissions:       pc.SkipPermissions,
			SkipPermissionsReason: pc.SkipPermissionsReason,
			TokenBudget:           tokenBudget,
			Timeout:               timeout,
		}
	}
	return out
}
