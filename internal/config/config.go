package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/llp/internal/logging"
)

// ProjectConfigName is the config file looked up at the repository root.
const ProjectConfigName = ".llp.yaml"

// Config represents the main configuration
type Config struct {
	Version   string           `yaml:"version"`
	StatePath string           `yaml:"state_path"`
	Logging   *logging.Config  `yaml:"logging"`
	Issues    *IssuesConfig    `yaml:"issues"`
	Git       *GitConfig       `yaml:"git"`
	Agents    *AgentsConfig    `yaml:"agents"`
	Workers   *WorkersConfig   `yaml:"workers"`
	Overlap   *OverlapConfig   `yaml:"overlap"`
	Loops     *LoopsConfig     `yaml:"loops"`
	History   *HistoryConfig   `yaml:"history"`
	Status    *StatusConfig    `yaml:"status"`
	Dashboard *DashboardConfig `yaml:"dashboard"`
}

// IssuesConfig holds issue tracker layout settings
type IssuesConfig struct {
	Dir          string   `yaml:"dir"`
	Categories   []string `yaml:"categories"`
	CompletedDir string   `yaml:"completed_dir"`
}

// CategoryDir returns the directory holding active issues of a category.
func (c *IssuesConfig) CategoryDir(category string) string {
	return filepath.Join(c.Dir, category)
}

// CompletedPath returns the directory holding completed issues.
func (c *IssuesConfig) CompletedPath() string {
	return filepath.Join(c.Dir, c.CompletedDir)
}

// GitConfig holds git integration settings
type GitConfig struct {
	Mainline       string       `yaml:"mainline"`
	Remote         string       `yaml:"remote"`
	WorktreeDir    string       `yaml:"worktree_dir"`
	CommandTimeout string       `yaml:"command_timeout"`
	Retry          *RetryConfig `yaml:"retry"`
}

// CommandTimeoutDuration parses CommandTimeout, falling back to 2m.
func (g *GitConfig) CommandTimeoutDuration() time.Duration {
	return parseDuration(g.CommandTimeout, 2*time.Minute)
}

// RetryConfig holds backoff settings for transient git failures
type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialBackoff    string  `yaml:"initial_backoff"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// InitialBackoffDuration parses InitialBackoff, falling back to 2s.
func (r *RetryConfig) InitialBackoffDuration() time.Duration {
	return parseDuration(r.InitialBackoff, 2*time.Second)
}

// AgentsConfig holds agent subprocess settings
type AgentsConfig struct {
	Binary           string   `yaml:"binary"`
	Args             []string `yaml:"args"`
	Model            string   `yaml:"model"`
	Timeout          string   `yaml:"timeout"`
	MaxContinuations int      `yaml:"max_continuations"`
}

// TimeoutDuration parses Timeout, falling back to 30m.
func (a *AgentsConfig) TimeoutDuration() time.Duration {
	return parseDuration(a.Timeout, 30*time.Minute)
}

// WorkersConfig holds worker pool settings
type WorkersConfig struct {
	Count          int      `yaml:"count"`
	IssueTimeout   string   `yaml:"issue_timeout"`
	VerifyCommands []string `yaml:"verify_commands"`
}

// IssueTimeoutDuration parses IssueTimeout, falling back to 45m.
func (w *WorkersConfig) IssueTimeoutDuration() time.Duration {
	return parseDuration(w.IssueTimeout, 45*time.Minute)
}

// OverlapConfig holds overlap detector settings
type OverlapConfig struct {
	Enabled    bool     `yaml:"enabled"`
	WarnOnly   bool     `yaml:"warn_only"`
	Extensions []string `yaml:"extensions"`
}

// LoopsConfig holds FSM loop settings
type LoopsConfig struct {
	Dir       string            `yaml:"dir"`
	Schedules []*ScheduleConfig `yaml:"schedules"`
}

// RunningDir returns the directory holding lock files and run state.
func (l *LoopsConfig) RunningDir() string {
	return filepath.Join(l.Dir, ".running")
}

// ScheduleConfig binds a loop to a cron expression
type ScheduleConfig struct {
	Cron string `yaml:"cron"`
	Loop string `yaml:"loop"`
}

// HistoryConfig holds run history settings
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// StatusConfig holds status reporting settings
type StatusConfig struct {
	Addr     string `yaml:"addr"`
	Interval string `yaml:"interval"`
}

// IntervalDuration parses Interval, falling back to 5s.
func (s *StatusConfig) IntervalDuration() time.Duration {
	return parseDuration(s.Interval, 5*time.Second)
}

// DashboardConfig holds dashboard settings
type DashboardConfig struct {
	RefreshInterval int  `yaml:"refresh_interval"`
	ShowLogs        bool `yaml:"show_logs"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Version:   "1.0",
		StatePath: ".auto-state.json",
		Logging:   logging.DefaultConfig(),
		Issues: &IssuesConfig{
			Dir:          ".issues",
			Categories:   []string{"bugs", "features", "enhancements"},
			CompletedDir: "completed",
		},
		Git: &GitConfig{
			Mainline:       "main",
			Remote:         "origin",
			WorktreeDir:    ".llp/worktrees",
			CommandTimeout: "2m",
			Retry: &RetryConfig{
				MaxAttempts:       3,
				InitialBackoff:    "2s",
				BackoffMultiplier: 2.0,
			},
		},
		Agents: &AgentsConfig{
			Binary:           "claude",
			Timeout:          "30m",
			MaxContinuations: 3,
		},
		Workers: &WorkersConfig{
			Count:        3,
			IssueTimeout: "45m",
		},
		Overlap: &OverlapConfig{
			Enabled:  false,
			WarnOnly: false,
			Extensions: []string{
				".c", ".cpp", ".css", ".go", ".h", ".html", ".java", ".js",
				".json", ".md", ".py", ".rb", ".rs", ".sh", ".sql", ".toml",
				".ts", ".tsx", ".yaml", ".yml",
			},
		},
		Loops: &LoopsConfig{
			Dir:       ".loops",
			Schedules: []*ScheduleConfig{},
		},
		History: &HistoryConfig{
			Enabled: true,
			Path:    ".llp/history.db",
		},
		Status: &StatusConfig{
			Addr:     "",
			Interval: "5s",
		},
		Dashboard: &DashboardConfig{
			RefreshInterval: 1000,
			ShowLogs:        true,
		},
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil // Return defaults if no config file
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Expand paths
	if config.Issues != nil {
		config.Issues.Dir = expandPath(config.Issues.Dir)
	}
	if config.Loops != nil {
		config.Loops.Dir = expandPath(config.Loops.Dir)
	}
	if config.History != nil {
		config.History.Path = expandPath(config.History.Path)
	}

	return config, nil
}

// LoadProject loads the project config at root, falling back to the
// user-level config when the project has none.
func LoadProject(root string) (*Config, error) {
	local := filepath.Join(root, ProjectConfigName)
	if _, err := os.Stat(local); err == nil {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// Save saves configuration to a file
func Save(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default configuration path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".llp", "config.yaml")
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// parseDuration parses a duration string, returning fallback when the
// value is empty or malformed.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Issues == nil {
		return fmt.Errorf("issues configuration is required")
	}
	if c.Issues.Dir == "" {
		return fmt.Errorf("issues directory is required")
	}
	if len(c.Issues.Categories) == 0 {
		return fmt.Errorf("at least one issue category is required")
	}
	if c.Git == nil {
		return fmt.Errorf("git configuration is required")
	}
	if c.Git.Mainline == "" {
		return fmt.Errorf("git mainline branch is required")
	}
	if c.Agents == nil || c.Agents.Binary == "" {
		return fmt.Errorf("agent binary is required")
	}
	if c.Agents.MaxContinuations < 0 {
		return fmt.Errorf("invalid max continuations: %d", c.Agents.MaxContinuations)
	}
	if c.Workers == nil {
		return fmt.Errorf("workers configuration is required")
	}
	if c.Workers.Count < 1 || c.Workers.Count > 64 {
		return fmt.Errorf("invalid worker count: %d", c.Workers.Count)
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"git.command_timeout", c.Git.CommandTimeout},
		{"agents.timeout", c.Agents.Timeout},
		{"workers.issue_timeout", c.Workers.IssueTimeout},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid %s: %q", field.name, field.value)
		}
	}
	if c.Loops != nil {
		for i, s := range c.Loops.Schedules {
			if s.Cron == "" || s.Loop == "" {
				return fmt.Errorf("schedule %d requires both cron and loop", i)
			}
		}
	}
	return nil
}
