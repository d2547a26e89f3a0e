// Package config provides configuration types and defaults for the
// delegate daemon. Scope is deliberately narrow: only the concerns the
// daemon's own bootstrap needs (home directory, default team, parallelism,
// timeouts, agent adapter selection, repo layout) — everything else the
// teacher's config carries (views, themes, sounds, markdown style) is a UI
// concern and has no home here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nikhilgarg28/delegate/internal/log"
)

// RepoConfig names where one repo's main checkout and worktrees live, and
// the command MergeWorker runs against a worktree before fast-forwarding
// main. Keyed by repo name in Config.Repos.
type RepoConfig struct {
	MainPath     string `mapstructure:"main_path"`
	WorktreeRoot string `mapstructure:"worktree_root"`
	TestCmd      string `mapstructure:"test_cmd"`
}

// TeamConfig names the team the daemon boots into. Multi-team operation is
// out of scope (spec Non-goals: multi-tenant); one daemon process serves
// one team.
type TeamConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

// ParallelismConfig bounds the TurnScheduler's worker pool (spec §4.3).
type ParallelismConfig struct {
	// Cap is the maximum number of agent turns running concurrently across
	// the whole team. 0 means use runtime.NumCPU() * 2 (scheduler.Config's
	// own default).
	Cap int `mapstructure:"cap"`
}

// TimeoutsConfig holds timeout settings for the daemon's blocking
// operations.
type TimeoutsConfig struct {
	// TurnGrace is how long a cancelled agent turn is given to observe the
	// cancellation before the scheduler treats it as stuck.
	TurnGrace time.Duration `mapstructure:"turn_grace"`

	// ShellAction is validated and written to the default config file;
	// internal/apply does not read it and bounds a run_shell action's
	// subprocess with its own DefaultShellTimeout (120s).
	ShellAction time.Duration `mapstructure:"shell_action"`

	// Shutdown bounds the graceful-shutdown window cmd/daemon.go gives
	// every component to drain in-flight work.
	Shutdown time.Duration `mapstructure:"shutdown"`
}

// DefaultTimeoutsConfig returns the default timeout configuration.
func DefaultTimeoutsConfig() TimeoutsConfig {
	return TimeoutsConfig{
		TurnGrace:   10 * time.Second,
		ShellAction: 120 * time.Second,
		Shutdown:    30 * time.Second,
	}
}

// TracingConfig selects whether and how the daemon's turn/merge spans are
// exported. Disabled by default: tracing is an ambient-stack concern, not
// the "production-grade observability stack" the spec's Non-goals exclude.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Exporter string `mapstructure:"exporter"` // "stdout" or "none"
}

// AgentConfig selects the AgentAdapter implementation the scheduler is
// wired to. "stub" is the only adapter this repo builds (spec §6: the real
// LLM-process adapter is explicitly out of scope); the field exists so a
// future adapter can be swapped in without touching cmd/daemon.go.
type AgentConfig struct {
	Adapter string `mapstructure:"adapter"`
}

// Config holds all configuration options for the delegate daemon.
type Config struct {
	// Home is the directory the daemon stores its database and logs under.
	// Default: ~/.delegate
	Home string `mapstructure:"home"`

	Team        TeamConfig            `mapstructure:"team"`
	Parallelism ParallelismConfig     `mapstructure:"parallelism"`
	Timeouts    TimeoutsConfig        `mapstructure:"timeouts"`
	Agent       AgentConfig           `mapstructure:"agent"`
	Tracing     TracingConfig         `mapstructure:"tracing"`
	Repos       map[string]RepoConfig `mapstructure:"repos"`

	// ResolvedHome is Home after tilde-expansion and defaulting, set by
	// cmd/daemon.go during startup. Not serialized.
	ResolvedHome string `mapstructure:"-" yaml:"-"`
}

// DefaultHome returns ~/.delegate, or "" if the home directory can't be
// resolved.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".delegate")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Home: DefaultHome(),
		Team: TeamConfig{
			Name: "default",
		},
		Parallelism: ParallelismConfig{
			Cap: 0, // scheduler.Config defaults to runtime.NumCPU() * 2
		},
		Timeouts: DefaultTimeoutsConfig(),
		Agent: AgentConfig{
			Adapter: "stub",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Exporter: "none",
		},
		Repos: map[string]RepoConfig{},
	}
}

// ValidateTeam checks team configuration for errors. Returns nil if name is
// set; ID is allowed to be empty (assigned at team-creation time).
func ValidateTeam(team TeamConfig) error {
	if team.Name == "" {
		return fmt.Errorf("team.name is required")
	}
	return nil
}

// ValidateParallelism checks parallelism configuration for errors.
func ValidateParallelism(p ParallelismConfig) error {
	if p.Cap < 0 {
		return fmt.Errorf("parallelism.cap must not be negative, got %d", p.Cap)
	}
	return nil
}

// ValidateTimeouts checks timeout configuration for errors. Returns nil if
// the configuration is valid (zero values fall back to defaults at the
// call site).
func ValidateTimeouts(t TimeoutsConfig) error {
	if t.TurnGrace < 0 {
		return fmt.Errorf("timeouts.turn_grace must not be negative, got %v", t.TurnGrace)
	}
	if t.ShellAction < 0 {
		return fmt.Errorf("timeouts.shell_action must not be negative, got %v", t.ShellAction)
	}
	if t.Shutdown < 0 {
		return fmt.Errorf("timeouts.shutdown must not be negative, got %v", t.Shutdown)
	}
	return nil
}

// allowedAgentAdapters is the closed set of adapters this repo knows how to
// wire. Only "stub" ships; the set exists so an unknown value fails fast
// instead of silently falling back.
var allowedAgentAdapters = []string{"stub"}

// ValidateAgent checks agent adapter selection for errors.
func ValidateAgent(a AgentConfig) error {
	if a.Adapter == "" {
		return nil
	}
	for _, allowed := range allowedAgentAdapters {
		if a.Adapter == allowed {
			return nil
		}
	}
	return fmt.Errorf("agent.adapter must be one of %v, got %q", allowedAgentAdapters, a.Adapter)
}

// allowedTracingExporters is the closed set of exporters tracing.NewProvider
// knows how to build.
var allowedTracingExporters = []string{"stdout", "none"}

// ValidateTracing checks tracing configuration for errors.
func ValidateTracing(t TracingConfig) error {
	if t.Exporter == "" {
		return nil
	}
	for _, allowed := range allowedTracingExporters {
		if t.Exporter == allowed {
			return nil
		}
	}
	return fmt.Errorf("tracing.exporter must be one of %v, got %q", allowedTracingExporters, t.Exporter)
}

// ValidateRepos checks repo layout configuration for errors. Returns nil
// for an empty map; the daemon simply boots with no repos wired.
func ValidateRepos(repos map[string]RepoConfig) error {
	for name, r := range repos {
		if r.MainPath == "" {
			return fmt.Errorf("repos.%s.main_path is required", name)
		}
		if !filepath.IsAbs(r.MainPath) {
			return fmt.Errorf("repos.%s.main_path must be an absolute path, got %q", name, r.MainPath)
		}
		if r.WorktreeRoot == "" {
			return fmt.Errorf("repos.%s.worktree_root is required", name)
		}
		if !filepath.IsAbs(r.WorktreeRoot) {
			return fmt.Errorf("repos.%s.worktree_root must be an absolute path, got %q", name, r.WorktreeRoot)
		}
	}
	return nil
}

// Validate runs every Validate* helper over cfg and returns the first
// error encountered.
func Validate(cfg Config) error {
	if err := ValidateTeam(cfg.Team); err != nil {
		return err
	}
	if err := ValidateParallelism(cfg.Parallelism); err != nil {
		return err
	}
	if err := ValidateTimeouts(cfg.Timeouts); err != nil {
		return err
	}
	if err := ValidateAgent(cfg.Agent); err != nil {
		return err
	}
	if err := ValidateTracing(cfg.Tracing); err != nil {
		return err
	}
	if err := ValidateRepos(cfg.Repos); err != nil {
		return err
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with
// comments, written by WriteDefaultConfig when no config file is found.
func DefaultConfigTemplate() string {
	return `# Delegate daemon configuration

# Directory the daemon stores its database and logs under.
# home: ~/.delegate

team:
  name: default
  # id is assigned when the team is first created; leave blank on first run

parallelism:
  cap: 0 # 0 = runtime.NumCPU() * 2

timeouts:
  turn_grace: 10s
  shell_action: 120s
  shutdown: 30s

agent:
  adapter: stub

tracing:
  enabled: false
  exporter: none # "stdout" or "none"

# Repos this team's tasks can touch. Each entry names the main checkout and
# where the ResourceManager roots that repo's task worktrees.
# repos:
#   svc:
#     main_path: /home/you/src/svc
#     worktree_root: /home/you/src/svc-worktrees
#     test_cmd: go test ./...
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "created default config", "path", configPath)
	return nil
}
