package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nikhilgarg28/delegate/internal/config"
)

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, config.Validate(config.Defaults()))
}

func TestValidateTeamRequiresName(t *testing.T) {
	err := config.ValidateTeam(config.TeamConfig{})
	require.Error(t, err)
}

func TestValidateParallelismRejectsNegativeCap(t *testing.T) {
	err := config.ValidateParallelism(config.ParallelismConfig{Cap: -1})
	require.Error(t, err)
}

func TestValidateParallelismAllowsZero(t *testing.T) {
	require.NoError(t, config.ValidateParallelism(config.ParallelismConfig{Cap: 0}))
}

func TestValidateTimeoutsRejectsNegative(t *testing.T) {
	err := config.ValidateTimeouts(config.TimeoutsConfig{TurnGrace: -1})
	require.Error(t, err)
}

func TestValidateAgentRejectsUnknownAdapter(t *testing.T) {
	err := config.ValidateAgent(config.AgentConfig{Adapter: "gpt-super"})
	require.Error(t, err)
}

func TestValidateAgentAllowsEmpty(t *testing.T) {
	require.NoError(t, config.ValidateAgent(config.AgentConfig{}))
}

func TestValidateAgentAllowsStub(t *testing.T) {
	require.NoError(t, config.ValidateAgent(config.AgentConfig{Adapter: "stub"}))
}

func TestValidateTracingRejectsUnknownExporter(t *testing.T) {
	err := config.ValidateTracing(config.TracingConfig{Enabled: true, Exporter: "otlp"})
	require.Error(t, err)
}

func TestValidateTracingAllowsEmpty(t *testing.T) {
	require.NoError(t, config.ValidateTracing(config.TracingConfig{}))
}

func TestValidateReposRequiresAbsolutePaths(t *testing.T) {
	err := config.ValidateRepos(map[string]config.RepoConfig{
		"svc": {MainPath: "relative/path", WorktreeRoot: "/abs/worktrees"},
	})
	require.Error(t, err)
}

func TestValidateReposAcceptsValidLayout(t *testing.T) {
	err := config.ValidateRepos(map[string]config.RepoConfig{
		"svc": {MainPath: "/abs/svc", WorktreeRoot: "/abs/svc-worktrees", TestCmd: "go test ./..."},
	})
	require.NoError(t, err)
}

func TestWriteDefaultConfigCreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	require.NoError(t, config.WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "team:")
}
