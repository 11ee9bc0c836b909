package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/common"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, common.SYNC_POLICY_UNIFORM, cfg.Server.SyncPolicy)
	assert.Equal(t, 5, cfg.NumLayers())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
redis:
  addr: redis:6379
server:
  clients: [3, 2, 1]
  cut_layers: [2, 4]
  local_round: 2
  global_round: 7
  count_failed_rounds: true
  data_mode: non-iid
  data_distribution:
    num_labels: 10
    num_data_range: [5, 15]
    non_iid_rate: 0.3
  client_cluster:
    enable: true
    special: true
    num_clusters: 2
    cut_layers: [[2, 4], [1, 3]]
learning:
  batch_size: 8
  control_count: 2
  learning_rate: 0.05
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, common.SYNC_POLICY_STAGED, cfg.Server.SyncPolicy)

	coord := cfg.Coordinator()
	assert.Equal(t, []int{3, 2, 1}, coord.ClientsPerStage)
	assert.Equal(t, 2, coord.LocalRounds)
	assert.Equal(t, 7, coord.GlobalRounds)
	assert.True(t, coord.CountFailedRounds)
	assert.Equal(t, [][]int{{2, 4}, {1, 3}}, coord.Cluster.CutLayers)
	assert.Equal(t, []int{2, 4}, coord.Cluster.DefaultCutLayers)
	assert.Equal(t, [2]int{5, 15}, coord.Distribution.NumDataRange)
	assert.Equal(t, 2, coord.Hyperparameters.ControlCount)
	// untouched keys keep their defaults
	assert.Equal(t, 0.9, coord.Hyperparameters.Momentum)
}

func TestLoad_EnvironmentWins(t *testing.T) {
	path := writeConfig(t, "redis:\n  addr: file:6379\nlog:\n  level: INFO\n")
	t.Setenv(ENV_REDIS_ADDR, "env:6379")
	t.Setenv(ENV_REDIS_PASSWORD, "secret")
	t.Setenv(ENV_REDIS_DB, "3")
	t.Setenv(ENV_LOG_LEVEL, "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, hclog.Debug, cfg.Level())
}

func TestLoad_BadRedisDB(t *testing.T) {
	t.Setenv(ENV_REDIS_DB, "zero")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"single stage", func(c *Config) { c.Server.Clients = []int{2} }},
		{"empty stage", func(c *Config) { c.Server.Clients = []int{2, 0} }},
		{"cut count", func(c *Config) { c.Server.CutLayers = []int{1, 2} }},
		{"cut not increasing", func(c *Config) {
			c.Server.Clients = []int{1, 1, 1}
			c.Server.CutLayers = []int{3, 3}
		}},
		{"cut past model", func(c *Config) { c.Server.CutLayers = []int{5} }},
		{"cluster cut count", func(c *Config) {
			c.Server.ClientCluster.Enable = true
			c.Server.ClientCluster.CutLayers = [][]int{{1, 2}}
		}},
		{"sync policy", func(c *Config) { c.Server.SyncPolicy = "eventual" }},
		{"data mode", func(c *Config) { c.Server.DataMode = "skewed" }},
		{"too many labels", func(c *Config) { c.Server.DataDistribution.NumLabels = 11 }},
		{"control count", func(c *Config) { c.Learning.ControlCount = 0 }},
		{"learning rate", func(c *Config) { c.Learning.LearningRate = 0 }},
		{"rounds", func(c *Config) { c.Server.GlobalRound = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNodeConfig_FillsMissingId(t *testing.T) {
	cfg := Default()
	cfg.Node.Stage = 2
	n := cfg.NodeConfig()
	assert.NotEmpty(t, n.ClientId)
	assert.Equal(t, 2, n.Stage)
	assert.Equal(t, cfg.Model.LayerSizes, n.Architecture.LayerSizes)

	cfg.Node.Id = "edge-7"
	assert.Equal(t, "edge-7", cfg.NodeConfig().ClientId)
}

func TestLevel_UnknownFallsBackToInfo(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "chatty"
	assert.Equal(t, hclog.Info, cfg.Level())
}

func TestNewLogger_CreatesLogFile(t *testing.T) {
	cfg := Default()
	cfg.Log.Path = filepath.Join(t.TempDir(), "log", "run.log")
	logger, logFile, err := cfg.NewLogger("test")
	require.NoError(t, err)
	logger.Info("hello")
	require.NoError(t, logFile.Close())

	body, err := os.ReadFile(cfg.Log.Path)
	require.NoError(t, err)
	assert.Contains(t, string(body), "hello")
}

func TestLoad_ShippedSimulationConfig(t *testing.T) {
	cfg, err := Load("../../configs/sim.yaml")
	require.NoError(t, err)
	assert.Equal(t, common.SYNC_POLICY_STAGED, cfg.Server.SyncPolicy)
	assert.Equal(t, common.DATA_MODE_NON_IID, cfg.Server.DataMode)
	assert.Equal(t, 2, cfg.Coordinator().Cluster.NumClusters)
}
