// Package config loads the YAML configuration shared by the coordinator, the nodes and
// the simulation. Precedence: defaults, then the YAML file, then environment variables.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/cluster"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/coordinator"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/model"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/nn"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/node"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/transport"
)

// Environment overrides
const (
	ENV_REDIS_ADDR     = "SL_REDIS_ADDR"
	ENV_REDIS_PASSWORD = "SL_REDIS_PASSWORD"
	ENV_REDIS_DB       = "SL_REDIS_DB"
	ENV_LOG_LEVEL      = "SL_LOG_LEVEL"
)

type Config struct {
	Redis    transport.RedisConfig `yaml:"redis"`
	Log      LogConfig             `yaml:"log"`
	HTTP     HTTPConfig            `yaml:"http"`
	Server   ServerConfig          `yaml:"server"`
	Learning LearningConfig        `yaml:"learning"`
	Node     NodeConfig            `yaml:"node"`
	Model    ModelConfig           `yaml:"model"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

type HTTPConfig struct {
	Port             int    `yaml:"port"`
	// ProgressSchedule is the cron spec of the progress logger.
	ProgressSchedule string `yaml:"progress_schedule"`
}

type ServerConfig struct {
	Model               string                 `yaml:"model"`
	Clients             []int                  `yaml:"clients"`
	CutLayers           []int                  `yaml:"cut_layers"`
	LocalRound          int                    `yaml:"local_round"`
	GlobalRound         int                    `yaml:"global_round"`
	SyncPolicy          string                 `yaml:"sync_policy"`
	Parameters          ParametersConfig       `yaml:"parameters"`
	Validation          bool                   `yaml:"validation"`
	ValidationThreshold float64                `yaml:"validation_threshold"`
	CountFailedRounds   bool                   `yaml:"count_failed_rounds"`
	DataMode            string                 `yaml:"data_mode"`
	DataDistribution    DataDistributionConfig `yaml:"data_distribution"`
	RandomSeed          int64                  `yaml:"random_seed"`
	ClientCluster       ClientClusterConfig    `yaml:"client_cluster"`
	HistoryDB           string                 `yaml:"history_db"`
	PollInterval        time.Duration          `yaml:"poll_interval"`
}

type ParametersConfig struct {
	Save bool   `yaml:"save"`
	Load bool   `yaml:"load"`
	Dir  string `yaml:"dir"`
}

type DataDistributionConfig struct {
	NumLabels        int     `yaml:"num_labels"`
	SamplesPerLabel  int     `yaml:"samples_per_label"`
	NumDataRange     [2]int  `yaml:"num_data_range"`
	NonIIDRate       float64 `yaml:"non_iid_rate"`
	RefreshEachRound bool    `yaml:"refresh_each_round"`
}

type ClientClusterConfig struct {
	Enable      bool    `yaml:"enable"`
	// Special selects the staged sync policy.
	Special     bool    `yaml:"special"`
	NumClusters int     `yaml:"num_clusters"`
	CutLayers   [][]int `yaml:"cut_layers"`
}

type LearningConfig struct {
	BatchSize    int     `yaml:"batch_size"`
	LearningRate float64 `yaml:"learning_rate"`
	Momentum     float64 `yaml:"momentum"`
	ControlCount int     `yaml:"control_count"`
}

type NodeConfig struct {
	Id                        string        `yaml:"id"`
	Stage                     int           `yaml:"stage"`
	Performance               float64       `yaml:"performance"`
	PollInterval              time.Duration `yaml:"poll_interval"`
	ValidationSamplesPerClass int           `yaml:"validation_samples_per_class"`
	Seed                      int64         `yaml:"seed"`
}

type ModelConfig struct {
	LayerSizes          []int `yaml:"layer_sizes"`
	// TestSamplesPerClass sizes the coordinator's held-out validation set.
	TestSamplesPerClass int   `yaml:"test_samples_per_class"`
}

func Default() *Config {
	return &Config{
		Redis: transport.RedisConfig{Addr: "localhost:6379", KeyPrefix: "sl:queue:"},
		Log:   LogConfig{Level: "INFO", Path: "log/run.log"},
		HTTP:  HTTPConfig{Port: 8080, ProgressSchedule: "@every 30s"},
		Server: ServerConfig{
			Model:       "mlp",
			Clients:     []int{2, 1},
			CutLayers:   []int{2},
			LocalRound:  1,
			GlobalRound: 5,
			SyncPolicy:  common.SYNC_POLICY_UNIFORM,
			Parameters:  ParametersConfig{Save: true, Load: true, Dir: "checkpoints"},
			Validation:  true,
			DataMode:    common.DATA_MODE_EVEN,
			DataDistribution: DataDistributionConfig{
				NumLabels:       10,
				SamplesPerLabel: 50,
				NumDataRange:    [2]int{20, 80},
				NonIIDRate:      0.5,
			},
			RandomSeed:    1,
			ClientCluster: ClientClusterConfig{Enable: false, NumClusters: 1},
			HistoryDB:     "checkpoints/history.db",
			PollInterval:  5 * time.Millisecond,
		},
		Learning: LearningConfig{BatchSize: 32, LearningRate: 0.01, Momentum: 0.9, ControlCount: 3},
		Node:     NodeConfig{Stage: 1, Performance: 1, PollInterval: 5 * time.Millisecond, ValidationSamplesPerClass: 10, Seed: 1},
		Model:    ModelConfig{LayerSizes: []int{16, 64, 32, 10}, TestSamplesPerClass: 20},
	}
}

// Load reads path over the defaults. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		body, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(body, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Server.ClientCluster.Special {
		cfg.Server.SyncPolicy = common.SYNC_POLICY_STAGED
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	if v, ok := os.LookupEnv(ENV_REDIS_ADDR); ok {
		cfg.Redis.Addr = v
	}
	if v, ok := os.LookupEnv(ENV_REDIS_PASSWORD); ok {
		cfg.Redis.Password = v
	}
	if v, ok := os.LookupEnv(ENV_REDIS_DB); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", ENV_REDIS_DB, err)
		}
		cfg.Redis.DB = db
	}
	if v, ok := os.LookupEnv(ENV_LOG_LEVEL); ok {
		cfg.Log.Level = v
	}
	return nil
}

// NumLayers is the layer count of the configured dense network.
func (cfg *Config) NumLayers() int {
	if len(cfg.Model.LayerSizes) < 2 {
		return 0
	}
	return 2*(len(cfg.Model.LayerSizes)-1) - 1
}

func (cfg *Config) Validate() error {
	s := cfg.Server
	if len(s.Clients) < 2 {
		return fmt.Errorf("server.clients needs at least 2 stages, got %v", s.Clients)
	}
	for i, n := range s.Clients {
		if n < 1 {
			return fmt.Errorf("server.clients[%d] must be positive, got %d", i, n)
		}
	}
	if s.LocalRound < 1 || s.GlobalRound < 1 {
		return fmt.Errorf("server.local_round and server.global_round must be positive")
	}
	if s.SyncPolicy != common.SYNC_POLICY_UNIFORM && s.SyncPolicy != common.SYNC_POLICY_STAGED {
		return fmt.Errorf("server.sync_policy must be %s or %s, got %q", common.SYNC_POLICY_UNIFORM, common.SYNC_POLICY_STAGED, s.SyncPolicy)
	}
	if s.DataMode != common.DATA_MODE_EVEN && s.DataMode != common.DATA_MODE_NON_IID {
		return fmt.Errorf("server.data_mode must be %s or %s, got %q", common.DATA_MODE_EVEN, common.DATA_MODE_NON_IID, s.DataMode)
	}
	if s.DataDistribution.NumLabels < 1 {
		return fmt.Errorf("server.data_distribution.num_labels must be positive")
	}
	if cfg.NumLayers() == 0 {
		return fmt.Errorf("model.layer_sizes needs at least 2 sizes, got %v", cfg.Model.LayerSizes)
	}
	if s.DataDistribution.NumLabels > cfg.Model.LayerSizes[len(cfg.Model.LayerSizes)-1] {
		return fmt.Errorf("%d labels do not fit a %d class model", s.DataDistribution.NumLabels, cfg.Model.LayerSizes[len(cfg.Model.LayerSizes)-1])
	}

	if err := cfg.validateCutLayers("server.cut_layers", s.CutLayers); err != nil {
		return err
	}
	if s.ClientCluster.Enable {
		for i, cut := range s.ClientCluster.CutLayers {
			if err := cfg.validateCutLayers(fmt.Sprintf("server.client_cluster.cut_layers[%d]", i), cut); err != nil {
				return err
			}
		}
	}

	l := cfg.Learning
	if l.BatchSize < 1 || l.ControlCount < 1 {
		return fmt.Errorf("learning.batch_size and learning.control_count must be positive")
	}
	if l.LearningRate <= 0 {
		return fmt.Errorf("learning.learning_rate must be positive")
	}
	return nil
}

// validateCutLayers checks one cut per stage boundary, strictly increasing, inside the model.
func (cfg *Config) validateCutLayers(name string, cut []int) error {
	if len(cut) != len(cfg.Server.Clients)-1 {
		return fmt.Errorf("%s has %d entries for %d stages", name, len(cut), len(cfg.Server.Clients))
	}
	prev := 0
	for _, c := range cut {
		if c <= prev {
			return fmt.Errorf("%s must be strictly increasing and positive, got %v", name, cut)
		}
		if c >= cfg.NumLayers() {
			return fmt.Errorf("%s cut %d is past the last layer of a %d layer model", name, c, cfg.NumLayers())
		}
		prev = c
	}
	return nil
}

func (cfg *Config) Architecture() nn.Architecture {
	return nn.Architecture{LayerSizes: append([]int(nil), cfg.Model.LayerSizes...)}
}

func (cfg *Config) Coordinator() coordinator.Config {
	s := cfg.Server
	return coordinator.Config{
		ModelName:       s.Model,
		ClientsPerStage: append([]int(nil), s.Clients...),
		LocalRounds:     s.LocalRound,
		GlobalRounds:    s.GlobalRound,
		SyncPolicy:      s.SyncPolicy,
		Hyperparameters: model.Hyperparameters{
			BatchSize:    cfg.Learning.BatchSize,
			LearningRate: cfg.Learning.LearningRate,
			Momentum:     cfg.Learning.Momentum,
			ControlCount: cfg.Learning.ControlCount,
		},
		Cluster: cluster.Config{
			Enable:           s.ClientCluster.Enable,
			NumClusters:      s.ClientCluster.NumClusters,
			CutLayers:        s.ClientCluster.CutLayers,
			DefaultCutLayers: append([]int(nil), s.CutLayers...),
		},
		SaveParameters:      s.Parameters.Save,
		LoadParameters:      s.Parameters.Load,
		Validation:          s.Validation,
		ValidationThreshold: s.ValidationThreshold,
		CountFailedRounds:   s.CountFailedRounds,
		Distribution: coordinator.DistributionConfig{
			Mode:             s.DataMode,
			NumLabels:        s.DataDistribution.NumLabels,
			SamplesPerLabel:  s.DataDistribution.SamplesPerLabel,
			NumDataRange:     s.DataDistribution.NumDataRange,
			NonIIDRate:       s.DataDistribution.NonIIDRate,
			RefreshEachRound: s.DataDistribution.RefreshEachRound,
		},
		RandomSeed:   s.RandomSeed,
		PollInterval: s.PollInterval,
	}
}

// NodeConfig builds the node settings. An empty node id is replaced by a random one.
func (cfg *Config) NodeConfig() node.Config {
	n := cfg.Node
	id := n.Id
	if id == "" {
		id = uuid.NewString()
	}
	return node.Config{
		ClientId:                  id,
		Stage:                     n.Stage,
		Performance:               n.Performance,
		Architecture:              cfg.Architecture(),
		ValidationSamplesPerClass: n.ValidationSamplesPerClass,
		Seed:                      n.Seed,
		PollInterval:              n.PollInterval,
	}
}

// Level maps the configured level name onto hclog.
func (cfg *Config) Level() hclog.Level {
	level := hclog.LevelFromString(cfg.Log.Level)
	if level == hclog.NoLevel {
		return hclog.Info
	}
	return level
}

// NewLogger creates the process root logger writing to stdout and to the configured log file.
// The returned file must be closed by the caller.
func (cfg *Config) NewLogger(name string) (hclog.Logger, *os.File, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Log.Path), 0777); err != nil {
		return nil, nil, err
	}
	logFile, err := os.OpenFile(cfg.Log.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return nil, nil, err
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  cfg.Level(),
		Output: io.MultiWriter(os.Stdout, logFile),
	})
	return logger, logFile, nil
}
