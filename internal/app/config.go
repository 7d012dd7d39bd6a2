package app

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/raysh454/kansa/internal/advisor"
	"github.com/raysh454/kansa/internal/queue"
	"github.com/raysh454/kansa/internal/scanner"
	"github.com/raysh454/kansa/internal/server"
	"github.com/raysh454/kansa/internal/webclient"
)

// OrchestratorConfig tunes the worker pool and job lifecycle policy.
type OrchestratorConfig struct {
	// Workers is the number of concurrent scan workers.
	Workers int `yaml:"workers"`

	// PollInterval is how long an idle worker sleeps between queue polls.
	PollInterval time.Duration `yaml:"poll_interval"`

	// StallThreshold is how long an in-progress job may go without finishing
	// before the sweeper treats it as abandoned.
	StallThreshold time.Duration `yaml:"stall_threshold"`

	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// RequeueStalled controls whether swept jobs are reset and re-enqueued
	// instead of being marked failed.
	RequeueStalled bool `yaml:"requeue_stalled"`

	// RetryDelay spaces out redeliveries after a worker releases a job.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// ResultTTL is the retention window for scan results.
	ResultTTL time.Duration `yaml:"result_ttl"`

	// GradeCacheTTL bounds how long external grading lookups are reused.
	GradeCacheTTL time.Duration `yaml:"grade_cache_ttl"`
}

// Config is the aggregate runtime configuration.
type Config struct {
	// DBPath is the SQLite database file holding jobs, results and the queue.
	DBPath string `yaml:"db_path"`

	LogLevel string `yaml:"log_level"`

	// EnableRenderer turns on the headless-browser backend used by deep
	// content scans. When construction fails the scanner falls back to the
	// plain HTTP client.
	EnableRenderer bool `yaml:"enable_renderer"`

	Server       server.Config      `yaml:"server"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Queue        queue.Config       `yaml:"queue"`
	Scanner      scanner.Config     `yaml:"scanner"`
	WebClient    webclient.Config   `yaml:"webclient"`
	Advisor      advisor.Config     `yaml:"advisor"`
}

// DefaultConfig returns a Config populated with production defaults.
func DefaultConfig() *Config {
	return &Config{
		DBPath:         "kansa.db",
		LogLevel:       "info",
		EnableRenderer: true,
		Server:         server.DefaultConfig(),
		Orchestrator: OrchestratorConfig{
			Workers:        4,
			PollInterval:   500 * time.Millisecond,
			StallThreshold: 20 * time.Minute,
			SweepInterval:  5 * time.Minute,
			RequeueStalled: false,
			RetryDelay:     30 * time.Second,
			ResultTTL:      90 * 24 * time.Hour,
			GradeCacheTTL:  time.Hour,
		},
		Queue:     queue.DefaultConfig(),
		Scanner:   scanner.DefaultConfig(),
		WebClient: webclient.DefaultConfig(),
		Advisor:   advisor.DefaultConfig(),
	}
}

// LoadConfig overlays the YAML file at path onto the defaults. A missing path
// returns the defaults untouched.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}
