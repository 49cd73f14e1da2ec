package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration. Values come from an optional YAML
// file and are overridden by environment variables (the env names are the
// yaml keys upper-cased, except ADMIN_JWT_SECRET, PORT and STALL_THRESHOLD_MS,
// which set jwt_secret, api_port and stall_threshold).
type Config struct {
	ScanURL     string `yaml:"scan_url"`
	CursorDir   string `yaml:"cursor_dir"`
	DataDir     string `yaml:"data_dir"`
	APIPort     int    `yaml:"api_port"`
	JWTSecret   string `yaml:"jwt_secret"`
	InsecureTLS bool   `yaml:"insecure_tls"`

	ScanRPS           float64 `yaml:"scan_rps"` // 0 disables the client rate limiter
	ScanBurst         int     `yaml:"scan_burst"`
	BatchSize         int     `yaml:"batch_size"`
	ParallelFetches   int     `yaml:"parallel_fetches"`
	MinParallel       int     `yaml:"min_parallel_fetches"`
	MaxParallel       int     `yaml:"max_parallel_fetches"`
	LatencyLowMs      int     `yaml:"latency_low_ms"`
	LatencyHighMs     int     `yaml:"latency_high_ms"`
	LatencyCritMs     int     `yaml:"latency_critical_ms"`
	FlushEveryBatches int     `yaml:"flush_every_batches"`
	CheckpointEvery   int     `yaml:"gcs_checkpoint_interval"`

	ShardIndex      int  `yaml:"shard_index"`
	ShardTotal      int  `yaml:"shard_total"`
	TargetMigration int  `yaml:"target_migration"` // -1 means all
	WriteParquet    bool `yaml:"write_parquet"`
	WriteChunked    bool `yaml:"write_chunked"`
	WriterWorkers   int  `yaml:"writer_workers"`
	RowsPerFile     int  `yaml:"rows_per_file"`

	PollInterval      time.Duration `yaml:"poll_interval"`
	StallThreshold    time.Duration `yaml:"stall_threshold"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	PressureThreshold float64       `yaml:"heap_pressure_threshold"`
}

// Default returns the configuration with every knob at its documented default.
func Default() *Config {
	return &Config{
		ScanURL:           "http://localhost:5012/api/scan",
		CursorDir:         "./cursors",
		DataDir:           "./data",
		APIPort:           8080,
		BatchSize:         1000,
		ParallelFetches:   8,
		MinParallel:       2,
		MaxParallel:       24,
		LatencyLowMs:      500,
		LatencyHighMs:     2000,
		LatencyCritMs:     5000,
		FlushEveryBatches: 5,
		CheckpointEvery:   50,
		ShardIndex:        0,
		ShardTotal:        1,
		TargetMigration:   -1,
		WriteParquet:      true,
		WriteChunked:      false,
		WriterWorkers:     4,
		RowsPerFile:       100000,
		PollInterval:      5 * time.Second,
		StallThreshold:    120 * time.Second,
		RequestTimeout:    60 * time.Second,
		PressureThreshold: 0.80,
	}
}

// Load reads the YAML file at path (if path is non-empty), then applies env
// overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a config from defaults + environment only.
func FromEnv() (*Config, error) {
	return Load(os.Getenv("CONFIG_FILE"))
}

func (c *Config) applyEnv() {
	envStr("SCAN_URL", &c.ScanURL)
	envStr("CURSOR_DIR", &c.CursorDir)
	envStr("DATA_DIR", &c.DataDir)
	envStr("ADMIN_JWT_SECRET", &c.JWTSecret)
	envInt("PORT", &c.APIPort)
	envBool("INSECURE_TLS", &c.InsecureTLS)

	envFloat("SCAN_RPS", &c.ScanRPS)
	envInt("SCAN_BURST", &c.ScanBurst)
	envInt("BATCH_SIZE", &c.BatchSize)
	envInt("PARALLEL_FETCHES", &c.ParallelFetches)
	envInt("MIN_PARALLEL_FETCHES", &c.MinParallel)
	envInt("MAX_PARALLEL_FETCHES", &c.MaxParallel)
	envInt("LATENCY_LOW_MS", &c.LatencyLowMs)
	envInt("LATENCY_HIGH_MS", &c.LatencyHighMs)
	envInt("LATENCY_CRITICAL_MS", &c.LatencyCritMs)
	envInt("FLUSH_EVERY_BATCHES", &c.FlushEveryBatches)
	envInt("GCS_CHECKPOINT_INTERVAL", &c.CheckpointEvery)

	envInt("SHARD_INDEX", &c.ShardIndex)
	envInt("SHARD_TOTAL", &c.ShardTotal)
	envInt("TARGET_MIGRATION", &c.TargetMigration)
	envBool("WRITE_PARQUET", &c.WriteParquet)
	envBool("WRITE_CHUNKED", &c.WriteChunked)
	envInt("WRITER_WORKERS", &c.WriterWorkers)
	envInt("ROWS_PER_FILE", &c.RowsPerFile)

	envDuration("POLL_INTERVAL", &c.PollInterval)
	envDurationMs("STALL_THRESHOLD_MS", &c.StallThreshold)
	envDuration("REQUEST_TIMEOUT", &c.RequestTimeout)
	envFloat("HEAP_PRESSURE_THRESHOLD", &c.PressureThreshold)
}

func (c *Config) validate() error {
	if c.ScanURL == "" {
		return fmt.Errorf("scan_url is required")
	}
	if c.BatchSize < 1 || c.BatchSize > 1000 {
		return fmt.Errorf("batch_size must be in [1,1000], got %d", c.BatchSize)
	}
	if c.MinParallel < 1 || c.MaxParallel < c.MinParallel {
		return fmt.Errorf("invalid parallel fetch bounds [%d,%d]", c.MinParallel, c.MaxParallel)
	}
	if c.ParallelFetches < c.MinParallel {
		c.ParallelFetches = c.MinParallel
	}
	if c.ParallelFetches > c.MaxParallel {
		c.ParallelFetches = c.MaxParallel
	}
	if c.ShardTotal < 1 || c.ShardIndex < 0 || c.ShardIndex >= c.ShardTotal {
		return fmt.Errorf("invalid shard %d/%d", c.ShardIndex, c.ShardTotal)
	}
	if !c.WriteParquet && !c.WriteChunked {
		return fmt.Errorf("at least one of write_parquet / write_chunked must be enabled")
	}
	if c.PressureThreshold <= 0 || c.PressureThreshold > 1 {
		return fmt.Errorf("heap_pressure_threshold must be in (0,1], got %v", c.PressureThreshold)
	}
	return nil
}

func envStr(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		} else if n, err := strconv.Atoi(v); err == nil {
			// Bare numbers are seconds.
			*dst = time.Duration(n) * time.Second
		}
	}
}

func envDurationMs(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
