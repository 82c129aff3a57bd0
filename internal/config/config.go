package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFile is read when it exists and no other file was requested.
const DefaultFile = "rollcall.yaml"

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Thresholds ThresholdConfig  `yaml:"thresholds"`
	Extractor  ExtractorConfig  `yaml:"extractor"`
	Attendance AttendanceConfig `yaml:"attendance"`
	Server     ServerConfig     `yaml:"server"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"` // PostgreSQL connection URL
}

// ThresholdConfig holds the Euclidean distance cut-off of each matching call site.
type ThresholdConfig struct {
	Live    float64 `yaml:"live"`    // webcam / HTTP attendance
	Compare float64 `yaml:"compare"` // one-to-one photo comparison
	Batch   float64 `yaml:"batch"`   // video scans
}

type ExtractorConfig struct {
	Script             string        `yaml:"script"`
	Dim                int           `yaml:"dim"`
	DetectionThreshold float64       `yaml:"detection_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
}

type AttendanceConfig struct {
	DedupeWindow time.Duration `yaml:"dedupe_window"`
	MarkDuration time.Duration `yaml:"mark_duration"` // default marking window length
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{URL: "postgres://localhost:5432/rollcall"},
		Thresholds: ThresholdConfig{
			Live:    0.5,
			Compare: 0.4, // 60% similarity
			Batch:   0.6,
		},
		Extractor: ExtractorConfig{
			Script:             "python/worker.py",
			Dim:                128,
			DetectionThreshold: 0.5,
			Timeout:            30 * time.Second,
		},
		Attendance: AttendanceConfig{
			DedupeWindow: 30 * time.Second,
			MarkDuration: 15 * time.Minute,
		},
		Server: ServerConfig{Addr: ":8080"},
	}
}

// Load builds the configuration from defaults, then the YAML file at path, then the environment.
// An empty path falls back to ROLLCALL_CONFIG and then DefaultFile; only an explicitly
// requested file has to exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv("ROLLCALL_CONFIG")
		explicit = path != ""
	}
	if !explicit {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.Database.URL = url
	} else if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		c.Database.URL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}

	c.Thresholds.Live = envFloat("ROLLCALL_THRESHOLD_LIVE", c.Thresholds.Live)
	c.Thresholds.Compare = envFloat("ROLLCALL_THRESHOLD_COMPARE", c.Thresholds.Compare)
	c.Thresholds.Batch = envFloat("ROLLCALL_THRESHOLD_BATCH", c.Thresholds.Batch)

	if script := os.Getenv("ROLLCALL_WORKER_SCRIPT"); script != "" {
		c.Extractor.Script = script
	}
	c.Extractor.Dim = envInt("ROLLCALL_DIM", c.Extractor.Dim)
	c.Extractor.Timeout = envDuration("ROLLCALL_WORKER_TIMEOUT", c.Extractor.Timeout)
	c.Attendance.DedupeWindow = envDuration("ROLLCALL_DEDUPE_WINDOW", c.Attendance.DedupeWindow)

	if addr := os.Getenv("ROLLCALL_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	for name, t := range map[string]float64{
		"live":    c.Thresholds.Live,
		"compare": c.Thresholds.Compare,
		"batch":   c.Thresholds.Batch,
	} {
		if t < 0 || math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("invalid %s threshold %v", name, t)
		}
	}
	if c.Extractor.Dim <= 0 {
		return fmt.Errorf("invalid descriptor dimension %d", c.Extractor.Dim)
	}
	if c.Database.URL == "" {
		return errors.New("database url is empty")
	}
	return nil
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat is envInt for non-negative floats.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d
	}
	return defaultVal
}
