// Package config loads service configuration from YAML with environment
// overrides, and hot-reloads it when the file changes on disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// CaptureConfig controls the capture scheduler.
type CaptureConfig struct {
	ActiveFPS           float64  `yaml:"active_fps"`
	IdleFPS             float64  `yaml:"idle_fps"`
	IdleThreshold       Duration `yaml:"idle_threshold"`
	SimilarityThreshold float64  `yaml:"similarity_threshold"`
	MaxDiskUsageGB      float64  `yaml:"max_disk_usage_gb"`
	MinFreeSpaceGB      float64  `yaml:"min_free_space_gb"`
	Format              string   `yaml:"format"`
}

// ExtractConfig controls the text extraction queue.
type ExtractConfig struct {
	Engine       string   `yaml:"engine"` // "vision" or "local"
	Model        string   `yaml:"model"`
	LocalCommand string   `yaml:"local_command"` // OCR binary for the local engine
	APIKeyEnv    string   `yaml:"api_key_env"`
	BaseURL      string   `yaml:"base_url"`
	BatchSize    int      `yaml:"batch_size"`
	MaxRetries   int      `yaml:"max_retries"`
	Timeout      Duration `yaml:"timeout"`
	RateLimitRPM int      `yaml:"rate_limit_rpm"`
	QueueSize    int      `yaml:"queue_size"`
	Workers      int      `yaml:"workers"`
	BackoffBase  Duration `yaml:"backoff_base"`
	HighWater    int      `yaml:"high_water"`
}

// EmbeddingsConfig controls the semantic indexer.
type EmbeddingsConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Provider     string   `yaml:"provider"` // "openai" or "ollama"
	Model        string   `yaml:"model"`
	Dimension    int      `yaml:"dimension"`
	BaseURL      string   `yaml:"base_url"`
	APIKeyEnv    string   `yaml:"api_key_env"`
	CacheSize    int      `yaml:"cache_size"`
	PollInterval Duration `yaml:"poll_interval"`
}

// RerankerConfig controls cross-encoder reranking of semantic results.
type RerankerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// SearchConfig controls the retrieval engine.
type SearchConfig struct {
	CandidateMultiplier int `yaml:"candidate_multiplier"`
}

// RetentionConfig controls the retention and video re-encoding jobs.
type RetentionConfig struct {
	Days           int      `yaml:"days"`
	Interval       Duration `yaml:"interval"`
	VideoEnabled   bool     `yaml:"video_enabled"`
	VideoAfterDays int      `yaml:"video_after_days"`
	KeepFrames     bool     `yaml:"keep_frames"`
	FFmpegPath     string   `yaml:"ffmpeg_path"`
}

// SummarizeConfig controls periodic activity summaries.
type SummarizeConfig struct {
	Enabled   bool `yaml:"enabled"`
	Hourly    bool `yaml:"hourly"`
	Daily     bool `yaml:"daily"`
	MinFrames int  `yaml:"min_frames"`
}

// StorageConfig locates the data directory and selects the vector backend.
type StorageConfig struct {
	DataPath      string `yaml:"data_path"`
	VectorBackend string `yaml:"vector_backend"` // "sqlite" or "postgres"
	PostgresDSN   string `yaml:"postgres_dsn"`
}

// Config is the full service configuration.
type Config struct {
	Capture    CaptureConfig    `yaml:"capture"`
	Extract    ExtractConfig    `yaml:"extract"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Reranker   RerankerConfig   `yaml:"reranker"`
	Search     SearchConfig     `yaml:"search"`
	Retention  RetentionConfig  `yaml:"retention"`
	Summarize  SummarizeConfig  `yaml:"summarize"`
	Storage    StorageConfig    `yaml:"storage"`
}

// Default returns the configuration used when no file or key is present.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Capture: CaptureConfig{
			ActiveFPS:           1.0,
			IdleFPS:             0.2,
			IdleThreshold:       Duration(30 * time.Second),
			SimilarityThreshold: 0.95,
			MaxDiskUsageGB:      100,
			MinFreeSpaceGB:      10,
			Format:              "png",
		},
		Extract: ExtractConfig{
			Engine:       "vision",
			Model:        "gpt-4o-mini",
			APIKeyEnv:    "OPENAI_API_KEY",
			BaseURL:      "https://api.openai.com/v1",
			BatchSize:    5,
			MaxRetries:   3,
			Timeout:      Duration(30 * time.Second),
			RateLimitRPM: 50,
			QueueSize:    256,
			Workers:      1,
			BackoffBase:  Duration(time.Second),
			HighWater:    192,
		},
		Embeddings: EmbeddingsConfig{
			Enabled:      true,
			Provider:     "openai",
			Model:        "text-embedding-3-small",
			Dimension:    384,
			BaseURL:      "https://api.openai.com/v1",
			APIKeyEnv:    "OPENAI_API_KEY",
			CacheSize:    4096,
			PollInterval: Duration(15 * time.Second),
		},
		Reranker: RerankerConfig{
			Enabled: false,
		},
		Search: SearchConfig{
			CandidateMultiplier: 4,
		},
		Retention: RetentionConfig{
			Days:           90,
			Interval:       Duration(time.Hour),
			VideoEnabled:   false,
			VideoAfterDays: 7,
			KeepFrames:     false,
			FFmpegPath:     "ffmpeg",
		},
		Summarize: SummarizeConfig{
			Enabled:   false,
			Hourly:    true,
			Daily:     true,
			MinFrames: 10,
		},
		Storage: StorageConfig{
			DataPath:      filepath.Join(home, ".hindsight"),
			VectorBackend: "sqlite",
		},
	}
}

// Load reads the YAML file at path, layered over defaults, then applies
// environment overrides. A missing file is not an error: defaults plus
// environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with HINDSIGHT_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("HINDSIGHT_DATA_PATH"); v != "" {
		c.Storage.DataPath = v
	}
	if v := os.Getenv("HINDSIGHT_VECTOR_BACKEND"); v != "" {
		c.Storage.VectorBackend = v
	}
	if v := os.Getenv("HINDSIGHT_POSTGRES_DSN"); v != "" {
		c.Storage.PostgresDSN = v
	}
	if v := os.Getenv("HINDSIGHT_EXTRACT_ENGINE"); v != "" {
		c.Extract.Engine = v
	}
	if v := os.Getenv("HINDSIGHT_EXTRACT_BASE_URL"); v != "" {
		c.Extract.BaseURL = v
	}
	if v := os.Getenv("HINDSIGHT_EMBEDDINGS_BASE_URL"); v != "" {
		c.Embeddings.BaseURL = v
	}
	if v := os.Getenv("HINDSIGHT_RERANKER_BASE_URL"); v != "" {
		c.Reranker.BaseURL = v
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Capture.ActiveFPS <= 0 {
		return fmt.Errorf("config: capture.active_fps must be positive")
	}
	if c.Capture.IdleFPS <= 0 || c.Capture.IdleFPS > c.Capture.ActiveFPS {
		return fmt.Errorf("config: capture.idle_fps must be in (0, active_fps]")
	}
	if c.Capture.SimilarityThreshold < 0 || c.Capture.SimilarityThreshold > 1 {
		return fmt.Errorf("config: capture.similarity_threshold must be in [0, 1]")
	}
	switch c.Extract.Engine {
	case "vision":
	case "local":
		if c.Extract.LocalCommand == "" {
			return fmt.Errorf("config: extract.local_command is required with the local engine")
		}
	default:
		return fmt.Errorf("config: extract.engine must be \"vision\" or \"local\", got %q", c.Extract.Engine)
	}
	if c.Extract.MaxRetries < 1 {
		return fmt.Errorf("config: extract.max_retries must be at least 1")
	}
	if c.Extract.QueueSize < 1 {
		return fmt.Errorf("config: extract.queue_size must be at least 1")
	}
	if c.Extract.HighWater > c.Extract.QueueSize {
		return fmt.Errorf("config: extract.high_water cannot exceed queue_size")
	}
	switch c.Embeddings.Provider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("config: embeddings.provider must be \"openai\" or \"ollama\", got %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("config: embeddings.dimension must be positive")
	}
	switch c.Storage.VectorBackend {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("config: storage.postgres_dsn is required with the postgres backend")
		}
	default:
		return fmt.Errorf("config: storage.vector_backend must be \"sqlite\" or \"postgres\", got %q", c.Storage.VectorBackend)
	}
	if c.Retention.Days < 1 {
		return fmt.Errorf("config: retention.days must be at least 1")
	}
	return nil
}

// APIKey resolves the extraction engine's API key from the configured
// environment variable.
func (e ExtractConfig) APIKey() string {
	if e.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(e.APIKeyEnv)
}

// APIKey resolves the embedding provider's API key.
func (e EmbeddingsConfig) APIKey() string {
	if e.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(e.APIKeyEnv)
}
