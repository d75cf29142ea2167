package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/takuphilchan/offgrid-edge/internal/inference"
	"github.com/takuphilchan/offgrid-edge/internal/platform"
)

// Config holds application configuration
type Config struct {
	// Model settings
	ModelPath     string `yaml:"model_path" json:"model_path"`
	LibPath       string `yaml:"lib_path" json:"lib_path"`               // llama.cpp shared libraries (yzma builds)
	UseMockEngine bool   `yaml:"use_mock_engine" json:"use_mock_engine"` // Use mock instead of llama.cpp
	ContextSize   int    `yaml:"context_size" json:"context_size"`
	BatchSize     int    `yaml:"batch_size" json:"batch_size"`
	UBatchSize    int    `yaml:"ubatch_size" json:"ubatch_size"`
	NumThreads    int    `yaml:"num_threads" json:"num_threads"`
	ThreadsBatch  int    `yaml:"threads_batch" json:"threads_batch"` // 0 = same as num_threads
	NumGPULayers  int    `yaml:"num_gpu_layers" json:"num_gpu_layers"`
	UseMmap       bool   `yaml:"use_mmap" json:"use_mmap"`   // Memory-map model file (good for low RAM)
	UseMlock      bool   `yaml:"use_mlock" json:"use_mlock"` // Lock model in RAM, needs RLIMIT_MEMLOCK

	// Context tuning
	FlashAttention bool    `yaml:"flash_attention" json:"flash_attention"`
	OffloadKQV     bool    `yaml:"offload_kqv" json:"offload_kqv"`
	Embeddings     bool    `yaml:"embeddings" json:"embeddings"`
	DefragThold    float32 `yaml:"defrag_thold" json:"defrag_thold"`
	RopeFreqBase   float32 `yaml:"rope_freq_base" json:"rope_freq_base"`
	RopeFreqScale  float32 `yaml:"rope_freq_scale" json:"rope_freq_scale"`
	YarnExtFactor  float32 `yaml:"yarn_ext_factor" json:"yarn_ext_factor"`
	YarnAttnFactor float32 `yaml:"yarn_attn_factor" json:"yarn_attn_factor"`
	YarnBetaFast   float32 `yaml:"yarn_beta_fast" json:"yarn_beta_fast"`
	YarnBetaSlow   float32 `yaml:"yarn_beta_slow" json:"yarn_beta_slow"`
	YarnOrigCtx    uint32  `yaml:"yarn_orig_ctx" json:"yarn_orig_ctx"`

	// Sampling
	Temperature      float32 `yaml:"temperature" json:"temperature"`
	TopK             int     `yaml:"top_k" json:"top_k"`
	TopP             float32 `yaml:"top_p" json:"top_p"`
	MinP             float32 `yaml:"min_p" json:"min_p"`
	TypicalP         float32 `yaml:"typical_p" json:"typical_p"`
	TFSZ             float32 `yaml:"tfs_z" json:"tfs_z"`
	TopA             float32 `yaml:"top_a" json:"top_a"`
	PenaltiesEnabled bool    `yaml:"penalties_enabled" json:"penalties_enabled"`
	RepeatPenalty    float32 `yaml:"repeat_penalty" json:"repeat_penalty"`
	RepeatLastN      int     `yaml:"repeat_last_n" json:"repeat_last_n"`
	FrequencyPenalty float32 `yaml:"frequency_penalty" json:"frequency_penalty"`
	PresencePenalty  float32 `yaml:"presence_penalty" json:"presence_penalty"`
	Mirostat         int     `yaml:"mirostat" json:"mirostat"`
	MirostatTau      float32 `yaml:"mirostat_tau" json:"mirostat_tau"`
	MirostatEta      float32 `yaml:"mirostat_eta" json:"mirostat_eta"`
	MirostatM        int     `yaml:"mirostat_m" json:"mirostat_m"`
	Seed             int64   `yaml:"seed" json:"seed"` // < 0 = random per session

	// Generation and streaming
	MaxTokens          int `yaml:"max_tokens" json:"max_tokens"`
	StreamDepth        int `yaml:"stream_depth" json:"stream_depth"`
	StreamSendWindowMs int `yaml:"stream_send_window_ms" json:"stream_send_window_ms"`

	// Logging
	LogLevel string `yaml:"log_level" json:"log_level"`
	LogJSON  bool   `yaml:"log_json" json:"log_json"`
	LogFile  string `yaml:"log_file" json:"log_file"`

	// Session history and tracing
	HistoryDB    string `yaml:"history_db" json:"history_db"` // empty = history disabled
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
}

// DefaultConfig returns the built-in defaults, tuned for CPU-only edge boards.
func DefaultConfig() *Config {
	m := inference.DefaultModelConfig("")
	s := m.Sampling
	return &Config{
		ContextSize:        m.ContextSize,
		BatchSize:          m.BatchSize,
		UBatchSize:         m.UBatchSize,
		NumThreads:         m.Threads,
		ThreadsBatch:       m.ThreadsBatch,
		NumGPULayers:       m.GPULayers,
		UseMmap:            m.UseMmap,
		YarnExtFactor:      m.YarnExtFactor,
		YarnAttnFactor:     m.YarnAttnFactor,
		YarnBetaFast:       m.YarnBetaFast,
		YarnBetaSlow:       m.YarnBetaSlow,
		Temperature:        s.Temperature,
		TopK:               s.TopK,
		TopP:               s.TopP,
		MinP:               s.MinP,
		TypicalP:           s.TypicalP,
		TFSZ:               s.TFSZ,
		TopA:               s.TopA,
		RepeatPenalty:      s.RepeatPenalty,
		RepeatLastN:        s.RepeatLastN,
		FrequencyPenalty:   s.FrequencyPenalty,
		PresencePenalty:    s.PresencePenalty,
		MirostatTau:        s.MirostatTau,
		MirostatEta:        s.MirostatEta,
		MirostatM:          s.MirostatM,
		Seed:               s.Seed,
		MaxTokens:          inference.DefaultMaxTokens,
		StreamDepth:        inference.DefaultStreamDepth,
		StreamSendWindowMs: int(inference.DefaultSendWindow / time.Millisecond),
		LogLevel:           "info",
		HistoryDB:          filepath.Join(platform.GetDataPath(), "history.db"),
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	return cfg
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(f)
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// Validate checks the configuration and prepares the history directory.
func (c *Config) Validate() error {
	if err := c.ModelConfig().Validate(); err != nil {
		return err
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q (use debug, info, warn or error)", c.LogLevel)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be >= 0, got %d", c.MaxTokens)
	}
	if c.HistoryDB != "" && c.HistoryDB != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(c.HistoryDB), 0755); err != nil {
			return fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	return nil
}

// ModelConfig converts the file/env view into the engine's snapshot type.
func (c *Config) ModelConfig() inference.ModelConfig {
	return inference.ModelConfig{
		ModelPath:    c.ModelPath,
		ContextSize:  c.ContextSize,
		BatchSize:    c.BatchSize,
		UBatchSize:   c.UBatchSize,
		Threads:      c.NumThreads,
		ThreadsBatch: c.ThreadsBatch,
		GPULayers:    c.NumGPULayers,
		UseMmap:      c.UseMmap,
		UseMlock:     c.UseMlock,
		Sampling: inference.SamplingConfig{
			Temperature:      c.Temperature,
			TopK:             c.TopK,
			TopP:             c.TopP,
			MinP:             c.MinP,
			TypicalP:         c.TypicalP,
			TFSZ:             c.TFSZ,
			TopA:             c.TopA,
			PenaltiesEnabled: c.PenaltiesEnabled,
			RepeatPenalty:    c.RepeatPenalty,
			RepeatLastN:      c.RepeatLastN,
			FrequencyPenalty: c.FrequencyPenalty,
			PresencePenalty:  c.PresencePenalty,
			Mirostat:         c.Mirostat,
			MirostatTau:      c.MirostatTau,
			MirostatEta:      c.MirostatEta,
			MirostatM:        c.MirostatM,
			Seed:             c.Seed,
		},
		RopeFreqBase:   c.RopeFreqBase,
		RopeFreqScale:  c.RopeFreqScale,
		YarnExtFactor:  c.YarnExtFactor,
		YarnAttnFactor: c.YarnAttnFactor,
		YarnBetaFast:   c.YarnBetaFast,
		YarnBetaSlow:   c.YarnBetaSlow,
		YarnOrigCtx:    c.YarnOrigCtx,
		DefragThold:    c.DefragThold,
		FlashAttn:      c.FlashAttention,
		OffloadKQV:     c.OffloadKQV,
		Embeddings:     c.Embeddings,
	}
}

// SendWindow returns the stream send window as a duration.
func (c *Config) SendWindow() time.Duration {
	return time.Duration(c.StreamSendWindowMs) * time.Millisecond
}

// LoadFromFile loads configuration from a YAML or JSON file. Keys missing
// from the file keep their default values.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := filepath.Ext(path)
	if ext == ".yaml" || ext == ".yml" {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	} else if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	} else {
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	cfg.applyDefaults()

	return cfg, nil
}

// SaveToFile saves configuration to a YAML or JSON file
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	ext := filepath.Ext(path)
	if ext == ".yaml" || ext == ".yml" {
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
	} else if ext == ".json" {
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
	} else {
		return fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadWithPriority loads config with priority: env > file > defaults
func LoadWithPriority(configPath string) (*Config, error) {
	var cfg *Config
	var err error

	if configPath != "" {
		cfg, err = LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		configDir := platform.GetConfigPath()
		candidates := []string{
			filepath.Join(configDir, "config.yaml"),
			filepath.Join(configDir, "config.yml"),
			filepath.Join(configDir, "config.json"),
			"offgrid-edge.yaml",
			"offgrid-edge.yml",
			"offgrid-edge.json",
		}

		for _, path := range candidates {
			if _, statErr := os.Stat(path); statErr == nil {
				cfg, err = LoadFromFile(path)
				if err != nil {
					return nil, err
				}
				break
			}
		}

		if cfg == nil {
			cfg = DefaultConfig()
		}
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyDefaults restores defaults for fields where zero is never valid.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ContextSize == 0 {
		c.ContextSize = d.ContextSize
	}
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.NumThreads == 0 {
		c.NumThreads = d.NumThreads
	}
	if c.StreamDepth == 0 {
		c.StreamDepth = d.StreamDepth
	}
	if c.StreamSendWindowMs == 0 {
		c.StreamSendWindowMs = d.StreamSendWindowMs
	}
	if c.MirostatM == 0 {
		c.MirostatM = d.MirostatM
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

// applyEnvOverrides overrides config with OFFGRID_* environment variables
func (c *Config) applyEnvOverrides() {
	c.ModelPath = getEnv("OFFGRID_MODEL_PATH", c.ModelPath)
	c.LibPath = getEnv("OFFGRID_LIB_PATH", c.LibPath)
	c.UseMockEngine = getEnvBool("OFFGRID_USE_MOCK", c.UseMockEngine)
	c.ContextSize = getEnvInt("OFFGRID_CONTEXT_SIZE", c.ContextSize)
	c.BatchSize = getEnvInt("OFFGRID_BATCH_SIZE", c.BatchSize)
	c.UBatchSize = getEnvInt("OFFGRID_UBATCH_SIZE", c.UBatchSize)
	c.NumThreads = getEnvInt("OFFGRID_NUM_THREADS", c.NumThreads)
	c.ThreadsBatch = getEnvInt("OFFGRID_THREADS_BATCH", c.ThreadsBatch)
	c.NumGPULayers = getEnvInt("OFFGRID_GPU_LAYERS", c.NumGPULayers)
	c.UseMmap = getEnvBool("OFFGRID_USE_MMAP", c.UseMmap)
	c.UseMlock = getEnvBool("OFFGRID_USE_MLOCK", c.UseMlock)

	c.FlashAttention = getEnvBool("OFFGRID_FLASH_ATTENTION", c.FlashAttention)
	c.OffloadKQV = getEnvBool("OFFGRID_OFFLOAD_KQV", c.OffloadKQV)
	c.Embeddings = getEnvBool("OFFGRID_EMBEDDINGS", c.Embeddings)
	c.DefragThold = getEnvFloat("OFFGRID_DEFRAG_THOLD", c.DefragThold)
	c.RopeFreqBase = getEnvFloat("OFFGRID_ROPE_FREQ_BASE", c.RopeFreqBase)
	c.RopeFreqScale = getEnvFloat("OFFGRID_ROPE_FREQ_SCALE", c.RopeFreqScale)
	c.YarnExtFactor = getEnvFloat("OFFGRID_YARN_EXT_FACTOR", c.YarnExtFactor)
	c.YarnAttnFactor = getEnvFloat("OFFGRID_YARN_ATTN_FACTOR", c.YarnAttnFactor)
	c.YarnBetaFast = getEnvFloat("OFFGRID_YARN_BETA_FAST", c.YarnBetaFast)
	c.YarnBetaSlow = getEnvFloat("OFFGRID_YARN_BETA_SLOW", c.YarnBetaSlow)
	c.YarnOrigCtx = uint32(getEnvInt("OFFGRID_YARN_ORIG_CTX", int(c.YarnOrigCtx)))

	c.Temperature = getEnvFloat("OFFGRID_TEMPERATURE", c.Temperature)
	c.TopK = getEnvInt("OFFGRID_TOP_K", c.TopK)
	c.TopP = getEnvFloat("OFFGRID_TOP_P", c.TopP)
	c.MinP = getEnvFloat("OFFGRID_MIN_P", c.MinP)
	c.TypicalP = getEnvFloat("OFFGRID_TYPICAL_P", c.TypicalP)
	c.TFSZ = getEnvFloat("OFFGRID_TFS_Z", c.TFSZ)
	c.TopA = getEnvFloat("OFFGRID_TOP_A", c.TopA)
	c.PenaltiesEnabled = getEnvBool("OFFGRID_PENALTIES", c.PenaltiesEnabled)
	c.RepeatPenalty = getEnvFloat("OFFGRID_REPEAT_PENALTY", c.RepeatPenalty)
	c.RepeatLastN = getEnvInt("OFFGRID_REPEAT_LAST_N", c.RepeatLastN)
	c.FrequencyPenalty = getEnvFloat("OFFGRID_FREQUENCY_PENALTY", c.FrequencyPenalty)
	c.PresencePenalty = getEnvFloat("OFFGRID_PRESENCE_PENALTY", c.PresencePenalty)
	c.Mirostat = getEnvInt("OFFGRID_MIROSTAT", c.Mirostat)
	c.MirostatTau = getEnvFloat("OFFGRID_MIROSTAT_TAU", c.MirostatTau)
	c.MirostatEta = getEnvFloat("OFFGRID_MIROSTAT_ETA", c.MirostatEta)
	c.MirostatM = getEnvInt("OFFGRID_MIROSTAT_M", c.MirostatM)
	c.Seed = getEnvInt64("OFFGRID_SEED", c.Seed)

	c.MaxTokens = getEnvInt("OFFGRID_MAX_TOKENS", c.MaxTokens)
	c.StreamDepth = getEnvInt("OFFGRID_STREAM_DEPTH", c.StreamDepth)
	c.StreamSendWindowMs = getEnvInt("OFFGRID_STREAM_SEND_WINDOW_MS", c.StreamSendWindowMs)

	c.LogLevel = getEnv("OFFGRID_LOG_LEVEL", c.LogLevel)
	c.LogJSON = getEnvBool("OFFGRID_LOG_JSON", c.LogJSON)
	c.LogFile = getEnv("OFFGRID_LOG_FILE", c.LogFile)
	c.HistoryDB = getEnv("OFFGRID_HISTORY_DB", c.HistoryDB)
	c.OTLPEndpoint = getEnv("OFFGRID_OTLP_ENDPOINT", c.OTLPEndpoint)
}
