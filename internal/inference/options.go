package inference

import (
	"fmt"
	"math"
)

// SamplingConfig holds the per-token sampling parameters.
type SamplingConfig struct {
	Temperature float32 `json:"temperature"` // 0 = greedy argmax
	TopK        int     `json:"top_k"`
	TopP        float32 `json:"top_p"`
	MinP        float32 `json:"min_p"`
	TypicalP    float32 `json:"typical_p"`
	TFSZ        float32 `json:"tfs_z"`
	TopA        float32 `json:"top_a"`

	// Penalties are applied only when PenaltiesEnabled is set.
	PenaltiesEnabled bool    `json:"penalties_enabled"`
	RepeatPenalty    float32 `json:"repeat_penalty"`
	RepeatLastN      int     `json:"repeat_last_n"`
	FrequencyPenalty float32 `json:"frequency_penalty"`
	PresencePenalty  float32 `json:"presence_penalty"`

	// Mirostat: 0 = off, 1 = v1, 2 = v2.
	Mirostat    int     `json:"mirostat"`
	MirostatTau float32 `json:"mirostat_tau"`
	MirostatEta float32 `json:"mirostat_eta"`
	MirostatM   int     `json:"mirostat_m"`

	Seed int64 `json:"seed"` // < 0 = random per session
}

// ModelConfig is the snapshot used to load a model and size contexts.
// Engines copy it at session start; later setter calls do not affect a
// running session.
type ModelConfig struct {
	ModelPath    string `json:"model_path"`
	ContextSize  int    `json:"context_size"`
	BatchSize    int    `json:"batch_size"`
	UBatchSize   int    `json:"ubatch_size"`
	Threads      int    `json:"threads"`
	ThreadsBatch int    `json:"threads_batch"`
	GPULayers    int    `json:"gpu_layers"`
	UseMmap      bool   `json:"use_mmap"`
	UseMlock     bool   `json:"use_mlock"`

	Sampling SamplingConfig `json:"sampling"`

	RopeFreqBase   float32 `json:"rope_freq_base"`  // 0 = from model
	RopeFreqScale  float32 `json:"rope_freq_scale"` // 0 = from model
	YarnExtFactor  float32 `json:"yarn_ext_factor"`
	YarnAttnFactor float32 `json:"yarn_attn_factor"`
	YarnBetaFast   float32 `json:"yarn_beta_fast"`
	YarnBetaSlow   float32 `json:"yarn_beta_slow"`
	YarnOrigCtx    uint32  `json:"yarn_orig_ctx"`

	DefragThold float32 `json:"defrag_thold"`
	FlashAttn   bool    `json:"flash_attn"`
	OffloadKQV  bool    `json:"offload_kqv"`
	Embeddings  bool    `json:"embeddings"`
}

// DefaultSamplingConfig returns the sampling defaults for edge devices.
func DefaultSamplingConfig() SamplingConfig {
	return SamplingConfig{
		Temperature:      0.7,
		TopK:             40,
		TopP:             0.9,
		MinP:             0.0,
		TypicalP:         1.0,
		TFSZ:             1.0,
		TopA:             0.0,
		RepeatPenalty:    1.1,
		RepeatLastN:      64,
		FrequencyPenalty: 0.0,
		PresencePenalty:  0.0,
		MirostatTau:      5.0,
		MirostatEta:      0.1,
		MirostatM:        100,
		Seed:             42,
	}
}

// DefaultModelConfig returns defaults tuned for CPU-only edge devices.
func DefaultModelConfig(modelPath string) ModelConfig {
	return ModelConfig{
		ModelPath:      modelPath,
		ContextSize:    2048,
		BatchSize:      512,
		UBatchSize:     512,
		Threads:        4,
		ThreadsBatch:   4,
		GPULayers:      0, // CPU only by default
		UseMmap:        true,
		Sampling:       DefaultSamplingConfig(),
		YarnExtFactor:  -1.0,
		YarnAttnFactor: 1.0,
		YarnBetaFast:   32.0,
		YarnBetaSlow:   1.0,
	}
}

// Validate checks the invariants every session relies on.
func (c ModelConfig) Validate() error {
	if c.ContextSize <= 0 {
		return newEngineError(ErrInvalidConfig, fmt.Sprintf("context_size must be positive, got %d", c.ContextSize), nil)
	}
	if c.BatchSize <= 0 {
		return newEngineError(ErrInvalidConfig, fmt.Sprintf("batch_size must be positive, got %d", c.BatchSize), nil)
	}
	if c.UBatchSize < 0 {
		return newEngineError(ErrInvalidConfig, fmt.Sprintf("ubatch_size must not be negative, got %d", c.UBatchSize), nil)
	}
	if c.Threads < 0 || c.ThreadsBatch < 0 {
		return newEngineError(ErrInvalidConfig, "thread counts must not be negative", nil)
	}
	return c.Sampling.Validate()
}

// Validate checks the sampling parameter ranges.
func (s SamplingConfig) Validate() error {
	if s.TopK < 0 {
		return newEngineError(ErrInvalidConfig, fmt.Sprintf("top_k must be >= 0, got %d", s.TopK), nil)
	}
	if !(s.Temperature >= 0) || math.IsInf(float64(s.Temperature), 0) {
		return newEngineError(ErrInvalidConfig, fmt.Sprintf("temperature must be >= 0, got %g", s.Temperature), nil)
	}
	for name, v := range map[string]float32{"top_p": s.TopP, "min_p": s.MinP, "typical_p": s.TypicalP} {
		if !(v >= 0 && v <= 1) {
			return newEngineError(ErrInvalidConfig, fmt.Sprintf("%s must be in [0,1], got %g", name, v), nil)
		}
	}
	if s.TFSZ < 0 || s.TopA < 0 {
		return newEngineError(ErrInvalidConfig, "tfs_z and top_a must not be negative", nil)
	}
	if s.RepeatLastN < 0 {
		return newEngineError(ErrInvalidConfig, fmt.Sprintf("repeat_last_n must be >= 0, got %d", s.RepeatLastN), nil)
	}
	if s.Mirostat < 0 || s.Mirostat > 2 {
		return newEngineError(ErrInvalidConfig, fmt.Sprintf("mirostat must be 0, 1 or 2, got %d", s.Mirostat), nil)
	}
	if s.Mirostat == 1 && s.MirostatM <= 1 {
		return newEngineError(ErrInvalidConfig, "mirostat_m must be > 1 for mirostat v1", nil)
	}
	return nil
}

func (c ModelConfig) modelParams() ModelParams {
	return ModelParams{
		GPULayers: c.GPULayers,
		UseMmap:   c.UseMmap,
		UseMlock:  c.UseMlock,
	}
}

func (c ModelConfig) contextParams() ContextParams {
	threadsBatch := c.ThreadsBatch
	if threadsBatch == 0 {
		threadsBatch = c.Threads
	}
	ubatch := c.UBatchSize
	if ubatch == 0 || ubatch > c.BatchSize {
		ubatch = c.BatchSize
	}
	return ContextParams{
		ContextSize:    c.ContextSize,
		BatchSize:      c.BatchSize,
		UBatchSize:     ubatch,
		Threads:        c.Threads,
		ThreadsBatch:   threadsBatch,
		RopeFreqBase:   c.RopeFreqBase,
		RopeFreqScale:  c.RopeFreqScale,
		YarnExtFactor:  c.YarnExtFactor,
		YarnAttnFactor: c.YarnAttnFactor,
		YarnBetaFast:   c.YarnBetaFast,
		YarnBetaSlow:   c.YarnBetaSlow,
		YarnOrigCtx:    c.YarnOrigCtx,
		DefragThold:    c.DefragThold,
		FlashAttn:      c.FlashAttn,
		OffloadKQV:     c.OffloadKQV,
		Embeddings:     c.Embeddings,
	}
}
