package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takuphilchan/offgrid-edge/internal/inference"
)

func TestDefaultConfigIsValid(t *testing.T) {
	t.Setenv("OFFGRID_DATA_DIR", t.TempDir())
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2048, cfg.ContextSize)
	assert.Equal(t, inference.DefaultMaxTokens, cfg.MaxTokens)
	assert.Equal(t, inference.DefaultSendWindow, cfg.SendWindow())
	assert.False(t, cfg.PenaltiesEnabled)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OFFGRID_MODEL_PATH", "/models/tiny.gguf")
	t.Setenv("OFFGRID_CONTEXT_SIZE", "1024")
	t.Setenv("OFFGRID_TEMPERATURE", "0.25")
	t.Setenv("OFFGRID_USE_MOCK", "true")
	t.Setenv("OFFGRID_SEED", "-1")
	t.Setenv("OFFGRID_TOP_K", "not-a-number")
	t.Setenv("OFFGRID_STREAM_SEND_WINDOW_MS", "250")

	cfg := LoadConfig()
	assert.Equal(t, "/models/tiny.gguf", cfg.ModelPath)
	assert.Equal(t, 1024, cfg.ContextSize)
	assert.Equal(t, float32(0.25), cfg.Temperature)
	assert.True(t, cfg.UseMockEngine)
	assert.Equal(t, int64(-1), cfg.Seed)
	assert.Equal(t, 40, cfg.TopK)
	assert.Equal(t, 250*time.Millisecond, cfg.SendWindow())
}

func TestFileRoundTrip(t *testing.T) {
	for _, ext := range []string{".yaml", ".json"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config"+ext)

			cfg := DefaultConfig()
			cfg.ModelPath = "/models/phi.gguf"
			cfg.TopK = 12
			cfg.Mirostat = 2
			cfg.HistoryDB = ":memory:"
			require.NoError(t, cfg.SaveToFile(path))

			loaded, err := LoadFromFile(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}
}

func TestLoadFromFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model_path: /m.gguf\ncontext_size: 0\ntop_p: 0.5\n"), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/m.gguf", cfg.ModelPath)
	assert.Equal(t, 2048, cfg.ContextSize)
	assert.Equal(t, float32(0.5), cfg.TopP)
	assert.Equal(t, 512, cfg.BatchSize)
}

func TestLoadFromFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFromFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(bad, []byte("x = 1"), 0644))
	_, err = LoadFromFile(bad)
	assert.ErrorContains(t, err, "unsupported config file format")

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte("{"), 0644))
	_, err = LoadFromFile(broken)
	assert.ErrorContains(t, err, "failed to parse JSON")
}

func TestLoadWithPriority(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("OFFGRID_CONFIG_DIR", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("model_path: /from/file.gguf\ntop_k: 5\n"), 0644))

	cfg, err := LoadWithPriority("")
	require.NoError(t, err)
	assert.Equal(t, "/from/file.gguf", cfg.ModelPath)
	assert.Equal(t, 5, cfg.TopK)

	t.Setenv("OFFGRID_TOP_K", "9")
	cfg, err = LoadWithPriority("")
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.TopK)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"context size", func(c *Config) { c.ContextSize = -1 }},
		{"log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"max tokens", func(c *Config) { c.MaxTokens = -5 }},
		{"top p", func(c *Config) { c.TopP = 2 }},
		{"mirostat", func(c *Config) { c.Mirostat = 4 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.HistoryDB = ":memory:"
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestModelConfigConversion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelPath = "/m.gguf"
	cfg.NumThreads = 3
	cfg.FlashAttention = true
	cfg.PenaltiesEnabled = true

	mc := cfg.ModelConfig()
	assert.Equal(t, "/m.gguf", mc.ModelPath)
	assert.Equal(t, 3, mc.Threads)
	assert.True(t, mc.FlashAttn)
	assert.True(t, mc.Sampling.PenaltiesEnabled)
	assert.Equal(t, cfg.TopK, mc.Sampling.TopK)
	require.NoError(t, mc.Validate())
}
