package resource

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantizationFromName(t *testing.T) {
	tests := map[string]string{
		"/models/llama-3.2-1b-instruct-Q4_K_M.gguf": "Q4_K",
		"phi-2.Q8_0.gguf":                          "Q8_0",
		"tinyllama-1.1b-chat-f16.gguf":             "F16",
		"mystery.gguf":                             "",
	}
	for in, want := range tests {
		assert.Equal(t, want, QuantizationFromName(in), in)
	}
}

func TestEstimateModelMemory(t *testing.T) {
	const gb = 1024 * 1024 * 1024
	assert.Equal(t, uint64(1228), EstimateModelMemory(gb, "Q4_0"))
	assert.Equal(t, uint64(1843), EstimateModelMemory(gb, "F32"))
	assert.Equal(t, uint64(1331), EstimateModelMemory(gb, ""))
	assert.Equal(t, uint64(1024), EstimateKVCacheMB(2048))
	assert.Zero(t, EstimateKVCacheMB(0))
}

func TestCheckModelFits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny-Q4_0.gguf")
	require.NoError(t, os.WriteFile(path, make([]byte, 2*1024*1024), 0644))

	fit, err := CheckModelFits(path, 512, 10_000)
	require.NoError(t, err)
	assert.True(t, fit.OK)
	assert.Equal(t, uint64(2), fit.ModelMB)
	assert.Equal(t, uint64(2+256), fit.RequiredMB)

	fit, err = CheckModelFits(path, 512, 100)
	require.NoError(t, err)
	assert.False(t, fit.OK)
	assert.Contains(t, fit.Reason, "insufficient memory")

	_, err = CheckModelFits(filepath.Join(t.TempDir(), "missing.gguf"), 512, 100)
	assert.Error(t, err)
}

func TestSnapshot(t *testing.T) {
	s := Snapshot(t.TempDir())
	assert.Positive(t, s.NumGoroutines)
	assert.False(t, s.LastUpdated.IsZero())
}
