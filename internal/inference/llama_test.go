//go:build yzma
// +build yzma

package inference

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takuphilchan/offgrid-edge/internal/logging"
)

func TestLlamaBackendInitRequiresLibPath(t *testing.T) {
	b := NewLlamaBackend("")
	assert.Equal(t, "llama.cpp", b.Name())
	require.Error(t, b.Init())
}

func TestPieceText(t *testing.T) {
	buf := []byte("hello world")
	assert.Equal(t, "", pieceText(buf, 0))
	assert.Equal(t, "", pieceText(buf, -12))
	assert.Equal(t, "hello", pieceText(buf, 5))
	assert.Equal(t, "hello world", pieceText(buf, 64))
}

// Runs only where the shared libraries and a GGUF model are installed.
func TestLlamaBackendGeneratesOneToken(t *testing.T) {
	lib := os.Getenv("OFFGRID_LIB_PATH")
	model := os.Getenv("OFFGRID_TEST_MODEL")
	if lib == "" || model == "" {
		t.Skip("set OFFGRID_LIB_PATH and OFFGRID_TEST_MODEL to run against llama.cpp")
	}

	b := NewLlamaBackend(lib)
	e := NewEngine(b, WithLogger(logging.Nop()))
	t.Cleanup(func() { ShutdownBackend(b) })

	cfg := DefaultModelConfig(model)
	cfg.ContextSize = 512
	cfg.BatchSize = 128
	cfg.UBatchSize = 128
	cfg.Sampling.Temperature = 0
	require.NoError(t, e.Initialize(cfg))

	_, err := e.Generate("The capital of France is", 1)
	require.NoError(t, err)
	assert.Zero(t, e.LiveContexts())
	assert.Contains(t, e.ModelInfo(), "Backend: llama.cpp")
	require.NoError(t, e.Close())
}
