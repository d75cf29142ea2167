//go:build !yzma
// +build !yzma

package inference

import "github.com/takuphilchan/offgrid-edge/internal/logging"

// LlamaBackend stub when llama.cpp is not compiled in.
// To enable real inference:
// 1. Install the llama.cpp shared libraries (yzma install)
// 2. Point OFFGRID_LIB_PATH at them
// 3. Build with: go build -tags yzma
type LlamaBackend struct {
	*MockBackend
}

// NewLlamaBackend returns a stub that delegates to MockBackend.
func NewLlamaBackend(libPath string) Backend {
	return &LlamaBackend{MockBackend: NewMockBackend()}
}

// Init warns and delegates to the mock.
func (b *LlamaBackend) Init() error {
	logging.Warn("llama.cpp not compiled in, using mock backend", map[string]any{
		"hint": "build with -tags yzma",
	})
	return b.MockBackend.Init()
}

func (b *LlamaBackend) Name() string { return "mock (llama.cpp stub)" }
