package inference

import (
	"fmt"
	"sync"
)

// Token is a vocabulary id.
type Token = int32

// Backend is the process-level entry point of an inference library such as
// llama.cpp. Init and Shutdown are driven by ensureBackend/ShutdownBackend and
// must not be called directly by engine code.
type Backend interface {
	Name() string
	Init() error
	Shutdown()
	LoadModel(path string, params ModelParams) (Model, error)
}

// Model is a loaded model handle. It is not safe for concurrent use; the
// Engine serialises all access.
type Model interface {
	NewContext(params ContextParams) (Context, error)
	Tokenize(text string, addSpecial bool) ([]Token, error)
	TokenToPiece(token Token) string
	EOS() Token
	BOS() Token
	AddBOS() bool
	VocabSize() int
	Describe() ModelDescription
	Close() error
}

// Context is a per-session execution context holding KV-cache state.
type Context interface {
	// Decode feeds tokens at the next positions and fills the logit buffer
	// for the last one.
	Decode(tokens []Token) error
	// Logits returns the logit vector of the last decoded position.
	Logits() ([]float32, error)
	Close() error
}

// ModelParams configures model loading.
type ModelParams struct {
	GPULayers int
	UseMmap   bool
	UseMlock  bool
}

// ContextParams sizes an execution context.
type ContextParams struct {
	ContextSize    int
	BatchSize      int
	UBatchSize     int
	Threads        int
	ThreadsBatch   int
	RopeFreqBase   float32
	RopeFreqScale  float32
	YarnExtFactor  float32
	YarnAttnFactor float32
	YarnBetaFast   float32
	YarnBetaSlow   float32
	YarnOrigCtx    uint32
	DefragThold    float32
	FlashAttn      bool
	OffloadKQV     bool
	Embeddings     bool
}

// ModelDescription is metadata reported by the backend for a loaded model.
type ModelDescription struct {
	Description  string
	Params       uint64
	SizeBytes    uint64
	TrainContext int
	VocabSize    int
}

// Backend library state is process-wide: each backend is initialised at most
// once and shut down at most once, independent of how many engines use it.
var backendState = struct {
	mu          sync.Mutex
	initialized map[Backend]bool
	shutdown    map[Backend]bool
}{
	initialized: make(map[Backend]bool),
	shutdown:    make(map[Backend]bool),
}

func ensureBackend(b Backend) error {
	backendState.mu.Lock()
	defer backendState.mu.Unlock()

	if backendState.shutdown[b] {
		return fmt.Errorf("backend %s already shut down", b.Name())
	}
	if backendState.initialized[b] {
		return nil
	}
	if err := b.Init(); err != nil {
		return fmt.Errorf("backend %s init: %w", b.Name(), err)
	}
	backendState.initialized[b] = true
	return nil
}

// ShutdownBackend releases the backend library. Call once at process exit,
// after every Engine using b has been closed. Later calls are no-ops.
func ShutdownBackend(b Backend) {
	backendState.mu.Lock()
	defer backendState.mu.Unlock()

	if !backendState.initialized[b] || backendState.shutdown[b] {
		return
	}
	b.Shutdown()
	backendState.shutdown[b] = true
}
