//go:build yzma
// +build yzma

package inference

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/hybridgroup/yzma/pkg/llama"
)

// LlamaBackend drives llama.cpp through the yzma purego bindings.
// Build with: go build -tags yzma
type LlamaBackend struct {
	libPath string
	info    string
}

// NewLlamaBackend returns a backend that loads the llama.cpp shared
// libraries from libPath on first use.
func NewLlamaBackend(libPath string) Backend {
	return &LlamaBackend{libPath: libPath}
}

func (b *LlamaBackend) Name() string { return "llama.cpp" }

func (b *LlamaBackend) Init() error {
	if b.libPath == "" {
		return errors.New("llama.cpp library path is empty")
	}
	if err := llama.Load(b.libPath); err != nil {
		return fmt.Errorf("failed to load llama.cpp libraries from %s: %w", b.libPath, err)
	}
	llama.Init()
	b.info = llama.PrintSystemInfo()
	return nil
}

func (b *LlamaBackend) Shutdown() {
	llama.BackendFree()
}

// SystemInfo returns the backend's build and CPU feature summary.
func (b *LlamaBackend) SystemInfo() string { return b.info }

func (b *LlamaBackend) LoadModel(path string, params ModelParams) (Model, error) {
	mp := llama.ModelDefaultParams()
	mp.NGpuLayers = int32(params.GPULayers)
	mp.UseMmap = boolByte(params.UseMmap)
	mp.UseMlock = boolByte(params.UseMlock)

	model, err := llama.ModelLoadFromFile(path, mp)
	if err != nil {
		return nil, err
	}
	vocab := llama.ModelGetVocab(model)
	return &llamaModel{
		model:  model,
		vocab:  vocab,
		nVocab: int(llama.VocabNTokens(vocab)),
		path:   path,
	}, nil
}

func boolByte(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}

type llamaModel struct {
	mu     sync.Mutex
	model  llama.Model
	vocab  llama.Vocab
	nVocab int
	path   string
	closed bool
}

func (m *llamaModel) NewContext(p ContextParams) (Context, error) {
	cp := llama.ContextDefaultParams()
	cp.NCtx = uint32(p.ContextSize)
	cp.NBatch = uint32(p.BatchSize)
	cp.NUbatch = uint32(p.UBatchSize)
	cp.NThreads = int32(p.Threads)
	cp.NThreadsBatch = int32(p.ThreadsBatch)
	cp.RopeFreqBase = p.RopeFreqBase
	cp.RopeFreqScale = p.RopeFreqScale
	cp.YarnExtFactor = p.YarnExtFactor
	cp.YarnAttnFactor = p.YarnAttnFactor
	cp.YarnBetaFast = p.YarnBetaFast
	cp.YarnBetaSlow = p.YarnBetaSlow
	cp.YarnOrigCtx = p.YarnOrigCtx
	cp.DefragThold = p.DefragThold
	cp.Offload_kqv = boolByte(p.OffloadKQV)
	if p.FlashAttn {
		cp.FlashAttentionType = llama.FlashAttentionTypeEnabled
	} else {
		cp.FlashAttentionType = llama.FlashAttentionTypeDisabled
	}
	cp.Embeddings = boolByte(p.Embeddings)

	lctx, err := llama.InitFromModel(m.model, cp)
	if err != nil {
		return nil, err
	}
	return &llamaContext{ctx: lctx, nVocab: m.nVocab}, nil
}

func (m *llamaModel) Tokenize(text string, addSpecial bool) ([]Token, error) {
	toks := llama.Tokenize(m.vocab, text, addSpecial, false)
	out := make([]Token, len(toks))
	for i, t := range toks {
		out[i] = Token(t)
	}
	return out, nil
}

// TokenToPiece detokenizes one token. llama.cpp reports a buffer that is
// too small with the negated required size; the call is then retried once.
func (m *llamaModel) TokenToPiece(token Token) string {
	buf := make([]byte, 256)
	n := int(llama.TokenToPiece(m.vocab, llama.Token(token), buf, 0, false))
	if n < 0 {
		buf = make([]byte, -n)
		n = int(llama.TokenToPiece(m.vocab, llama.Token(token), buf, 0, false))
	}
	return pieceText(buf, n)
}

// pieceText returns the n bytes llama.cpp wrote into buf.
func pieceText(buf []byte, n int) string {
	if n <= 0 {
		return ""
	}
	if n > len(buf) {
		n = len(buf)
	}
	return string(buf[:n])
}

func (m *llamaModel) EOS() Token     { return Token(llama.VocabEOS(m.vocab)) }
func (m *llamaModel) BOS() Token     { return Token(llama.VocabBOS(m.vocab)) }
func (m *llamaModel) AddBOS() bool   { return llama.VocabGetAddBOS(m.vocab) }
func (m *llamaModel) VocabSize() int { return m.nVocab }

func (m *llamaModel) Describe() ModelDescription {
	return ModelDescription{
		Description:  llama.ModelDesc(m.model),
		Params:       m.paramCount(),
		SizeBytes:    llama.ModelSize(m.model),
		TrainContext: int(llama.ModelNCtxTrain(m.model)),
		VocabSize:    m.nVocab,
	}
}

// paramCount reads general.parameter_count from the GGUF metadata; 0 when
// the model does not record it.
func (m *llamaModel) paramCount() uint64 {
	v, _ := llama.ModelMetaValStr(m.model, "general.parameter_count")
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (m *llamaModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := llama.ModelFree(m.model); err != nil {
		return fmt.Errorf("llama_model_free: %w", err)
	}
	return nil
}

type llamaContext struct {
	ctx    llama.Context
	nVocab int
	once   sync.Once
}

func (c *llamaContext) Decode(tokens []Token) error {
	batch := make([]llama.Token, len(tokens))
	for i, t := range tokens {
		batch[i] = llama.Token(t)
	}
	ret, err := llama.Decode(c.ctx, llama.BatchGetOne(batch))
	if err != nil {
		return err
	}
	if ret != 0 {
		return fmt.Errorf("llama_decode returned %d", ret)
	}
	return nil
}

func (c *llamaContext) Logits() ([]float32, error) {
	logits, err := llama.GetLogitsIth(c.ctx, -1, c.nVocab)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(logits))
	copy(out, logits)
	return out, nil
}

func (c *llamaContext) Close() error {
	c.once.Do(func() { llama.Free(c.ctx) })
	return nil
}
