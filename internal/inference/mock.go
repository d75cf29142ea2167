package inference

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Mock vocabulary layout. Ids below mockFirstWord are special tokens.
const (
	MockUnk Token = iota
	MockBOS
	MockEOS
	mockFirstWord
)

var defaultMockWords = []string{
	"Hello", "from", "the", "edge", "device", "running", "a", "local",
	"model", "offline", ".", "Hi", "tell", "me", "about", "yourself",
}

// MockBackend is a deterministic in-process backend. It emits a scripted
// token sequence, counts context creation and destruction, and can inject
// failures at every stage of a session. It stands in for llama.cpp in tests
// and in builds without the yzma tag.
type MockBackend struct {
	mu sync.Mutex

	vocab  []string
	index  map[string]Token
	script []Token

	// AddBOSToken makes the vocabulary request a leading BOS token.
	AddBOSToken bool
	// DecodeDelay is slept inside every Decode call.
	DecodeDelay time.Duration
	// LoadErr fails LoadModel.
	LoadErr error
	// ContextErr fails NewContext.
	ContextErr error
	// RejectEmpty makes Tokenize return an error for blank text instead of
	// an empty slice.
	RejectEmpty bool
	// FailDecodeAt fails the Nth Decode call of a context (1-based, 0 = never).
	FailDecodeAt int
	// EmptyLogits makes Logits return an empty vector.
	EmptyLogits bool
	// PeakLogit is the logit given to the scripted token; all others get 0.
	PeakLogit float32

	lastParams ContextParams

	inits     atomic.Int32
	shutdowns atomic.Int32
	loads     atomic.Int32
	created   atomic.Int64
	destroyed atomic.Int64
}

// NewMockBackend returns a mock whose script is the default word list.
func NewMockBackend() *MockBackend {
	b := &MockBackend{AddBOSToken: true, PeakLogit: 20}
	b.SetVocabulary(defaultMockWords)
	script := make([]string, 0, 11)
	script = append(script, defaultMockWords[:11]...)
	b.SetScript(script...)
	return b
}

// SetVocabulary replaces the word vocabulary. Special tokens keep ids 0-2.
func (b *MockBackend) SetVocabulary(words []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.vocab = append([]string{"<unk>", "<s>", "</s>"}, words...)
	b.index = make(map[string]Token, len(b.vocab))
	for i, w := range b.vocab {
		if _, dup := b.index[w]; !dup {
			b.index[w] = Token(i)
		}
	}
	b.script = nil
}

// SetScript sets the words the model will generate, in order, before EOS.
// Unknown words are ignored.
func (b *MockBackend) SetScript(words ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.script = b.script[:0]
	for _, w := range words {
		if id, ok := b.index[w]; ok {
			b.script = append(b.script, id)
		}
	}
}

// WordToken returns the id of w, or MockUnk.
func (b *MockBackend) WordToken(w string) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.index[w]; ok {
		return id
	}
	return MockUnk
}

// LiveContexts is the number of contexts created but not yet closed.
func (b *MockBackend) LiveContexts() int64 {
	return b.created.Load() - b.destroyed.Load()
}

// ContextsCreated is the total number of contexts ever created.
func (b *MockBackend) ContextsCreated() int64 { return b.created.Load() }

// LastContextParams returns the parameters of the most recent NewContext
// call.
func (b *MockBackend) LastContextParams() ContextParams {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastParams
}

// InitCount reports how many times the backend library was initialised.
func (b *MockBackend) InitCount() int { return int(b.inits.Load()) }

// ShutdownCount reports how many times the backend library was shut down.
func (b *MockBackend) ShutdownCount() int { return int(b.shutdowns.Load()) }

// LoadCount reports how many models were loaded.
func (b *MockBackend) LoadCount() int { return int(b.loads.Load()) }

func (b *MockBackend) Name() string { return "mock" }

func (b *MockBackend) Init() error {
	b.inits.Add(1)
	return nil
}

func (b *MockBackend) Shutdown() {
	b.shutdowns.Add(1)
}

func (b *MockBackend) LoadModel(path string, params ModelParams) (Model, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.LoadErr != nil {
		return nil, b.LoadErr
	}
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is empty")
	}
	b.loads.Add(1)
	return &mockModel{
		backend: b,
		path:    path,
		vocab:   append([]string(nil), b.vocab...),
		index:   b.index,
		script:  append([]Token(nil), b.script...),
		addBOS:  b.AddBOSToken,
	}, nil
}

type mockModel struct {
	backend *MockBackend
	path    string
	vocab   []string
	index   map[string]Token
	script  []Token
	addBOS  bool
	closed  atomic.Bool
}

func (m *mockModel) NewContext(params ContextParams) (Context, error) {
	b := m.backend
	b.mu.Lock()
	ctxErr := b.ContextErr
	failAt := b.FailDecodeAt
	empty := b.EmptyLogits
	delay := b.DecodeDelay
	peak := b.PeakLogit
	b.lastParams = params
	b.mu.Unlock()

	if m.closed.Load() {
		return nil, errors.New("model is closed")
	}
	if ctxErr != nil {
		return nil, ctxErr
	}
	b.created.Add(1)
	return &mockContext{
		model:   m,
		size:    params.ContextSize,
		failAt:  failAt,
		empty:   empty,
		delay:   delay,
		peak:    peak,
		logits:  make([]float32, len(m.vocab)),
		pending: true,
	}, nil
}

func (m *mockModel) Tokenize(text string, addSpecial bool) ([]Token, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		if m.backend.RejectEmpty {
			return nil, errors.New("empty input")
		}
		return nil, nil
	}
	tokens := make([]Token, 0, len(fields))
	for _, f := range fields {
		if id, ok := m.index[f]; ok {
			tokens = append(tokens, id)
		} else {
			tokens = append(tokens, MockUnk)
		}
	}
	return tokens, nil
}

func (m *mockModel) TokenToPiece(token Token) string {
	if token < mockFirstWord || int(token) >= len(m.vocab) {
		return ""
	}
	return " " + m.vocab[token]
}

func (m *mockModel) EOS() Token     { return MockEOS }
func (m *mockModel) BOS() Token     { return MockBOS }
func (m *mockModel) AddBOS() bool   { return m.addBOS }
func (m *mockModel) VocabSize() int { return len(m.vocab) }

func (m *mockModel) Describe() ModelDescription {
	return ModelDescription{
		Description:  fmt.Sprintf("mock %d-token vocabulary (%s)", len(m.vocab), m.path),
		Params:       uint64(len(m.vocab)) * 1000,
		SizeBytes:    uint64(len(m.vocab)) * 4096,
		TrainContext: 4096,
		VocabSize:    len(m.vocab),
	}
}

func (m *mockModel) Close() error {
	m.closed.Store(true)
	return nil
}

type mockContext struct {
	model  *mockModel
	size   int
	failAt int
	empty  bool
	delay  time.Duration
	peak   float32

	mu      sync.Mutex
	calls   int
	pos     int
	step    int
	pending bool
	logits  []float32
	once    sync.Once
	closed  bool
}

func (c *mockContext) Decode(tokens []Token) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("context is closed")
	}
	c.calls++
	if c.failAt > 0 && c.calls == c.failAt {
		return fmt.Errorf("injected decode failure at call %d", c.calls)
	}
	if len(tokens) == 0 {
		return errors.New("empty batch")
	}
	if c.size > 0 && c.pos+len(tokens) > c.size {
		return fmt.Errorf("context full: %d + %d > %d", c.pos, len(tokens), c.size)
	}
	c.pos += len(tokens)

	// The script advances only when the sampled token matches it.
	script := c.model.script
	if !c.pending && len(tokens) == 1 && c.step < len(script) && tokens[0] == script[c.step] {
		c.step++
	}
	c.pending = false
	return nil
}

func (c *mockContext) Logits() ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.New("context is closed")
	}
	if c.empty {
		return []float32{}, nil
	}
	for i := range c.logits {
		c.logits[i] = 0
	}
	next := MockEOS
	if c.step < len(c.model.script) {
		next = c.model.script[c.step]
	}
	c.logits[next] = c.peak
	out := make([]float32, len(c.logits))
	copy(out, c.logits)
	return out, nil
}

func (c *mockContext) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.model.backend.destroyed.Add(1)
	})
	return nil
}
