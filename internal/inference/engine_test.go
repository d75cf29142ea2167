package inference

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takuphilchan/offgrid-edge/internal/logging"
)

type memRecorder struct {
	mu       sync.Mutex
	sessions []GenerationMetrics
}

func (r *memRecorder) RecordSession(m GenerationMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, m)
}

func (r *memRecorder) last(t *testing.T) GenerationMetrics {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.sessions)
	return r.sessions[len(r.sessions)-1]
}

func (r *memRecorder) all() []GenerationMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]GenerationMetrics(nil), r.sessions...)
}

func testConfig() ModelConfig {
	cfg := DefaultModelConfig("mock.gguf")
	cfg.Sampling.Temperature = 0
	return cfg
}

func newTestEngine(t *testing.T, b *MockBackend, opts ...Option) (*Engine, *memRecorder) {
	t.Helper()
	rec := &memRecorder{}
	opts = append([]Option{WithLogger(logging.Nop()), WithRecorder(rec)}, opts...)
	e := NewEngine(b, opts...)
	require.NoError(t, e.Initialize(testConfig()))
	t.Cleanup(func() { _ = e.Close() })
	return e, rec
}

// collector gathers the events of one stream.
type collector struct {
	mu       sync.Mutex
	tokens   []string
	terminal []Event
	done     chan struct{}
}

func newCollector() *collector {
	return &collector{done: make(chan struct{})}
}

func (c *collector) callback(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.Terminal() {
		c.terminal = append(c.terminal, ev)
		if len(c.terminal) == 1 {
			close(c.done)
		}
		return nil
	}
	c.tokens = append(c.tokens, ev.Text)
	return nil
}

func (c *collector) wait(t *testing.T) Event {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal event")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.terminal, 1)
	return c.terminal[0]
}

func (c *collector) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.tokens, "")
}

func TestGenerateCompletes(t *testing.T) {
	b := NewMockBackend()
	e, rec := newTestEngine(t, b)

	text, err := e.Generate("Hi", 5)
	require.NoError(t, err)
	assert.Equal(t, " Hello from the edge device", text)
	assert.Equal(t, StateCompleted, e.State())
	assert.Equal(t, 0, e.LiveContexts())
	assert.Equal(t, int64(0), b.LiveContexts())

	m := rec.last(t)
	assert.Equal(t, "completed", m.State)
	assert.Equal(t, 2, m.InputTokens) // BOS + "Hi"
	assert.Equal(t, 5, m.OutputTokens)
	assert.Equal(t, 7, m.ContextUsed)
	assert.Equal(t, 5, m.MaxTokens)
	assert.False(t, m.EOSHit)
	assert.Empty(t, m.Error)
}

func TestGenerateStopsAtEOS(t *testing.T) {
	b := NewMockBackend()
	e, rec := newTestEngine(t, b)

	text, err := e.Generate("Hi", -1)
	require.NoError(t, err)
	assert.Equal(t, " Hello from the edge device running a local model offline .", text)

	m := rec.last(t)
	assert.True(t, m.EOSHit)
	assert.Equal(t, 11, m.OutputTokens)
	assert.Equal(t, DefaultMaxTokens, m.MaxTokens)
}

func TestGenerateClampsToContext(t *testing.T) {
	b := NewMockBackend()
	e, rec := newTestEngine(t, b)
	cfg := testConfig()
	cfg.ContextSize = 5
	require.NoError(t, e.Initialize(cfg))

	text, err := e.Generate("Hi", 100)
	require.NoError(t, err)
	assert.Equal(t, " Hello from the", text)
	assert.Equal(t, 5, rec.last(t).ContextUsed)
}

func TestGenerateStreamTokens(t *testing.T) {
	b := NewMockBackend()
	e, rec := newTestEngine(t, b)

	c := newCollector()
	require.NoError(t, e.GenerateStream("Hi", c.callback, 3))
	term := c.wait(t)
	e.Wait()

	assert.Equal(t, EventDone, term.Kind)
	require.NotNil(t, term.Metrics)
	assert.Equal(t, 3, term.Metrics.OutputTokens)
	assert.Equal(t, " Hello from the", c.text())
	assert.Equal(t, rec.last(t).SessionID, term.Metrics.SessionID)
	assert.True(t, strings.HasPrefix(term.Payload(), DoneSentinel+" {"))
	assert.Equal(t, int64(0), b.LiveContexts())
}

func TestGenerateStreamZeroMaxTokens(t *testing.T) {
	b := NewMockBackend()
	e, _ := newTestEngine(t, b)

	c := newCollector()
	require.NoError(t, e.GenerateStream("Hi", c.callback, 0))
	term := c.wait(t)

	assert.Equal(t, EventDone, term.Kind)
	assert.Empty(t, c.tokens)
	require.NotNil(t, term.Metrics)
	assert.Equal(t, 0, term.Metrics.OutputTokens)
	assert.False(t, term.Metrics.EOSHit)
}

func TestGenerateEmptyPrompt(t *testing.T) {
	for _, reject := range []bool{false, true} {
		b := NewMockBackend()
		b.RejectEmpty = reject
		e, rec := newTestEngine(t, b)

		_, err := e.Generate("   ", 5)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTokenizationFailed)
		assert.Equal(t, int64(0), b.ContextsCreated())
		assert.Equal(t, "failed", rec.last(t).State)
		assert.Equal(t, StateFailed, e.State())
	}
}

func TestGeneratePromptLongerThanContext(t *testing.T) {
	b := NewMockBackend()
	e, _ := newTestEngine(t, b)
	cfg := testConfig()
	cfg.ContextSize = 4
	require.NoError(t, e.Initialize(cfg))

	_, err := e.Generate("Hi tell me about yourself", 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecodeFailed)
	assert.Equal(t, int64(0), b.ContextsCreated())
}

func TestGenerateFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(b *MockBackend)
		wantErr error
		text    string
	}{
		{
			name:    "context creation",
			setup:   func(b *MockBackend) { b.ContextErr = errors.New("out of memory") },
			wantErr: ErrContextCreationFailed,
		},
		{
			name:    "prompt decode",
			setup:   func(b *MockBackend) { b.FailDecodeAt = 1 },
			wantErr: ErrDecodeFailed,
		},
		{
			name:    "token decode",
			setup:   func(b *MockBackend) { b.FailDecodeAt = 3 },
			wantErr: ErrDecodeFailed,
			text:    " Hello from",
		},
		{
			name:    "empty logits",
			setup:   func(b *MockBackend) { b.EmptyLogits = true },
			wantErr: ErrEmptyDistribution,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewMockBackend()
			tt.setup(b)
			e, rec := newTestEngine(t, b)

			text, err := e.Generate("Hi", 8)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.text, text)
			assert.Equal(t, 0, e.LiveContexts())
			assert.Equal(t, int64(0), b.LiveContexts())

			m := rec.last(t)
			assert.Equal(t, "failed", m.State)
			assert.NotEmpty(t, m.Error)
		})
	}
}

func TestGenerateStreamFailureIsTerminalError(t *testing.T) {
	b := NewMockBackend()
	b.FailDecodeAt = 2
	e, _ := newTestEngine(t, b)

	c := newCollector()
	require.NoError(t, e.GenerateStream("Hi", c.callback, 8))
	term := c.wait(t)

	assert.Equal(t, EventError, term.Kind)
	assert.ErrorIs(t, term.Err, ErrDecodeFailed)
	assert.Equal(t, " Hello", c.text())
	assert.Contains(t, term.Payload(), `"error":`)
	assert.Equal(t, int64(0), b.LiveContexts())
}

func TestNotLoaded(t *testing.T) {
	e := NewEngine(NewMockBackend(), WithLogger(logging.Nop()))

	_, err := e.Generate("Hi", 5)
	assert.ErrorIs(t, err, ErrModelNotLoaded)

	c := newCollector()
	err = e.GenerateStream("Hi", c.callback, 5)
	assert.ErrorIs(t, err, ErrModelNotLoaded)
	term := c.wait(t)
	assert.Equal(t, EventError, term.Kind)
	assert.ErrorIs(t, term.Err, ErrModelNotLoaded)

	assert.Equal(t, "No model loaded", e.ModelInfo())
}

func TestInitializeFailureLeavesEngineNotReady(t *testing.T) {
	b := NewMockBackend()
	e, _ := newTestEngine(t, b)
	require.True(t, e.IsReady())

	b.LoadErr = errors.New("bad gguf header")
	err := e.Initialize(testConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelLoadFailed)
	assert.False(t, e.IsReady())

	_, err = e.Generate("Hi", 5)
	assert.ErrorIs(t, err, ErrModelNotLoaded)
}

func TestInitializeRejectsInvalidConfig(t *testing.T) {
	e := NewEngine(NewMockBackend(), WithLogger(logging.Nop()))
	cfg := testConfig()
	cfg.ContextSize = 0
	assert.ErrorIs(t, e.Initialize(cfg), ErrInvalidConfig)
	assert.False(t, e.IsReady())
}

func TestBackendInitialisedOnce(t *testing.T) {
	b := NewMockBackend()
	newTestEngine(t, b)
	newTestEngine(t, b)
	assert.Equal(t, 1, b.InitCount())
	assert.Equal(t, 2, b.LoadCount())

	ShutdownBackend(b)
	ShutdownBackend(b)
	assert.Equal(t, 1, b.ShutdownCount())

	e := NewEngine(b, WithLogger(logging.Nop()))
	assert.ErrorIs(t, e.Initialize(testConfig()), ErrModelLoadFailed)
}

func TestStopBeforeFirstToken(t *testing.T) {
	b := NewMockBackend()
	b.DecodeDelay = 50 * time.Millisecond
	e, rec := newTestEngine(t, b)

	c := newCollector()
	require.NoError(t, e.GenerateStream("Hi", c.callback, 10))
	e.Stop()
	term := c.wait(t)
	e.Wait()

	assert.Equal(t, EventCancelled, term.Kind)
	assert.Empty(t, c.tokens)
	assert.Equal(t, StateCancelled, e.State())
	assert.Equal(t, 0, rec.last(t).OutputTokens)
	assert.Equal(t, int64(0), b.LiveContexts())
}

func TestStopMidStream(t *testing.T) {
	b := NewMockBackend()
	b.DecodeDelay = 10 * time.Millisecond
	e, _ := newTestEngine(t, b)

	c := newCollector()
	cb := func(ev Event) error {
		if !ev.Terminal() && ev.Index == 2 {
			e.Stop()
		}
		return c.callback(ev)
	}
	require.NoError(t, e.GenerateStream("Hi", cb, 100))
	term := c.wait(t)

	assert.Equal(t, EventCancelled, term.Kind)
	assert.GreaterOrEqual(t, len(c.tokens), 3)
	assert.Less(t, len(c.tokens), 11)
	assert.Equal(t, int64(0), b.LiveContexts())
}

func TestStopSynchronousGenerate(t *testing.T) {
	b := NewMockBackend()
	b.DecodeDelay = 10 * time.Millisecond
	e, _ := newTestEngine(t, b)

	go func() {
		time.Sleep(35 * time.Millisecond)
		e.Stop()
	}()
	text, err := e.Generate("Hi", 100)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.True(t, strings.HasPrefix(" Hello from the edge device running a local model offline .", text))
	assert.Equal(t, int64(0), b.LiveContexts())
}

func TestCallbackErrorCancels(t *testing.T) {
	b := NewMockBackend()
	b.DecodeDelay = 5 * time.Millisecond
	e, rec := newTestEngine(t, b)

	var (
		mu     sync.Mutex
		tokens int
		term   Event
	)
	done := make(chan struct{})
	err := e.GenerateStream("Hi", func(ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		if ev.Terminal() {
			term = ev
			close(done)
			return nil
		}
		tokens++
		return errors.New("client disconnected")
	}, 100)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal event")
	}
	e.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, tokens)
	assert.Equal(t, EventCancelled, term.Kind)
	assert.Equal(t, "cancelled", rec.last(t).State)
	assert.Equal(t, int64(0), b.LiveContexts())
}

func TestNewSessionReplacesRunningOne(t *testing.T) {
	b := NewMockBackend()
	b.DecodeDelay = 10 * time.Millisecond
	e, rec := newTestEngine(t, b)

	var (
		mu  sync.Mutex
		log []string
	)
	record := func(tag string, terminal chan struct{}) TokenCallback {
		return func(ev Event) error {
			mu.Lock()
			defer mu.Unlock()
			log = append(log, tag+":"+ev.Kind.String())
			if ev.Terminal() {
				close(terminal)
			}
			return nil
		}
	}

	firstDone := make(chan struct{})
	secondDone := make(chan struct{})
	require.NoError(t, e.GenerateStream("Hi", record("a", firstDone), 100))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, e.GenerateStream("Hi", record("b", secondDone), 2))

	// The first session is fully delivered before the second starts.
	select {
	case <-firstDone:
	default:
		t.Fatal("first session not finished when second started")
	}
	select {
	case <-secondDone:
	case <-time.After(5 * time.Second):
		t.Fatal("second session did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	firstTerminal := -1
	for i, entry := range log {
		if entry == "a:cancelled" {
			firstTerminal = i
		}
		if strings.HasPrefix(entry, "b:") {
			require.GreaterOrEqual(t, firstTerminal, 0, "b event before a terminal")
			assert.Less(t, firstTerminal, i)
		}
	}
	assert.Equal(t, "b:done", log[len(log)-1])

	sessions := rec.all()
	require.Len(t, sessions, 2)
	assert.Equal(t, "cancelled", sessions[0].State)
	assert.Equal(t, "completed", sessions[1].State)
	assert.Equal(t, int64(0), b.LiveContexts())
}

func TestGenerateReplacesStream(t *testing.T) {
	b := NewMockBackend()
	b.DecodeDelay = 10 * time.Millisecond
	e, _ := newTestEngine(t, b)

	c := newCollector()
	require.NoError(t, e.GenerateStream("Hi", c.callback, 100))
	time.Sleep(25 * time.Millisecond)

	text, err := e.Generate("Hi", 2)
	require.NoError(t, err)
	assert.Equal(t, " Hello from", text)

	select {
	case <-c.done:
	default:
		t.Fatal("stream not finished before Generate returned")
	}
	assert.Equal(t, EventCancelled, c.terminal[0].Kind)
}

func TestConcurrentStreamsEachTerminateOnce(t *testing.T) {
	b := NewMockBackend()
	b.DecodeDelay = time.Millisecond
	e, _ := newTestEngine(t, b)

	const n = 6
	collectors := make([]*collector, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		collectors[i] = newCollector()
		wg.Add(1)
		go func(c *collector) {
			defer wg.Done()
			assert.NoError(t, e.GenerateStream("Hi", c.callback, 20))
		}(collectors[i])
	}
	wg.Wait()

	for _, c := range collectors {
		term := c.wait(t)
		assert.Contains(t, []EventKind{EventDone, EventCancelled}, term.Kind)
	}
	e.Wait()
	assert.Equal(t, int64(0), b.LiveContexts())
}

func TestSettersApplyToNextSession(t *testing.T) {
	b := NewMockBackend()
	b.DecodeDelay = 10 * time.Millisecond
	e, rec := newTestEngine(t, b)

	c := newCollector()
	require.NoError(t, e.GenerateStream("Hi", c.callback, 4))
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, e.SetTopK(7))
	c.wait(t)
	e.Wait()
	assert.Equal(t, 40, rec.last(t).Sampling.TopK)

	_, err := e.Generate("Hi", 1)
	require.NoError(t, err)
	assert.Equal(t, 7, rec.last(t).Sampling.TopK)
	assert.Equal(t, 7, e.Config().Sampling.TopK)
}

func TestSettersValidate(t *testing.T) {
	e, _ := newTestEngine(t, NewMockBackend())

	assert.ErrorIs(t, e.SetTemperature(-1), ErrInvalidConfig)
	assert.ErrorIs(t, e.SetTopP(1.5), ErrInvalidConfig)
	assert.ErrorIs(t, e.SetMirostat(3), ErrInvalidConfig)
	assert.ErrorIs(t, e.SetRepeatLastN(-1), ErrInvalidConfig)

	require.NoError(t, e.SetTemperature(0.2))
	require.NoError(t, e.SetPenaltiesEnabled(true))
	require.NoError(t, e.SetSeed(99))
	require.NoError(t, e.SetFlashAttn(true))
	require.NoError(t, e.SetYarnOrigCtx(4096))

	cfg := e.Config()
	assert.Equal(t, float32(0.2), cfg.Sampling.Temperature)
	assert.True(t, cfg.Sampling.PenaltiesEnabled)
	assert.Equal(t, int64(99), cfg.Sampling.Seed)
	assert.True(t, cfg.FlashAttn)
	assert.Equal(t, uint32(4096), cfg.YarnOrigCtx)
}

func TestContextSettersReachNextContext(t *testing.T) {
	b := NewMockBackend()
	e, _ := newTestEngine(t, b)

	_, err := e.Generate("Hi", 1)
	require.NoError(t, err)
	p := b.LastContextParams()
	assert.False(t, p.FlashAttn)
	assert.False(t, p.OffloadKQV)
	assert.Equal(t, 4, p.ThreadsBatch)

	require.NoError(t, e.SetFlashAttn(true))
	require.NoError(t, e.SetOffloadKQV(true))
	require.NoError(t, e.SetThreadsBatch(2))
	require.NoError(t, e.SetUBatchSize(128))
	require.NoError(t, e.SetRopeFreqBase(10000))
	assert.False(t, b.LastContextParams().FlashAttn, "setters must not touch a created context")

	_, err = e.Generate("Hi", 1)
	require.NoError(t, err)
	p = b.LastContextParams()
	assert.True(t, p.FlashAttn)
	assert.True(t, p.OffloadKQV)
	assert.Equal(t, 2, p.ThreadsBatch)
	assert.Equal(t, 128, p.UBatchSize)
	assert.Equal(t, float32(10000), p.RopeFreqBase)
	assert.Equal(t, 2048, p.ContextSize)
}

func TestCloseReleasesModel(t *testing.T) {
	b := NewMockBackend()
	b.DecodeDelay = 10 * time.Millisecond
	e, _ := newTestEngine(t, b)

	c := newCollector()
	require.NoError(t, e.GenerateStream("Hi", c.callback, 100))
	require.NoError(t, e.Close())

	assert.Equal(t, EventCancelled, c.wait(t).Kind)
	assert.False(t, e.IsReady())
	assert.Equal(t, "No model loaded", e.ModelInfo())
	assert.Equal(t, int64(0), b.LiveContexts())
}

func TestModelInfo(t *testing.T) {
	e, _ := newTestEngine(t, NewMockBackend())
	info := e.ModelInfo()
	assert.Contains(t, info, "Model: mock.gguf")
	assert.Contains(t, info, "Backend: mock")
	assert.Contains(t, info, "Context Size: 2048")
}
