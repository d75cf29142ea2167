package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/takuphilchan/offgrid-edge/internal/logging"
)

const tracerName = "github.com/takuphilchan/offgrid-edge/internal/inference"

// SessionRecorder receives the metrics of every finished session.
type SessionRecorder interface {
	RecordSession(m GenerationMetrics)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithRecorder adds a recorder for finished sessions.
func WithRecorder(r SessionRecorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorders = append(e.recorders, r)
		}
	}
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithStreamDepth bounds each stream's undelivered token queue.
func WithStreamDepth(depth int) Option {
	return func(e *Engine) { e.streamDepth = depth }
}

// WithSendWindow bounds how long a producer waits on a full stream queue.
func WithSendWindow(d time.Duration) Option {
	return func(e *Engine) { e.sendWindow = d }
}

// Engine owns one model handle and runs at most one generation at a time.
// A new Generate or GenerateStream call cancels and joins the one in flight
// before starting.
type Engine struct {
	backend     Backend
	log         *logging.Logger
	tracer      trace.Tracer
	recorders   []SessionRecorder
	streamDepth int
	sendWindow  time.Duration

	// mu guards model, cfg and the synchronous generation path.
	mu    sync.Mutex
	model Model
	cfg   ModelConfig
	ready atomic.Bool
	slot  contextSlot

	// flight serialises the replace-and-join protocol.
	flight  sync.Mutex
	active  *session
	current atomic.Pointer[session]
}

// NewEngine returns an engine bound to backend. No model is loaded yet.
func NewEngine(backend Backend, opts ...Option) *Engine {
	e := &Engine{
		backend:     backend,
		log:         logging.Default(),
		streamDepth: DefaultStreamDepth,
		sendWindow:  DefaultSendWindow,
		cfg:         DefaultModelConfig(""),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	return e
}

// Initialize loads the model described by cfg, replacing any loaded model.
// An in-flight session is cancelled and joined first. On failure the engine
// is left not ready.
func (e *Engine) Initialize(cfg ModelConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.flight.Lock()
	defer e.flight.Unlock()
	e.cancelAndJoinLocked()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.releaseModelLocked()

	if err := ensureBackend(e.backend); err != nil {
		e.log.Error("backend init failed", map[string]any{"backend": e.backend.Name(), "error": err})
		return newEngineError(ErrModelLoadFailed, "backend init", err)
	}

	if cfg.UseMlock {
		if ok, reason := canUseMlock(); !ok {
			e.log.Warn("disabling mlock", map[string]any{"reason": reason})
			cfg.UseMlock = false
		}
	}

	start := time.Now()
	model, err := e.backend.LoadModel(cfg.ModelPath, cfg.modelParams())
	if err != nil {
		e.log.Error("failed to load model", map[string]any{"path": cfg.ModelPath, "error": err})
		return newEngineError(ErrModelLoadFailed, cfg.ModelPath, err)
	}
	if model == nil {
		return newEngineError(ErrModelLoadFailed, cfg.ModelPath, errors.New("backend returned no model"))
	}

	e.model = model
	e.cfg = cfg
	e.ready.Store(true)
	e.log.Info("model loaded", map[string]any{
		"path":    cfg.ModelPath,
		"backend": e.backend.Name(),
		"elapsed": time.Since(start),
	})
	return nil
}

// IsReady reports whether a model is loaded.
func (e *Engine) IsReady() bool {
	return e.ready.Load()
}

// Config returns a copy of the live configuration.
func (e *Engine) Config() ModelConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Generate runs a generation to completion and returns the produced text.
// It holds the model mutex for the whole call. When Stop interrupts it the
// text produced so far is returned together with ErrCancelled.
func (e *Engine) Generate(prompt string, maxTokens int) (string, error) {
	if !e.IsReady() {
		return "", ErrModelNotLoaded
	}

	sess := e.begin(nil)
	defer close(sess.done)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		sess.setState(StateFailed)
		return "", ErrModelNotLoaded
	}

	res := e.run(sess, e.model, e.cfg, prompt, maxTokens, func(string, int) error { return nil })
	switch res.State {
	case StateCancelled:
		return res.Text, ErrCancelled
	case StateFailed:
		return res.Text, res.Err
	}
	return res.Text, nil
}

// GenerateStream starts a generation on a worker goroutine and delivers its
// events to cb in order, ending with exactly one terminal event. Any session
// already in flight is cancelled, and its events fully delivered, before
// the new one starts. The returned error covers only failures to start.
func (e *Engine) GenerateStream(prompt string, cb TokenCallback, maxTokens int) error {
	stream := NewStream(e.streamDepth, e.sendWindow)
	sess := e.begin(stream)

	go func() {
		defer close(sess.dispatched)
		stream.dispatch(cb)
	}()

	e.mu.Lock()
	model, cfg := e.model, e.cfg
	e.mu.Unlock()

	if model == nil {
		sess.setState(StateFailed)
		stream.Finish(Event{Kind: EventError, Err: ErrModelNotLoaded})
		close(sess.done)
		return ErrModelNotLoaded
	}

	go func() {
		defer close(sess.done)
		res := e.run(sess, model, cfg, prompt, maxTokens, func(text string, index int) error {
			return stream.Send(Event{Kind: EventToken, Text: text, Index: index})
		})
		stream.Finish(terminalEvent(res))
	}()
	return nil
}

// Stop asks the current session to end. It does not wait; the decode loop
// observes the request before its next step.
func (e *Engine) Stop() {
	if s := e.current.Load(); s != nil {
		s.cancel.Store(true)
	}
}

// Wait blocks until the current session, if any, has delivered its
// terminal event.
func (e *Engine) Wait() {
	if s := e.current.Load(); s != nil {
		s.join()
	}
}

// State returns the state of the most recent session.
func (e *Engine) State() SessionState {
	if s := e.current.Load(); s != nil {
		return s.State()
	}
	return StateIdle
}

// LiveContexts reports how many execution contexts the engine holds.
func (e *Engine) LiveContexts() int {
	return e.slot.Live()
}

// Close cancels and joins any session, then releases the model. The
// process-wide backend stays initialised; see ShutdownBackend.
func (e *Engine) Close() error {
	e.flight.Lock()
	defer e.flight.Unlock()
	e.cancelAndJoinLocked()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releaseModelLocked()
}

// ModelInfo returns a short human-readable summary of the loaded model and
// the active configuration.
func (e *Engine) ModelInfo() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.model == nil {
		return "No model loaded"
	}
	d := e.model.Describe()
	c := e.cfg
	var b strings.Builder
	fmt.Fprintf(&b, "Model: %s\n", c.ModelPath)
	if d.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", d.Description)
	}
	fmt.Fprintf(&b, "Backend: %s\n", e.backend.Name())
	if d.Params > 0 {
		fmt.Fprintf(&b, "Parameters: %d\n", d.Params)
	}
	fmt.Fprintf(&b, "Size: %.2f MB\n", float64(d.SizeBytes)/(1024*1024))
	fmt.Fprintf(&b, "Vocabulary: %d\n", d.VocabSize)
	fmt.Fprintf(&b, "Context Size: %d (trained %d)\n", c.ContextSize, d.TrainContext)
	fmt.Fprintf(&b, "Batch Size: %d / %d\n", c.BatchSize, c.UBatchSize)
	fmt.Fprintf(&b, "Threads: %d / %d\n", c.Threads, c.ThreadsBatch)
	fmt.Fprintf(&b, "GPU Layers: %d\n", c.GPULayers)
	s := c.Sampling
	fmt.Fprintf(&b, "Temperature: %.2f\n", s.Temperature)
	fmt.Fprintf(&b, "Top-K: %d\n", s.TopK)
	fmt.Fprintf(&b, "Top-P: %.2f\n", s.TopP)
	fmt.Fprintf(&b, "Min-P: %.2f\n", s.MinP)
	fmt.Fprintf(&b, "Repeat Penalty: %.2f (last %d, enabled %t)\n", s.RepeatPenalty, s.RepeatLastN, s.PenaltiesEnabled)
	fmt.Fprintf(&b, "Mirostat: %d (tau %.2f, eta %.2f)\n", s.Mirostat, s.MirostatTau, s.MirostatEta)
	fmt.Fprintf(&b, "Seed: %d", s.Seed)
	return b.String()
}

// begin cancels and joins the session in flight, then registers a new one.
func (e *Engine) begin(stream *Stream) *session {
	e.flight.Lock()
	defer e.flight.Unlock()
	e.cancelAndJoinLocked()

	sess := newSession(uuid.NewString(), stream)
	e.active = sess
	e.current.Store(sess)
	return sess
}

func (e *Engine) cancelAndJoinLocked() {
	prev := e.active
	if prev == nil {
		return
	}
	prev.cancel.Store(true)
	if prev.stream != nil {
		prev.stream.Abort()
	}
	prev.join()
	e.active = nil
}

func (e *Engine) releaseModelLocked() error {
	e.ready.Store(false)
	e.slot.end()
	if e.model == nil {
		return nil
	}
	err := e.model.Close()
	e.model = nil
	if err != nil {
		return fmt.Errorf("failed to free model: %w", err)
	}
	return nil
}

// run executes one session with logging, tracing and recording around the
// decode loop.
func (e *Engine) run(sess *session, model Model, cfg ModelConfig, prompt string, maxTokens int, emit emitFunc) decodeResult {
	if maxTokens < 0 {
		maxTokens = DefaultMaxTokens
	}

	_, span := e.tracer.Start(context.Background(), "inference.session",
		trace.WithAttributes(
			attribute.String("session.id", sess.id),
			attribute.String("model.path", cfg.ModelPath),
			attribute.Int("max_tokens", maxTokens),
			attribute.Int("context_size", cfg.ContextSize),
		))
	defer span.End()

	log := e.log.With(map[string]any{"session": sess.id})
	log.Debug("session started", map[string]any{"max_tokens": maxTokens, "prompt_chars": len(prompt)})

	res := decodeLoop(sess, model, &e.slot, cfg, prompt, maxTokens, emit)

	m := res.Metrics
	span.SetAttributes(
		attribute.String("session.state", res.State.String()),
		attribute.Int("tokens.input", m.InputTokens),
		attribute.Int("tokens.output", m.OutputTokens),
		attribute.Bool("eos_hit", m.EOSHit),
	)
	fields := map[string]any{
		"state":         res.State.String(),
		"input_tokens":  m.InputTokens,
		"output_tokens": m.OutputTokens,
		"tps":           fmt.Sprintf("%.2f", m.TokensPerSecond),
	}
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		fields["error"] = res.Err
		log.Error("session failed", fields)
	} else {
		span.SetStatus(codes.Ok, "")
		log.Info("session finished", fields)
	}

	for _, r := range e.recorders {
		r.RecordSession(m)
	}
	return res
}

func terminalEvent(res decodeResult) Event {
	m := res.Metrics
	switch res.State {
	case StateCancelled:
		return Event{Kind: EventCancelled, Metrics: &m}
	case StateFailed:
		return Event{Kind: EventError, Metrics: &m, Err: res.Err}
	default:
		return Event{Kind: EventDone, Metrics: &m}
	}
}

// update applies fn to a copy of the live config and installs it if valid.
// Changes apply from the next session on.
func (e *Engine) update(fn func(*ModelConfig)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.cfg
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	e.cfg = next
	return nil
}

func (e *Engine) SetTemperature(v float32) error {
	return e.update(func(c *ModelConfig) { c.Sampling.Temperature = v })
}

func (e *Engine) SetTopK(v int) error {
	return e.update(func(c *ModelConfig) { c.Sampling.TopK = v })
}

func (e *Engine) SetTopP(v float32) error {
	return e.update(func(c *ModelConfig) { c.Sampling.TopP = v })
}

func (e *Engine) SetMinP(v float32) error {
	return e.update(func(c *ModelConfig) { c.Sampling.MinP = v })
}

func (e *Engine) SetTypicalP(v float32) error {
	return e.update(func(c *ModelConfig) { c.Sampling.TypicalP = v })
}

func (e *Engine) SetTFSZ(v float32) error {
	return e.update(func(c *ModelConfig) { c.Sampling.TFSZ = v })
}

func (e *Engine) SetTopA(v float32) error {
	return e.update(func(c *ModelConfig) { c.Sampling.TopA = v })
}

func (e *Engine) SetPenaltiesEnabled(v bool) error {
	return e.update(func(c *ModelConfig) { c.Sampling.PenaltiesEnabled = v })
}

func (e *Engine) SetRepeatPenalty(v float32) error {
	return e.update(func(c *ModelConfig) { c.Sampling.RepeatPenalty = v })
}

func (e *Engine) SetRepeatLastN(v int) error {
	return e.update(func(c *ModelConfig) { c.Sampling.RepeatLastN = v })
}

func (e *Engine) SetFrequencyPenalty(v float32) error {
	return e.update(func(c *ModelConfig) { c.Sampling.FrequencyPenalty = v })
}

func (e *Engine) SetPresencePenalty(v float32) error {
	return e.update(func(c *ModelConfig) { c.Sampling.PresencePenalty = v })
}

func (e *Engine) SetMirostat(mode int) error {
	return e.update(func(c *ModelConfig) { c.Sampling.Mirostat = mode })
}

func (e *Engine) SetMirostatTau(v float32) error {
	return e.update(func(c *ModelConfig) { c.Sampling.MirostatTau = v })
}

func (e *Engine) SetMirostatEta(v float32) error {
	return e.update(func(c *ModelConfig) { c.Sampling.MirostatEta = v })
}

func (e *Engine) SetMirostatM(v int) error {
	return e.update(func(c *ModelConfig) { c.Sampling.MirostatM = v })
}

func (e *Engine) SetSeed(v int64) error {
	return e.update(func(c *ModelConfig) { c.Sampling.Seed = v })
}

func (e *Engine) SetRopeFreqBase(v float32) error {
	return e.update(func(c *ModelConfig) { c.RopeFreqBase = v })
}

func (e *Engine) SetRopeFreqScale(v float32) error {
	return e.update(func(c *ModelConfig) { c.RopeFreqScale = v })
}

func (e *Engine) SetYarnExtFactor(v float32) error {
	return e.update(func(c *ModelConfig) { c.YarnExtFactor = v })
}

func (e *Engine) SetYarnAttnFactor(v float32) error {
	return e.update(func(c *ModelConfig) { c.YarnAttnFactor = v })
}

func (e *Engine) SetYarnBetaFast(v float32) error {
	return e.update(func(c *ModelConfig) { c.YarnBetaFast = v })
}

func (e *Engine) SetYarnBetaSlow(v float32) error {
	return e.update(func(c *ModelConfig) { c.YarnBetaSlow = v })
}

func (e *Engine) SetYarnOrigCtx(v uint32) error {
	return e.update(func(c *ModelConfig) { c.YarnOrigCtx = v })
}

func (e *Engine) SetDefragThold(v float32) error {
	return e.update(func(c *ModelConfig) { c.DefragThold = v })
}

func (e *Engine) SetFlashAttn(v bool) error {
	return e.update(func(c *ModelConfig) { c.FlashAttn = v })
}

func (e *Engine) SetOffloadKQV(v bool) error {
	return e.update(func(c *ModelConfig) { c.OffloadKQV = v })
}

func (e *Engine) SetEmbeddings(v bool) error {
	return e.update(func(c *ModelConfig) { c.Embeddings = v })
}

func (e *Engine) SetThreadsBatch(v int) error {
	return e.update(func(c *ModelConfig) { c.ThreadsBatch = v })
}

func (e *Engine) SetUBatchSize(v int) error {
	return e.update(func(c *ModelConfig) { c.UBatchSize = v })
}
