package inference

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// SessionState is the decode loop state machine.
type SessionState int32

const (
	StateIdle SessionState = iota
	StatePromptIngest
	StateTokenGeneration
	StateCompleted
	StateCancelled
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePromptIngest:
		return "prompt_ingest"
	case StateTokenGeneration:
		return "token_generation"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s >= StateCompleted
}

// DefaultMaxTokens is used when a caller passes a negative token budget.
const DefaultMaxTokens = 256

// session is one generation request. The cancel flag is per session, so a
// Stop aimed at an old session never leaks into its replacement.
type session struct {
	id     string
	cancel atomic.Bool
	state  atomic.Int32
	stream *Stream

	done       chan struct{} // producer finished
	dispatched chan struct{} // consumer finished, nil for synchronous sessions
}

func newSession(id string, stream *Stream) *session {
	s := &session{id: id, stream: stream, done: make(chan struct{})}
	if stream != nil {
		s.dispatched = make(chan struct{})
	}
	return s
}

func (s *session) cancelled() bool {
	if s.cancel.Load() {
		return true
	}
	return s.stream != nil && s.stream.Aborted()
}

func (s *session) setState(st SessionState) { s.state.Store(int32(st)) }

// State returns the current state of the session.
func (s *session) State() SessionState { return SessionState(s.state.Load()) }

// join waits for the producer and, for streams, the consumer.
func (s *session) join() {
	<-s.done
	if s.dispatched != nil {
		<-s.dispatched
	}
}

// emitFunc delivers one decoded text piece.
type emitFunc func(text string, index int) error

type decodeResult struct {
	Text    string
	State   SessionState
	Err     error
	Metrics GenerationMetrics
}

// decodeLoop runs one session against model. The context slot is ended on
// every return path, panics included.
func decodeLoop(sess *session, model Model, slot *contextSlot, cfg ModelConfig, prompt string, maxTokens int, emit emitFunc) (res decodeResult) {
	start := time.Now()
	var firstToken time.Time
	var out strings.Builder

	res.Metrics = GenerationMetrics{
		SessionID:   sess.id,
		Model:       cfg.ModelPath,
		StartedAt:   start,
		ContextSize: cfg.ContextSize,
		Sampling:    cfg.Sampling,
		MaxTokens:   maxTokens,
	}

	fail := func(err error) {
		res.State = StateFailed
		res.Err = err
	}

	defer func() {
		if r := recover(); r != nil {
			fail(newEngineError(ErrDecodeFailed, fmt.Sprintf("panic: %v", r), nil))
		}
		slot.end()
		res.Text = out.String()
		if res.Err != nil {
			res.Metrics.Error = res.Err.Error()
		}
		res.Metrics.State = res.State.String()
		res.Metrics.finalize(start, firstToken, time.Now())
		sess.setState(res.State)
	}()

	sess.setState(StatePromptIngest)

	tokens, err := model.Tokenize(prompt, false)
	if err != nil {
		fail(newEngineError(ErrTokenizationFailed, "", err))
		return res
	}
	if len(tokens) == 0 {
		fail(newEngineError(ErrTokenizationFailed, "prompt produced no tokens", nil))
		return res
	}
	if model.AddBOS() && tokens[0] != model.BOS() {
		tokens = append([]Token{model.BOS()}, tokens...)
	}
	res.Metrics.InputTokens = len(tokens)
	if len(tokens) > cfg.ContextSize {
		fail(newEngineError(ErrDecodeFailed,
			fmt.Sprintf("prompt of %d tokens exceeds context window of %d", len(tokens), cfg.ContextSize), nil))
		return res
	}

	ctx, err := slot.begin(model, cfg.contextParams())
	if err != nil {
		fail(err)
		return res
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = len(tokens)
	}
	for i := 0; i < len(tokens); i += batch {
		if sess.cancelled() {
			res.State = StateCancelled
			return res
		}
		end := i + batch
		if end > len(tokens) {
			end = len(tokens)
		}
		if err := ctx.Decode(tokens[i:end]); err != nil {
			fail(newEngineError(ErrDecodeFailed, fmt.Sprintf("prompt chunk at %d", i), err))
			return res
		}
	}

	if remaining := cfg.ContextSize - len(tokens); maxTokens > remaining {
		maxTokens = remaining
	}

	sess.setState(StateTokenGeneration)
	sampler := NewSampler(cfg.Sampling, NewTokenHistory(DefaultHistoryCapacity))
	eos := model.EOS()

	var pending []byte
	index := 0
	flush := func(final bool) error {
		text := takeComplete(&pending, final)
		if text == "" {
			return nil
		}
		out.WriteString(text)
		err := emit(text, index)
		index++
		return err
	}
	// emitFailed maps a delivery error onto the session outcome.
	emitFailed := func(err error) {
		if errors.Is(err, ErrStreamClosed) {
			res.State = StateCancelled
			return
		}
		fail(err)
	}

	res.State = StateCompleted
	for i := 0; i < maxTokens; i++ {
		if sess.cancelled() {
			res.State = StateCancelled
			break
		}

		logits, err := ctx.Logits()
		if err != nil {
			fail(newEngineError(ErrDecodeFailed, "read logits", err))
			return res
		}
		tok, err := sampler.Sample(logits)
		if err != nil {
			fail(err)
			return res
		}
		if tok == eos {
			res.Metrics.EOSHit = true
			break
		}
		if firstToken.IsZero() {
			firstToken = time.Now()
		}
		res.Metrics.OutputTokens++

		pending = append(pending, model.TokenToPiece(tok)...)
		if err := flush(false); err != nil {
			emitFailed(err)
			return res
		}

		if err := ctx.Decode([]Token{tok}); err != nil {
			fail(newEngineError(ErrDecodeFailed, fmt.Sprintf("generated token %d", i), err))
			return res
		}
	}

	if err := flush(true); err != nil {
		emitFailed(err)
	}
	return res
}

// takeComplete removes and returns the longest prefix of buf that does not
// end inside a UTF-8 sequence. With final set everything is returned.
func takeComplete(buf *[]byte, final bool) string {
	b := *buf
	if len(b) == 0 {
		return ""
	}
	cut := len(b)
	if !final {
		i := len(b) - 1
		for i > 0 && len(b)-i < utf8.UTFMax && !utf8.RuneStart(b[i]) {
			i--
		}
		if !utf8.FullRune(b[i:]) {
			cut = i
		}
	}
	text := string(b[:cut])
	*buf = append(b[:0], b[cut:]...)
	return text
}
