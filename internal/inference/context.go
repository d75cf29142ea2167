package inference

import (
	"sync"
	"sync/atomic"
)

// contextSlot enforces at most one live execution context per model handle.
// begin ends any context still held before creating a new one; end is
// idempotent.
type contextSlot struct {
	mu   sync.Mutex
	ctx  Context
	live atomic.Int32
}

func (s *contextSlot) begin(model Model, params ContextParams) (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		s.release()
	}

	ctx, err := model.NewContext(params)
	if err != nil {
		return nil, newEngineError(ErrContextCreationFailed, "", err)
	}
	if ctx == nil {
		return nil, ErrContextCreationFailed
	}
	s.ctx = ctx
	s.live.Add(1)
	return ctx, nil
}

func (s *contextSlot) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release()
}

func (s *contextSlot) release() {
	if s.ctx == nil {
		return
	}
	_ = s.ctx.Close()
	s.ctx = nil
	s.live.Add(-1)
}

// Live reports the number of contexts currently held (0 or 1).
func (s *contextSlot) Live() int {
	return int(s.live.Load())
}
