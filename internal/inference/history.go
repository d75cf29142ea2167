package inference

// DefaultHistoryCapacity is the number of recent tokens kept for penalties.
const DefaultHistoryCapacity = 128

// TokenHistory is a fixed-capacity FIFO ring of the most recently sampled
// tokens. Only the Sampler writes to it.
type TokenHistory struct {
	buf   []Token
	start int
	size  int
}

// NewTokenHistory returns an empty history. A non-positive capacity falls
// back to DefaultHistoryCapacity.
func NewTokenHistory(capacity int) *TokenHistory {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &TokenHistory{buf: make([]Token, capacity)}
}

// Push appends a token, evicting the oldest one when full.
func (h *TokenHistory) Push(t Token) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = t
		h.size++
		return
	}
	h.buf[h.start] = t
	h.start = (h.start + 1) % len(h.buf)
}

func (h *TokenHistory) Len() int { return h.size }
func (h *TokenHistory) Cap() int { return len(h.buf) }

// Tokens returns the retained tokens, oldest first.
func (h *TokenHistory) Tokens() []Token {
	return h.Last(h.size)
}

// Last returns up to n most recent tokens, oldest first.
func (h *TokenHistory) Last(n int) []Token {
	if n > h.size {
		n = h.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]Token, n)
	first := h.size - n
	for i := 0; i < n; i++ {
		out[i] = h.buf[(h.start+first+i)%len(h.buf)]
	}
	return out
}

// Reset empties the history without reallocating.
func (h *TokenHistory) Reset() {
	h.start = 0
	h.size = 0
}
