package inference

import (
	"encoding/json"
	"time"
)

// DoneSentinel prefixes the terminal payload of a stream.
const DoneSentinel = "[DONE]"

// GenerationMetrics is computed once per session, at its terminal event.
type GenerationMetrics struct {
	SessionID           string         `json:"session_id"`
	Model               string         `json:"model,omitempty"`
	State               string         `json:"state"`
	StartedAt           time.Time      `json:"started_at"`
	InputTokens         int            `json:"input_tokens"`
	OutputTokens        int            `json:"output_tokens"`
	DurationSeconds     float64        `json:"duration_seconds"`
	TokensPerSecond     float64        `json:"tokens_per_second"`
	FirstTokenLatencyMs float64        `json:"first_token_latency_ms"`
	ContextUsed         int            `json:"context_used"`
	ContextSize         int            `json:"context_size"`
	ContextUsagePercent float64        `json:"context_usage_percent"`
	Sampling            SamplingConfig `json:"sampling"`
	MaxTokens           int            `json:"max_tokens"`
	EOSHit              bool           `json:"eos_hit"`
	Error               string         `json:"error,omitempty"`
}

func (m *GenerationMetrics) finalize(start, firstToken time.Time, end time.Time) {
	d := end.Sub(start)
	m.DurationSeconds = d.Seconds()
	if m.OutputTokens > 0 && d > 0 {
		m.TokensPerSecond = float64(m.OutputTokens) / d.Seconds()
	}
	if !firstToken.IsZero() {
		m.FirstTokenLatencyMs = float64(firstToken.Sub(start).Microseconds()) / 1000
	}
	m.ContextUsed = m.InputTokens + m.OutputTokens
	if m.ContextSize > 0 {
		m.ContextUsagePercent = float64(m.ContextUsed) * 100 / float64(m.ContextSize)
	}
}

// EventKind classifies stream events.
type EventKind int

const (
	EventToken EventKind = iota
	EventDone
	EventCancelled
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventToken:
		return "token"
	case EventDone:
		return "done"
	case EventCancelled:
		return "cancelled"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one message on a Stream. Exactly one terminal event (Done,
// Cancelled or Error) ends every stream.
type Event struct {
	Kind    EventKind
	Text    string
	Index   int
	Metrics *GenerationMetrics
	Err     error
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Kind != EventToken
}

// Payload renders the event as transport text: the token text, or for a
// terminal event the DoneSentinel followed by the metrics record.
func (e Event) Payload() string {
	if !e.Terminal() {
		return e.Text
	}
	if e.Metrics == nil {
		if e.Err != nil {
			return DoneSentinel + ` {"error":` + quote(e.Err.Error()) + `}`
		}
		return DoneSentinel
	}
	data, err := json.Marshal(e.Metrics)
	if err != nil {
		return DoneSentinel
	}
	return DoneSentinel + " " + string(data)
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
