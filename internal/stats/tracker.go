package stats

import (
	"sync"
	"time"

	"github.com/takuphilchan/offgrid-edge/internal/inference"
)

// InferenceStats tracks statistics for model inference
type InferenceStats struct {
	ModelID             string    `json:"model_id"`
	TotalSessions       int64     `json:"total_sessions"`
	CompletedSessions   int64     `json:"completed_sessions"`
	CancelledSessions   int64     `json:"cancelled_sessions"`
	FailedSessions      int64     `json:"failed_sessions"`
	TotalInputTokens    int64     `json:"total_input_tokens"`
	TotalOutputTokens   int64     `json:"total_output_tokens"`
	TotalDurationMs     int64     `json:"total_duration_ms"`
	AverageResponseMs   float64   `json:"average_response_ms"`
	AverageTokensPerS   float64   `json:"average_tokens_per_second"`
	AverageFirstTokenMs float64   `json:"average_first_token_ms"`
	LastUsed            time.Time `json:"last_used"`

	firstTokenSamples int64
}

// Tracker manages inference statistics in memory. It implements
// inference.SessionRecorder.
type Tracker struct {
	mu    sync.RWMutex
	stats map[string]*InferenceStats
}

// NewTracker creates a new statistics tracker
func NewTracker() *Tracker {
	return &Tracker{
		stats: make(map[string]*InferenceStats),
	}
}

// RecordSession folds one finished session into the per-model totals.
func (t *Tracker) RecordSession(m inference.GenerationMetrics) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, exists := t.stats[m.Model]
	if !exists {
		s = &InferenceStats{ModelID: m.Model}
		t.stats[m.Model] = s
	}

	s.TotalSessions++
	switch m.State {
	case inference.StateCompleted.String():
		s.CompletedSessions++
	case inference.StateCancelled.String():
		s.CancelledSessions++
	case inference.StateFailed.String():
		s.FailedSessions++
	}
	s.TotalInputTokens += int64(m.InputTokens)
	s.TotalOutputTokens += int64(m.OutputTokens)
	s.TotalDurationMs += int64(m.DurationSeconds * 1000)
	s.AverageResponseMs = float64(s.TotalDurationMs) / float64(s.TotalSessions)
	if s.TotalDurationMs > 0 {
		s.AverageTokensPerS = float64(s.TotalOutputTokens) / (float64(s.TotalDurationMs) / 1000)
	}
	if m.FirstTokenLatencyMs > 0 {
		s.firstTokenSamples++
		s.AverageFirstTokenMs += (m.FirstTokenLatencyMs - s.AverageFirstTokenMs) / float64(s.firstTokenSamples)
	}
	s.LastUsed = time.Now()
}

// GetStats returns statistics for a specific model
func (t *Tracker) GetStats(modelID string) *InferenceStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if s, exists := t.stats[modelID]; exists {
		statsCopy := *s
		return &statsCopy
	}
	return nil
}

// GetAllStats returns statistics for all models
func (t *Tracker) GetAllStats() map[string]*InferenceStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]*InferenceStats)
	for k, v := range t.stats {
		statsCopy := *v
		result[k] = &statsCopy
	}
	return result
}

// Reset clears all statistics
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = make(map[string]*InferenceStats)
}

// ResetModel clears statistics for a specific model
func (t *Tracker) ResetModel(modelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stats, modelID)
}
