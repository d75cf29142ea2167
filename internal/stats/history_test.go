package stats

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takuphilchan/offgrid-edge/internal/inference"
)

func TestHistoryStoreInMemory(t *testing.T) {
	store, err := NewHistoryStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, id := range []string{"s1", "s2", "s3"} {
		store.RecordSession(inference.GenerationMetrics{
			SessionID:    id,
			Model:        "tiny.gguf",
			State:        "completed",
			StartedAt:    base.Add(time.Duration(i) * time.Minute),
			InputTokens:  2,
			OutputTokens: 5 + i,
			ContextUsed:  7 + i,
			ContextSize:  100,
			EOSHit:       i == 2,
			Sampling:     inference.SamplingConfig{Temperature: 0.5, TopK: 10},
		})
	}

	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	recent, err := store.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "s3", recent[0].SessionID)
	assert.Equal(t, "s2", recent[1].SessionID)
	assert.True(t, recent[0].EOSHit)
	assert.Equal(t, 7, recent[0].OutputTokens)
	assert.InDelta(t, 9.0, recent[0].ContextUsagePercent, 1e-9)
	assert.Equal(t, 10, recent[0].Sampling.TopK)
	assert.True(t, recent[0].StartedAt.Equal(base.Add(2*time.Minute)))
}

func TestHistoryStoreReplacesSameSession(t *testing.T) {
	store, err := NewHistoryStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	m := inference.GenerationMetrics{SessionID: "x", State: "failed", StartedAt: time.Now(), Error: "decode failed"}
	require.NoError(t, store.Save(m))
	m.State = "completed"
	m.Error = ""
	require.NoError(t, store.Save(m))

	recent, err := store.Recent(0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "completed", recent[0].State)
	assert.Empty(t, recent[0].Error)
}

func TestHistoryStoreOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	store, err := NewHistoryStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(inference.GenerationMetrics{SessionID: "a", State: "cancelled", StartedAt: time.Now()}))
	require.NoError(t, store.Close())

	reopened, err := NewHistoryStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	n, err := reopened.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
