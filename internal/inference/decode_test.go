package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTakeComplete(t *testing.T) {
	euro := []byte("€") // 3 bytes

	tests := []struct {
		name    string
		in      []byte
		final   bool
		want    string
		pending int
	}{
		{"ascii", []byte(" hello"), false, " hello", 0},
		{"complete multibyte", append([]byte("a"), euro...), false, "a€", 0},
		{"split after lead byte", append([]byte("a"), euro[0]), false, "a", 1},
		{"split mid sequence", append([]byte("ab"), euro[:2]...), false, "ab", 2},
		{"only partial", euro[:2], false, "", 2},
		{"final flushes partial", append([]byte("a"), euro[:2]...), true, "a" + string(euro[:2]), 0},
		{"empty", nil, false, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := append([]byte(nil), tt.in...)
			got := takeComplete(&buf, tt.final)
			assert.Equal(t, tt.want, got)
			assert.Len(t, buf, tt.pending)
		})
	}
}

func TestTakeCompleteReassembles(t *testing.T) {
	euro := []byte("€")
	var buf []byte
	var out string

	buf = append(buf, euro[0])
	out += takeComplete(&buf, false)
	buf = append(buf, euro[1])
	out += takeComplete(&buf, false)
	assert.Empty(t, out)

	buf = append(buf, euro[2])
	buf = append(buf, '!')
	out += takeComplete(&buf, false)
	assert.Equal(t, "€!", out)
	assert.Empty(t, buf)
}

func TestSessionStateTerminal(t *testing.T) {
	for _, s := range []SessionState{StateIdle, StatePromptIngest, StateTokenGeneration} {
		assert.False(t, s.Terminal(), s.String())
	}
	for _, s := range []SessionState{StateCompleted, StateCancelled, StateFailed} {
		assert.True(t, s.Terminal(), s.String())
	}
}
