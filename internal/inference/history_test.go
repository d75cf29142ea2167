package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenHistoryFIFO(t *testing.T) {
	h := NewTokenHistory(4)
	for i := 0; i < 10; i++ {
		h.Push(Token(i))
	}
	assert.Equal(t, 4, h.Len())
	assert.Equal(t, 4, h.Cap())
	assert.Equal(t, []Token{6, 7, 8, 9}, h.Tokens())
	assert.Equal(t, []Token{8, 9}, h.Last(2))
	assert.Equal(t, []Token{6, 7, 8, 9}, h.Last(100))
	assert.Nil(t, h.Last(0))
}

func TestTokenHistoryPartial(t *testing.T) {
	h := NewTokenHistory(8)
	h.Push(3)
	h.Push(5)
	assert.Equal(t, []Token{3, 5}, h.Tokens())

	h.Reset()
	assert.Equal(t, 0, h.Len())
	assert.Nil(t, h.Tokens())
}

func TestTokenHistoryDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultHistoryCapacity, NewTokenHistory(0).Cap())
	assert.Equal(t, DefaultHistoryCapacity, NewTokenHistory(-3).Cap())
}
