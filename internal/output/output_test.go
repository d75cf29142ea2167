package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrinterPlain(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf, false, false)

	p.Section("Model")
	p.Item("Context", "2048")
	p.Success("loaded")

	out := buf.String()
	assert.Contains(t, out, "◆ Model")
	assert.Contains(t, out, "Context:")
	assert.Contains(t, out, "2048")
	assert.Contains(t, out, "✓ loaded")
	assert.NotContains(t, out, "\033[")
}

func TestPrinterJSONModeSilencesStyledOutput(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf, true, true)

	p.Section("ignored")
	p.Info("ignored")
	assert.Empty(t, buf.String())

	require.NoError(t, p.Result("failed", nil, errors.New("boom")))

	var res CommandResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &res))
	assert.False(t, res.Success)
	assert.Equal(t, "boom", res.Error)
}
