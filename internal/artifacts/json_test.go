package artifacts

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundFloats(t *testing.T) {
	rounded, err := RoundFloats(map[string]any{
		"a": 1.0000000000004,
		"b": []any{0.1234567890123456},
		"c": "text",
		"d": 7,
	})
	require.NoError(t, err)
	m := rounded.(map[string]any)
	assert.Equal(t, 1.0, m["a"])
	assert.Equal(t, 0.123456789012, m["b"].([]any)[0])
	assert.Equal(t, "text", m["c"])
	assert.Equal(t, 7, m["d"])
}

func TestRoundFloatsRejectsNonFinite(t *testing.T) {
	_, err := RoundFloats(map[string]any{"bad": math.NaN()})
	assert.Error(t, err)
	_, err = RoundFloats(map[string]any{"bad": math.Inf(1)})
	assert.Error(t, err)
}

func TestWriteJSONDeterministic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.json")
	payload := map[string]any{"zeta": 1.5, "alpha": map[string]any{"y": 2, "x": 1}}
	require.NoError(t, WriteJSONDeterministic(path, payload))
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, WriteJSONDeterministic(path, payload))
	second, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, len(first) > 0 && first[len(first)-1] == '\n')
	// map 键序：encoding/json 对 map 天然排序。
	assert.Less(t, indexOf(first, "alpha"), indexOf(first, "zeta"))
}

func indexOf(raw []byte, sub string) int {
	for i := 0; i+len(sub) <= len(raw); i++ {
		if string(raw[i:i+len(sub)]) == sub {
			return i
		}
	}
	return -1
}

func TestFormatFloatTrimsZeros(t *testing.T) {
	assert.Equal(t, "1.5", FormatFloat(1.5))
	assert.Equal(t, "100", FormatFloat(100.0))
	assert.Equal(t, "0.123456789012", FormatFloat(0.1234567890123))
}
