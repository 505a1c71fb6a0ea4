package runtime

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBufferKeepsMostRecentLines(t *testing.T) {
	buf := NewLogBuffer(3)
	for i := 1; i <= 5; i++ {
		_, err := fmt.Fprintf(buf, "line %d\n", i)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"line 3", "line 4", "line 5"}, buf.Tail(0))
	assert.Equal(t, []string{"line 5"}, buf.Tail(1))
	assert.Equal(t, []string{"line 3", "line 4", "line 5"}, buf.Tail(10))
}

func TestLogBufferSplitsMultiLineWrites(t *testing.T) {
	buf := NewLogBuffer(10)
	_, _ = buf.Write([]byte("a\r\nb\nc\n"))
	assert.Equal(t, []string{"a", "b", "c"}, buf.Tail(0))
	assert.Empty(t, NewLogBuffer(2).Tail(5))
}

func TestPrefixWriterReassemblesLines(t *testing.T) {
	var out bytes.Buffer
	w := PrefixWriter(&out, "rasa")
	_, _ = w.Write([]byte("Starting "))
	_, _ = w.Write([]byte("server\npartial"))
	assert.Equal(t, "[rasa] Starting server\n", out.String())

	require.NoError(t, w.Close())
	assert.Equal(t, "[rasa] Starting server\n[rasa] partial\n", out.String())
}
