package runtime

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logMessages(t *testing.T, out *bytes.Buffer) []string {
	t.Helper()

	var msgs []string
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		msgs = append(msgs, entry["message"].(string))
	}
	return msgs
}

func TestLogWriter(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		limit  int
		writes []string
		flush  bool
		want   []string
	}{
		{
			name:   "split on newlines",
			writes: []string{"one\ntwo\n"},
			want:   []string{"one", "two"},
		},
		{
			name:   "partial lines joined",
			writes: []string{"hel", "lo\n"},
			want:   []string{"hello"},
		},
		{
			name:   "pending line held until flush",
			writes: []string{"tail"},
			flush:  true,
			want:   []string{"tail"},
		},
		{
			name:   "long line split at limit",
			limit:  4,
			writes: []string{"abcdefghij"},
			flush:  true,
			want:   []string{"abcd", "efgh", "ij"},
		},
		{
			name:   "prefix applied",
			prefix: FunctionLogPrefix("echo"),
			writes: []string{"boom\r\n"},
			want:   []string{"[watchdog function] echo: boom"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			w := NewLogWriter(zerolog.New(&out), tt.prefix, tt.limit)

			for _, s := range tt.writes {
				n, err := w.Write([]byte(s))
				require.NoError(t, err)
				assert.Equal(t, len(s), n)
			}
			if tt.flush {
				w.Flush()
			}

			assert.Equal(t, tt.want, logMessages(t, &out))
		})
	}
}

func TestLogWriterFlushEmpty(t *testing.T) {
	var out bytes.Buffer
	w := NewLogWriter(zerolog.New(&out), "", 0)
	w.Flush()
	assert.Zero(t, out.Len())
}
