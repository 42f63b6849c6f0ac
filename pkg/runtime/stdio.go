package runtime

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultLogBufferSize is the largest partial line held before it is flushed
const DefaultLogBufferSize = 65536

// LogWriter turns a guest output stream into log lines. A line is emitted on
// every newline, or when the pending bytes reach the buffer size.
type LogWriter struct {
	mu     sync.Mutex
	logger zerolog.Logger
	prefix string
	limit  int
	buf    []byte
}

// NewLogWriter creates a writer that logs through logger. prefix is prepended
// to every line when non-empty.
func NewLogWriter(logger zerolog.Logger, prefix string, limit int) *LogWriter {
	if limit <= 0 {
		limit = DefaultLogBufferSize
	}
	return &LogWriter{logger: logger, prefix: prefix, limit: limit}
}

// FunctionLogPrefix is the prefix used for guest stderr lines
func FunctionLogPrefix(name string) string {
	return "[watchdog function] " + name + ":"
}

// Write implements io.Writer
func (w *LogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}

	for len(w.buf) >= w.limit {
		w.emit(w.buf[:w.limit])
		w.buf = w.buf[w.limit:]
	}

	if len(w.buf) == 0 {
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits any pending partial line
func (w *LogWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *LogWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if w.prefix != "" {
		w.logger.Info().Msgf("%s %s", w.prefix, line)
		return
	}
	w.logger.Info().Msg(string(line))
}
