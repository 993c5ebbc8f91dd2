package runner

import (
	"bytes"
	"log/slog"
	"sync"
)

// maxStderrBytes caps the stderr tail kept for diagnostics and the size of a
// buffered partial line.
const maxStderrBytes = 64 * 1024

// lineLogger is an io.Writer that logs each complete line and keeps a tail of
// everything written.
type lineLogger struct {
	logger *slog.Logger
	stream string

	mu      sync.Mutex
	partial []byte
	tail    []byte
}

func newLineLogger(logger *slog.Logger, stream string) *lineLogger {
	return &lineLogger{logger: logger, stream: stream}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tail = append(l.tail, p...)
	if len(l.tail) > maxStderrBytes {
		l.tail = l.tail[len(l.tail)-maxStderrBytes:]
	}

	l.partial = append(l.partial, p...)
	for {
		i := bytes.IndexByte(l.partial, '\n')
		if i < 0 {
			break
		}
		l.emit(l.partial[:i])
		l.partial = l.partial[i+1:]
	}
	if len(l.partial) > maxStderrBytes {
		l.emit(l.partial)
		l.partial = nil
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.partial) > 0 {
		l.emit(l.partial)
		l.partial = nil
	}
}

// Tail returns the last bytes written.
func (l *lineLogger) Tail() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return string(l.tail)
}

func (l *lineLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	l.logger.Debug("tool output", "stream", l.stream, "line", string(line))
}
