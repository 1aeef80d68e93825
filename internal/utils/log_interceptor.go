// Package utils holds filesystem and logging helpers shared by the daemon and the CLI.
package utils

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"time"
)

// maxPendingLine caps a line that never sees its newline; it is flushed as is.
const maxPendingLine = 1 << 20

// LogInterceptor prefixes every complete line written through it with a
// sequence number and a timestamp before passing it on to target.
type LogInterceptor struct {
	target io.Writer
	now    func() time.Time

	mu      sync.Mutex
	seq     uint64
	pending bytes.Buffer
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{target: target, now: time.Now}
}

// Write buffers p and emits every line it completes. It reports len(p) on
// success so callers never see a short write for the added prefix.
func (i *LogInterceptor) Write(p []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.pending.Write(p)
	for {
		idx := bytes.IndexByte(i.pending.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := i.pending.Next(idx + 1)
		if err := i.emit(bytes.TrimRight(line, "\r\n")); err != nil {
			return 0, err
		}
	}

	if i.pending.Len() > maxPendingLine {
		line := i.pending.Next(i.pending.Len())
		if err := i.emit(line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (i *LogInterceptor) emit(line []byte) error {
	i.seq++
	var buf bytes.Buffer
	buf.WriteString(slog.Uint64("line", i.seq).String())
	buf.WriteByte(' ')
	buf.WriteString(slog.String("time", i.now().Format(time.RFC3339)).String())
	buf.WriteByte(' ')
	buf.Write(line)
	buf.WriteByte('\n')
	_, err := i.target.Write(buf.Bytes())
	return err
}

// Close flushes a trailing line that had no newline.
func (i *LogInterceptor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.pending.Len() == 0 {
		return nil
	}
	line := i.pending.Next(i.pending.Len())
	return i.emit(line)
}
