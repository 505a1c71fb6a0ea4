package runtime

import (
	"bytes"
	"io"
	"sync"
)

// LogBuffer 以环形缓冲保存最近的若干行输出，可作为进程的 stdout/stderr。
type LogBuffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewLogBuffer 创建最多保存 max 行的缓冲。
func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{lines: make([]string, max)}
}

// Write 实现 io.Writer，每次调用中的内容按换行拆分为多行。
func (b *LogBuffer) Write(p []byte) (int, error) {
	text := bytes.TrimRight(p, "\r\n")
	if len(text) == 0 {
		return len(p), nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, line := range bytes.Split(text, []byte{'\n'}) {
		b.lines[b.next] = string(bytes.TrimRight(line, "\r"))
		b.next = (b.next + 1) % len(b.lines)
		if b.next == 0 {
			b.full = true
		}
	}
	return len(p), nil
}

// Tail 返回最近的 n 行，n<=0 时返回全部。
func (b *LogBuffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := b.next
	if b.full {
		size = len(b.lines)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]string, 0, n)
	for i := size - n; i < size; i++ {
		idx := i
		if b.full {
			idx = (b.next + i) % len(b.lines)
		}
		out = append(out, b.lines[idx])
	}
	return out
}

// lineWriter 把任意分片的写入重组为整行，并为每行加上前缀后写入下游。
type lineWriter struct {
	mu      sync.Mutex
	out     io.Writer
	prefix  []byte
	pending []byte
}

// PrefixWriter 返回给每行输出加上 "[name] " 前缀的 Writer，out 为 nil 时丢弃输出。
func PrefixWriter(out io.Writer, name string) io.WriteCloser {
	if out == nil {
		out = io.Discard
	}
	return &lineWriter{out: out, prefix: []byte("[" + name + "] ")}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)
	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx < 0 {
			break
		}
		line := append(append([]byte{}, w.prefix...), w.pending[:idx+1]...)
		w.pending = w.pending[idx+1:]
		if _, err := w.out.Write(line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Close 刷出最后一段不完整的行。
func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil
	}
	line := append(append([]byte{}, w.prefix...), w.pending...)
	w.pending = nil
	_, err := w.out.Write(append(line, '\n'))
	return err
}
