package supervisor

import (
	"bytes"
	"sync"
)

// boundedBuffer keeps the first max bytes written and silently discards
// the rest. Output ceilings are generous; truncation beats unbounded
// memory growth from a runaway command.
type boundedBuffer struct {
	mu  sync.Mutex
	max int64
	buf bytes.Buffer
}

func newBoundedBuffer(max int64) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.max - int64(b.buf.Len())
	if remaining <= 0 {
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
