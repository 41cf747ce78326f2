package process

import (
	"io"
	"sync"
)

// ringBuffer keeps the most recent bytes written to it, bounded by capacity.
// Used to retain a stderr tail for error context without unbounded growth.
type ringBuffer struct {
	mu   sync.Mutex
	buf  []byte
	cap  int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{cap: capacity}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, p...)
	if len(r.buf) > r.cap {
		r.buf = r.buf[len(r.buf)-r.cap:]
	}
	return len(p), nil
}

// ReadFrom copies the reader into the ring until EOF.
func (r *ringBuffer) ReadFrom(src io.Reader) {
	_, _ = io.Copy(r, src)
}

func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf)
}
