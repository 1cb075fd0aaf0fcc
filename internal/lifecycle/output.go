package lifecycle

import "sync"

// DefaultStderrBuffer is how much of a server's stderr is kept for
// diagnostics.
const DefaultStderrBuffer = 64 * 1024

// ringBuffer keeps the last size bytes written to it.
type ringBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
	full bool
	pos  int
}

func newRingBuffer(size int) *ringBuffer {
	if size <= 0 {
		size = DefaultStderrBuffer
	}
	return &ringBuffer{buf: make([]byte, size), size: size}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(p)
	if n >= r.size {
		copy(r.buf, p[n-r.size:])
		r.pos = 0
		r.full = true
		return n, nil
	}
	k := copy(r.buf[r.pos:], p)
	if k < n {
		copy(r.buf, p[k:])
		r.full = true
	}
	r.pos = (r.pos + n) % r.size
	if r.pos == 0 && n > 0 {
		r.full = true
	}
	return n, nil
}

// String returns the buffered bytes in write order.
func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return string(r.buf[:r.pos])
	}
	out := make([]byte, 0, r.size)
	out = append(out, r.buf[r.pos:]...)
	out = append(out, r.buf[:r.pos]...)
	return string(out)
}
