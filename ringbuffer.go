package ensemble

// RingBuffer is a FIFO queue over a circular slice that doubles its
// capacity when full. It is not safe for concurrent use; the executor
// guards it with its own mutex.
type RingBuffer[T any] struct {
	buf      []T
	readIdx  int
	writeIdx int
	len      int
}

func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size < 1 {
		size = 1
	}
	return &RingBuffer[T]{buf: make([]T, size)}
}

func (r *RingBuffer[T]) Len() int {
	return r.len
}

func (r *RingBuffer[T]) Cap() int {
	return len(r.buf)
}

// Write appends val, growing the buffer if needed.
func (r *RingBuffer[T]) Write(val T) {
	if r.len == len(r.buf) {
		r.grow()
	}
	r.buf[r.writeIdx] = val
	r.writeIdx = (r.writeIdx + 1) % len(r.buf)
	r.len++
}

// Read removes and returns the oldest value.
func (r *RingBuffer[T]) Read() (T, bool) {
	var zero T
	if r.len == 0 {
		return zero, false
	}
	v := r.buf[r.readIdx]
	r.buf[r.readIdx] = zero
	r.readIdx = (r.readIdx + 1) % len(r.buf)
	r.len--
	return v, true
}

func (r *RingBuffer[T]) grow() {
	next := make([]T, len(r.buf)*2)
	for i := 0; i < r.len; i++ {
		next[i] = r.buf[(r.readIdx+i)%len(r.buf)]
	}
	r.buf = next
	r.readIdx = 0
	r.writeIdx = r.len
}
