// Package ringbuf provides a fixed-capacity FIFO ring. It backs the rate
// governor's admission windows and the rolling candle windows of the live
// loop. A Ring is not safe for concurrent use; its owner serializes access.
package ringbuf

// Ring is a bounded FIFO of T. Capacity is exact.
type Ring[T any] struct {
	buf  []T
	head int // index of the oldest element
	n    int

	overflow uint64
}

// New creates a ring holding at most capacity elements. Minimum capacity is 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v. Returns false (and counts an overflow) when the ring is full.
func (r *Ring[T]) Push(v T) bool {
	if r.n == len(r.buf) {
		r.overflow++
		return false
	}
	r.buf[(r.head+r.n)%len(r.buf)] = v
	r.n++
	return true
}

// PushEvict appends v, dropping the oldest element when full.
// The dropped element is returned with ok=true.
func (r *Ring[T]) PushEvict(v T) (dropped T, ok bool) {
	if r.n == len(r.buf) {
		dropped, ok = r.buf[r.head], true
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, ok
	}
	r.buf[(r.head+r.n)%len(r.buf)] = v
	r.n++
	return dropped, false
}

// Pop removes and returns the oldest element.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.n--
	return v, true
}

// Peek returns the oldest element without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	if r.n == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

// Last returns the newest element.
func (r *Ring[T]) Last() (T, bool) {
	if r.n == 0 {
		var zero T
		return zero, false
	}
	return r.buf[(r.head+r.n-1)%len(r.buf)], true
}

// SetLast overwrites the newest element. No-op on an empty ring.
func (r *Ring[T]) SetLast(v T) {
	if r.n == 0 {
		return
	}
	r.buf[(r.head+r.n-1)%len(r.buf)] = v
}

// AppendTo appends the contents oldest-first to dst.
func (r *Ring[T]) AppendTo(dst []T) []T {
	for i := 0; i < r.n; i++ {
		dst = append(dst, r.buf[(r.head+i)%len(r.buf)])
	}
	return dst
}

// Reset empties the ring. The overflow counter is kept.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head, r.n = 0, 0
}

// Len returns the current number of elements.
func (r *Ring[T]) Len() int { return r.n }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Full reports whether Push would fail.
func (r *Ring[T]) Full() bool { return r.n == len(r.buf) }

// Overflow returns the number of rejected pushes.
func (r *Ring[T]) Overflow() uint64 { return r.overflow }
