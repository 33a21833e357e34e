package audio

// RingBuffer is a fixed-capacity byte FIFO.
//
// Writes beyond the free space and reads beyond the available bytes are
// truncated, never blocked or grown. RingBuffer does not lock; PlayoutBuffer
// guards it with its own mutex.
type RingBuffer struct {
	buf       []byte
	readPos   int
	available int
}

// NewRingBuffer creates an empty ring of the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Capacity returns the fixed size of the ring.
func (r *RingBuffer) Capacity() int {
	return len(r.buf)
}

// Available returns the number of buffered bytes.
func (r *RingBuffer) Available() int {
	return r.available
}

// Free returns the number of bytes that can be written without truncation.
func (r *RingBuffer) Free() int {
	return len(r.buf) - r.available
}

// Write appends as much of p as fits and returns the number of bytes stored.
func (r *RingBuffer) Write(p []byte) int {
	n := min(len(p), r.Free())
	if n == 0 {
		return 0
	}
	writePos := (r.readPos + r.available) % len(r.buf)
	first := copy(r.buf[writePos:], p[:n])
	if first < n {
		copy(r.buf, p[first:n])
	}
	r.available += n
	return n
}

// Read moves up to len(p) buffered bytes into p and returns the count.
func (r *RingBuffer) Read(p []byte) int {
	n := r.Peek(p)
	r.Discard(n)
	return n
}

// Peek copies up to len(p) buffered bytes into p without consuming them.
func (r *RingBuffer) Peek(p []byte) int {
	n := min(len(p), r.available)
	if n == 0 {
		return 0
	}
	first := copy(p[:n], r.buf[r.readPos:])
	if first < n {
		copy(p[first:n], r.buf)
	}
	return n
}

// Discard drops up to n buffered bytes and returns the count dropped.
func (r *RingBuffer) Discard(n int) int {
	n = min(max(n, 0), r.available)
	if n == 0 {
		return 0
	}
	r.readPos = (r.readPos + n) % len(r.buf)
	r.available -= n
	if r.available == 0 {
		r.readPos = 0
	}
	return n
}

// Reset drops all buffered bytes.
func (r *RingBuffer) Reset() {
	r.readPos = 0
	r.available = 0
}

// Compact drops every modulo-th frame of frameSize bytes from the buffered
// content, keeping the order and alignment of the remaining frames. A
// trailing partial frame is kept untouched. It returns the bytes dropped.
func (r *RingBuffer) Compact(frameSize, modulo int) int {
	if frameSize <= 0 || modulo <= 1 || r.available < frameSize {
		return 0
	}

	data := make([]byte, r.available)
	r.Peek(data)

	frames := len(data) / frameSize
	out := data[:0]
	dropped := 0
	for i := 0; i < frames; i++ {
		frame := data[i*frameSize : (i+1)*frameSize]
		if (i+1)%modulo == 0 {
			dropped += frameSize
			continue
		}
		out = append(out, frame...)
	}
	out = append(out, data[frames*frameSize:]...)

	r.Reset()
	r.Write(out)
	return dropped
}
