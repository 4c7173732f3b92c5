package supervisor

import (
	"sync"
)

// ringBuffer is a goroutine-safe, bounded byte buffer that drops old
// data when capacity is exceeded. Captures worker process output; the
// onFirst hook fires once, on the first non-empty write, and is how
// the supervisor detects process readiness.
type ringBuffer struct {
	mu      sync.Mutex
	data    []byte
	max     int
	written int64 // total bytes ever written (including dropped)
	onFirst func()
	fired   bool
}

func newRingBuffer(maxBytes int, onFirst func()) *ringBuffer {
	capHint := maxBytes
	if capHint > 4096 {
		capHint = 4096
	}
	return &ringBuffer{
		data:    make([]byte, 0, capHint),
		max:     maxBytes,
		onFirst: onFirst,
	}
}

// Write implements io.Writer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	rb.data = append(rb.data, p...)
	rb.written += int64(len(p))
	if len(rb.data) > rb.max {
		rb.data = rb.data[len(rb.data)-rb.max:]
	}
	fire := !rb.fired && rb.written > 0 && rb.onFirst != nil
	if fire {
		rb.fired = true
	}
	rb.mu.Unlock()

	if fire {
		rb.onFirst()
	}
	return len(p), nil
}

// String returns the full buffered content.
func (rb *ringBuffer) String() string {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return string(rb.data)
}

// TotalWritten returns the total number of bytes ever written,
// including bytes dropped due to overflow.
func (rb *ringBuffer) TotalWritten() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.written
}

// ReadFrom returns content from the given byte offset onward. The
// offset is in terms of total bytes written; offsets pointing into
// dropped data read from the start of the current buffer.
func (rb *ringBuffer) ReadFrom(offset int64) string {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	dropped := rb.written - int64(len(rb.data))
	local := offset - dropped
	if local < 0 {
		local = 0
	}
	if local >= int64(len(rb.data)) {
		return ""
	}
	return string(rb.data[local:])
}
