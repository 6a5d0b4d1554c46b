// Package buffer implements the bounded terminal scrollback store (C1).
package buffer

import (
	"sync"

	"warden/internal/logging"
)

// TruncationMarker is prepended to a full-buffer read once the buffer has
// ever been trimmed, so a consumer knows earlier output is gone.
const TruncationMarker = "[Earlier output truncated]\n\n"

const (
	// DefaultMax is the soft cap before a trim is triggered.
	DefaultMax = 2 * 1024 * 1024
	// DefaultTrim is the size the buffer is trimmed down to.
	DefaultTrim = 1536 * 1024
	// DefaultChunk is the slice size used by Chunked.
	DefaultChunk = 64 * 1024
)

// Buffer is a mutable, append-only byte store with a soft size cap.
// Appends beyond Max trim the buffer down to the last Trim bytes and
// record that a truncation occurred, so later full reads can be marked.
type Buffer struct {
	mu        sync.RWMutex
	sessionID string
	max       int
	trim      int
	data      []byte
	truncated bool
}

// New creates a Buffer for sessionID with the given caps. Zero caps fall
// back to DefaultMax/DefaultTrim.
func New(sessionID string, max, trim int) *Buffer {
	if max <= 0 {
		max = DefaultMax
	}
	if trim <= 0 || trim > max {
		trim = DefaultTrim
	}
	return &Buffer{
		sessionID: sessionID,
		max:       max,
		trim:      trim,
	}
}

// Append adds data to the buffer, trimming if the result exceeds Max.
func (b *Buffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, data...)

	if len(b.data) > b.max {
		start := len(b.data) - b.trim
		if start < 0 {
			start = 0
		}
		trimmed := make([]byte, len(b.data)-start)
		copy(trimmed, b.data[start:])
		b.data = trimmed
		b.truncated = true
		logging.BufferDebug("session %s trimmed to %d bytes", b.sessionID, len(b.data))
	}
}

// Tail returns the last min(n, size) bytes. If the buffer has ever been
// truncated and the request covers the whole current buffer, the result
// is prefixed with TruncationMarker.
func (b *Buffer) Tail(n int) []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n < 0 {
		n = 0
	}
	start := len(b.data) - n
	if start < 0 {
		start = 0
	}

	slice := make([]byte, len(b.data)-start)
	copy(slice, b.data[start:])

	if b.truncated && start == 0 {
		marked := make([]byte, 0, len(TruncationMarker)+len(slice))
		marked = append(marked, TruncationMarker...)
		marked = append(marked, slice...)
		return marked
	}
	return slice
}

// Full returns the entire current buffer contents, applying the
// truncation marker per the same rule as Tail.
func (b *Buffer) Full() []byte {
	b.mu.RLock()
	size := len(b.data)
	b.mu.RUnlock()
	return b.Tail(size)
}

// WasTruncated reports whether the buffer has ever been trimmed.
func (b *Buffer) WasTruncated() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.truncated
}

// Len returns the current buffer size in bytes.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// Chunked yields consecutive slices of data no larger than chunkSize.
// Callers writing large payloads into external processes must use this
// instead of a single write, to avoid pipe back-pressure hangs.
func Chunked(data []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 {
		chunkSize = DefaultChunk
	}
	if len(data) == 0 {
		return nil
	}

	chunks := make([][]byte, 0, (len(data)+chunkSize-1)/chunkSize)
	for start := 0; start < len(data); start += chunkSize {
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[start:end])
	}
	return chunks
}
