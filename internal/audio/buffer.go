package audio

import (
	"sync"
)

// Backlog is a bounded, thread-safe ring of audio bytes held while a
// downstream stream is unavailable. Writes are all-or-nothing so a chunk
// is never split; chunks that do not fit are counted and dropped.
type Backlog struct {
	buffer  []byte
	size    int
	read    int
	write   int
	dropped int64
	mu      sync.Mutex
}

// NewBacklog creates a backlog holding at most size-1 bytes
func NewBacklog(size int) *Backlog {
	if size < 2 {
		size = 2
	}
	return &Backlog{
		buffer: make([]byte, size),
		size:   size,
	}
}

// Write stores chunk if it fits completely and reports whether it was kept
func (b *Backlog) Write(chunk []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(chunk) > b.space() {
		b.dropped += int64(len(chunk))
		return false
	}
	for _, c := range chunk {
		b.buffer[b.write] = c
		b.write = (b.write + 1) % b.size
	}
	return true
}

// Drain returns everything buffered, oldest first, and empties the backlog
func (b *Backlog) Drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, 0, b.available())
	for b.read != b.write {
		out = append(out, b.buffer[b.read])
		b.read = (b.read + 1) % b.size
	}
	b.read, b.write = 0, 0
	return out
}

// Available returns the number of buffered bytes
func (b *Backlog) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available()
}

// Dropped returns the number of bytes rejected because the backlog was full
func (b *Backlog) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Clear discards buffered bytes and the dropped counter
func (b *Backlog) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.read, b.write, b.dropped = 0, 0, 0
}

// IsEmpty returns true if nothing is buffered
func (b *Backlog) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.read == b.write
}

func (b *Backlog) available() int {
	if b.write >= b.read {
		return b.write - b.read
	}
	return b.size - b.read + b.write
}

// space keeps one slot free to tell full from empty
func (b *Backlog) space() int {
	return b.size - b.available() - 1
}
