package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
)

// RingBuffer keeps the most recent log records in memory, bounded by total
// size. Each Write is one record; old records are dropped whole, so a dump
// never starts in the middle of a line.
type RingBuffer struct {
	mu      sync.Mutex
	limit   int
	size    int
	records [][]byte
}

// NewRingBuffer creates a ring holding up to limit bytes of records.
func NewRingBuffer(limit int) *RingBuffer {
	if limit <= 0 {
		limit = 1024 * 1024
	}
	return &RingBuffer{limit: limit}
}

// Write stores p as one record. A record larger than the limit keeps its
// tail.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}
	if n > rb.limit {
		p = p[n-rb.limit:]
	}
	rec := append([]byte(nil), p...)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.records = append(rb.records, rec)
	rb.size += len(rec)
	drop := 0
	for rb.size > rb.limit {
		rb.size -= len(rb.records[drop])
		rb.records[drop] = nil
		drop++
	}
	if drop > 0 {
		rb.records = rb.records[drop:]
	}
	return n, nil
}

// Bytes returns the records in order.
func (rb *RingBuffer) Bytes() []byte {
	return rb.Filter("")
}

// Filter returns the records containing match, in order. An empty match
// returns everything.
func (rb *RingBuffer) Filter(match string) []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	var out bytes.Buffer
	for _, rec := range rb.records {
		if match == "" || bytes.Contains(rec, []byte(match)) {
			out.Write(rec)
		}
	}
	return out.Bytes()
}

// Len is the number of records held.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.records)
}

// DumpToFile writes the records containing match to path, creating parent
// directories.
func (rb *RingBuffer) DumpToFile(path, match string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, rb.Filter(match), 0o600)
}
