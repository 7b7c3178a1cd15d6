package domain

import "sync"

// DefaultHistorySize is the number of alerts kept in memory.
const DefaultHistorySize = 1000

// AlertRingBuffer stores the most recent alerts in arrival order, dropping the
// oldest once capacity is reached. Reads return copies.
//
// Thread Safety: Safe for concurrent access via RWMutex.
type AlertRingBuffer struct {
	records  []AlertRecord
	head     int
	count    int
	capacity int
	total    uint64
	mu       sync.RWMutex
}

// NewAlertRingBuffer creates a buffer holding at most capacity records
// (DefaultHistorySize if capacity <= 0).
func NewAlertRingBuffer(capacity int) *AlertRingBuffer {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &AlertRingBuffer{
		records:  make([]AlertRecord, capacity),
		capacity: capacity,
	}
}

// Append stores a record, overwriting the oldest when full.
func (b *AlertRingBuffer) Append(rec AlertRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records[b.head] = rec
	b.head = (b.head + 1) % b.capacity
	if b.count < b.capacity {
		b.count++
	}
	b.total++
}

// Snapshot returns every retained record, oldest first.
func (b *AlertRingBuffer) Snapshot() []AlertRecord {
	return b.Latest(0)
}

// Latest returns the n most recent records, oldest first. n <= 0 or n larger
// than the current length returns everything.
func (b *AlertRingBuffer) Latest(n int) []AlertRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > b.count {
		n = b.count
	}
	result := make([]AlertRecord, n)
	for i := 0; i < n; i++ {
		idx := (b.head - n + i + b.capacity) % b.capacity
		result[i] = b.records[idx]
	}
	return result
}

// Len returns the number of retained records.
func (b *AlertRingBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Cap returns the fixed capacity.
func (b *AlertRingBuffer) Cap() int {
	return b.capacity
}

// Total returns how many records were ever appended, evicted ones included.
func (b *AlertRingBuffer) Total() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}
