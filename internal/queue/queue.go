// Package queue implements the bounded-concurrency admission gate. Requests
// beyond the concurrency ceiling wait in priority order with a position and
// an estimated start time.
package queue

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultCeiling is the number of executions allowed to run concurrently.
const DefaultCeiling = 3

// defaultAvgMS seeds the ETA estimate before any execution has completed.
const defaultAvgMS = 30_000

// Entry is one queued execution awaiting a free slot.
type Entry struct {
	ExecutionID string
	Tier        string
	Priority    int
	QueuedAt    time.Time
	// Start launches the execution once a slot frees. The queue never calls
	// it; the admission controller does after PopNext hands the entry back.
	Start func()
}

// Decision is the outcome of a Submit call.
type Decision struct {
	Queued    bool
	Position  int
	ETAMillis int64
}

// AdmissionQueue serializes admission decisions for all executions. Entries
// are ordered by descending priority with FIFO ordering inside a priority
// band. The head is never skipped: if its tier has no free slot, nothing is
// admitted until the next completion frees one.
type AdmissionQueue struct {
	mu      sync.Mutex
	ceiling int
	running int
	entries []*Entry
	clock   clock.Clock

	totalDurMS int64
	completed  int64
}

// New creates an admission queue with the given concurrency ceiling.
func New(ceiling int, clk clock.Clock) *AdmissionQueue {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &AdmissionQueue{ceiling: ceiling, clock: clk}
}

// Submit either admits the entry immediately (running count below the
// ceiling, no one waiting, and hasSlot true for the entry's resource tier)
// or inserts it in priority order and reports its 1-based position and
// estimated wait.
func (q *AdmissionQueue) Submit(e *Entry, hasSlot bool) Decision {
	q.mu.Lock()
	defer q.mu.Unlock()

	if hasSlot && q.running < q.ceiling && len(q.entries) == 0 {
		q.running++
		return Decision{Queued: false}
	}

	e.QueuedAt = q.clock.Now()
	pos := q.insert(e)
	return Decision{
		Queued:    true,
		Position:  pos,
		ETAMillis: q.etaLocked(pos),
	}
}

// insert places the entry after all entries with priority >= its own,
// preserving FIFO order within a priority band. Returns the 1-based position.
func (q *AdmissionQueue) insert(e *Entry) int {
	i := len(q.entries)
	for ; i > 0; i-- {
		if q.entries[i-1].Priority >= e.Priority {
			break
		}
	}
	q.entries = append(q.entries, nil)
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
	return i + 1
}

// PopNext returns the head entry if a run slot is free and the head's tier
// has resource capacity, marking it running. A resource-blocked head is not
// skipped; the caller retries on the next completion event.
func (q *AdmissionQueue) PopNext(hasSlot func(tier string) bool) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running >= q.ceiling || len(q.entries) == 0 {
		return nil
	}
	head := q.entries[0]
	if !hasSlot(head.Tier) {
		return nil
	}
	q.entries = q.entries[1:]
	q.running++
	return head
}

// Complete records a finished execution (success or failure), freeing its
// run slot and folding its duration into the running average used for ETAs.
func (q *AdmissionQueue) Complete(duration time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running > 0 {
		q.running--
	}
	if duration > 0 {
		q.totalDurMS += duration.Milliseconds()
		q.completed++
	}
}

// Cancel removes a queued-but-not-running entry. It reports whether the
// entry was found; running executions are not the queue's concern.
func (q *AdmissionQueue) Cancel(executionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.ExecutionID == executionID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Position returns the 1-based queue position of an execution, or 0 if it is
// not queued.
func (q *AdmissionQueue) Position(executionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.ExecutionID == executionID {
			return i + 1
		}
	}
	return 0
}

// Depth returns the number of queued entries.
func (q *AdmissionQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Running returns the number of executions currently holding a run slot.
func (q *AdmissionQueue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// etaLocked estimates the wait for a queue position as the number of whole
// "waves" of the ceiling ahead of it times the average execution time.
// Caller holds mu.
func (q *AdmissionQueue) etaLocked(position int) int64 {
	avg := int64(defaultAvgMS)
	if q.completed > 0 {
		avg = q.totalDurMS / q.completed
	}
	waves := (int64(position) - 1 + int64(q.ceiling) - 1) / int64(q.ceiling)
	return waves * avg
}
