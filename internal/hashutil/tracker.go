package hashutil

import (
	"fmt"
	"sync"
)

// ResumeTracker tracks which chunks of one transfer have been completed.
// It never shrinks; completed marks survive for the life of the tracker.
type ResumeTracker struct {
	mu        sync.RWMutex
	completed []bool
	count     int
}

// NewResumeTracker creates a tracker for total chunks.
func NewResumeTracker(total int) *ResumeTracker {
	if total < 0 {
		total = 0
	}
	return &ResumeTracker{completed: make([]bool, total)}
}

// NewResumeTrackerFrom creates a tracker pre-seeded with completed indexes.
// Out-of-range indexes are ignored.
func NewResumeTrackerFrom(total int, completed []int) *ResumeTracker {
	t := NewResumeTracker(total)
	for _, i := range completed {
		_ = t.MarkCompleted(i)
	}
	return t
}

// MarkCompleted records chunk i as done. Marking twice is a no-op.
func (t *ResumeTracker) MarkCompleted(i int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.completed) {
		return fmt.Errorf("chunk index out of range: %d", i)
	}
	if t.completed[i] {
		return nil
	}
	t.completed[i] = true
	t.count++
	return nil
}

// IsCompleted reports whether chunk i has been marked.
func (t *ResumeTracker) IsCompleted(i int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return i >= 0 && i < len(t.completed) && t.completed[i]
}

// IsComplete reports whether every chunk has been marked.
func (t *ResumeTracker) IsComplete() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count == len(t.completed)
}

// CompletedCount returns how many chunks have been marked.
func (t *ResumeTracker) CompletedCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// TotalChunks returns the tracker capacity.
func (t *ResumeTracker) TotalChunks() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.completed)
}

// GetMissingChunks returns the ascending list of unmarked indexes.
func (t *ResumeTracker) GetMissingChunks() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	missing := make([]int, 0, len(t.completed)-t.count)
	for i, done := range t.completed {
		if !done {
			missing = append(missing, i)
		}
	}
	return missing
}

// GetCompletedChunks returns the ascending list of marked indexes.
func (t *ResumeTracker) GetCompletedChunks() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	done := make([]int, 0, t.count)
	for i, d := range t.completed {
		if d {
			done = append(done, i)
		}
	}
	return done
}
