package queue

import (
	"sync"
	"time"
)

// TimeoutManager tracks per-job deadlines.
//
// It is pure bookkeeping: it never cancels anything itself. The owner polls
// TimedOutJobs and drives the expired jobs through the state machine.
type TimeoutManager struct {
	mu             sync.Mutex
	defaultTimeout time.Duration
	deadlines      map[string]time.Time
}

func NewTimeoutManager(defaultTimeout time.Duration) *TimeoutManager {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Minute
	}
	return &TimeoutManager{
		defaultTimeout: defaultTimeout,
		deadlines:      map[string]time.Time{},
	}
}

// StartTracking arms a deadline for the job. timeout <= 0 uses the default.
func (m *TimeoutManager) StartTracking(jobID string, timeout time.Duration) {
	if jobID == "" {
		return
	}
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	m.mu.Lock()
	m.deadlines[jobID] = time.Now().Add(timeout)
	m.mu.Unlock()
}

// StopTracking disarms the job's deadline.
func (m *TimeoutManager) StopTracking(jobID string) {
	m.mu.Lock()
	delete(m.deadlines, jobID)
	m.mu.Unlock()
}

// RemainingTime returns the time left before the job's deadline. The second
// return is false when the job is not tracked. Once the deadline has passed
// the remaining time is zero, never negative.
func (m *TimeoutManager) RemainingTime(jobID string) (time.Duration, bool) {
	m.mu.Lock()
	dl, ok := m.deadlines[jobID]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	rem := time.Until(dl)
	if rem < 0 {
		rem = 0
	}
	return rem, true
}

// TimedOutJobs returns the ids whose deadline has passed and whose tracking
// has not been stopped.
func (m *TimeoutManager) TimedOutJobs() []string {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, dl := range m.deadlines {
		if now.After(dl) || now.Equal(dl) {
			out = append(out, id)
		}
	}
	return out
}
