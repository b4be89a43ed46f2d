package queue

import (
	"fmt"
	"time"
)

// TransitionError reports an invalid lifecycle transition. It indicates a
// caller bug (the queue guards every edge before applying it), not a runtime
// condition to recover from.
type TransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
}

// validEdges is the complete set of legal lifecycle transitions.
//
// pending -> running directly is intentionally absent: every job must pass
// through queued so scheduling statistics and dedup/timeout tracking are
// always initialized.
var validEdges = map[Status][]Status{
	StatusPending: {StatusQueued, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, t := range validEdges[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition applies target to the job, setting lifecycle timestamps as a
// side effect. It returns a *TransitionError and leaves the job untouched
// when the edge is not legal.
func Transition(j *Job, target Status) error {
	if j == nil {
		return &TransitionError{From: "", To: target}
	}
	if !CanTransition(j.Status, target) {
		return &TransitionError{JobID: j.ID, From: j.Status, To: target}
	}

	now := time.Now()
	from := j.Status
	j.Status = target

	switch {
	case target == StatusRunning:
		j.StartedAt = now
	case IsTerminal(target):
		j.CompletedAt = now
		if from == StatusRunning && !j.StartedAt.IsZero() {
			d := now.Sub(j.StartedAt).Milliseconds()
			if d < 0 {
				d = 0
			}
			j.DurationMS = d
		}
	}
	return nil
}

// IsTerminal reports whether no further transitions are valid from s.
func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether s represents in-flight execution.
func IsActive(s Status) bool { return s == StatusRunning }
