package queue

import (
	"container/heap"
	"sync"
	"time"

	"flowhub/internal/eventbus"
	"flowhub/pkg/logx"
)

// EventJobState is published on the bus for every successful transition.
const EventJobState = "job.state"

// StateChange is the bus payload for EventJobState.
type StateChange struct {
	JobID      string    `json:"job_id"`
	WorkflowID string    `json:"workflow_id"`
	RobotID    string    `json:"robot_id,omitempty"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	At         time.Time `json:"at"`
	Message    string    `json:"message,omitempty"`
}

// Config tunes the queue's dedup window and default per-job deadline.
type Config struct {
	DedupWindow       time.Duration
	DefaultJobTimeout time.Duration
}

// ChangeHook observes successful transitions synchronously. The hub installs
// one to drive protocol sends; everything else should subscribe to the bus.
type ChangeHook func(job *Job, from, to Status)

// Queue is the scheduler: the authoritative owner of all job records and of
// the pending priority structure.
//
// Every mutating operation is serialized behind one mutex, so a transition
// is atomic with respect to concurrent cancellation or completion of the
// same job. Dequeue never blocks: absence of eligible work returns nil.
//
// Expected business rejections (duplicate submission, wrong state, unknown
// job) are reported as (false, reason); they are not errors to catch.
type Queue struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus

	jobs    map[string]*Job
	pending priorityHeap
	seq     uint64

	// assigned maps a running job to the robot holding it, so leaving a
	// terminal transition releases the robot's capacity atomically with the
	// status change.
	assigned map[string]*Robot

	dedup    *Deduplicator
	timeouts *TimeoutManager

	hook ChangeHook
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{
		log:      log,
		bus:      bus,
		jobs:     map[string]*Job{},
		assigned: map[string]*Robot{},
		dedup:    NewDeduplicator(cfg.DedupWindow),
		timeouts: NewTimeoutManager(cfg.DefaultJobTimeout),
	}
	heap.Init(&q.pending)
	return q
}

// SetChangeHook installs the synchronous transition observer.
// Must be called before the queue is shared across goroutines.
func (q *Queue) SetChangeHook(fn ChangeHook) { q.hook = fn }

// Enqueue admits a pending job into the dispatch queue.
func (q *Queue) Enqueue(job *Job, checkDuplicate bool) (bool, string) {
	if job == nil || job.ID == "" {
		return false, "job is missing an id"
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if job.Status != StatusPending {
		return false, "job is not pending: " + string(job.Status)
	}
	if _, exists := q.jobs[job.ID]; exists {
		return false, "job id already known: " + job.ID
	}
	if checkDuplicate && q.dedup.IsDuplicate(job.WorkflowID, job.RobotID, job.Parameters) {
		q.log.Debug("duplicate submission suppressed",
			logx.String("workflow_id", job.WorkflowID),
			logx.String("robot_id", job.RobotID))
		return false, "duplicate submission"
	}

	if err := Transition(job, StatusQueued); err != nil {
		return false, err.Error()
	}
	q.jobs[job.ID] = job
	q.seq++
	pushItem(&q.pending, &queueItem{job: job, seq: q.seq})
	q.dedup.Record(job.WorkflowID, job.RobotID, job.Parameters)

	q.notify(job, StatusPending, StatusQueued, "")
	return true, ""
}

// Dequeue pops the highest-priority job for an available robot.
// It returns nil immediately when the robot is unavailable or nothing is
// queued; it never blocks.
//
// On success the job is running, assigned to the robot, deadline-tracked,
// and the robot's in-flight count is incremented.
func (q *Queue) Dequeue(robot *Robot) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Availability reads robot.Status and robot.CurrentJobs, which are
	// written by SetRobotStatus and releaseAssigned under q.mu; the check
	// must stay inside the lock.
	if robot == nil || !robot.Available() {
		return nil
	}
	if q.pending.Len() == 0 {
		return nil
	}
	it := popItem(&q.pending)
	job := it.job

	if err := Transition(job, StatusRunning); err != nil {
		// The heap only ever holds queued jobs; a non-queued entry here is a
		// bookkeeping bug worth surfacing loudly.
		q.log.Error("dequeued job in unexpected state",
			logx.String("job_id", job.ID),
			logx.String("status", string(job.Status)),
			logx.Err(err))
		return nil
	}
	job.RobotID = robot.ID
	robot.CurrentJobs++
	q.assigned[job.ID] = robot
	q.timeouts.StartTracking(job.ID, job.Timeout)

	q.notify(job, StatusQueued, StatusRunning, "")
	return job.clone()
}

// Complete marks a running job as completed with an opaque result payload.
func (q *Queue) Complete(jobID string, result any) (bool, string) {
	return q.finish(jobID, StatusCompleted, func(j *Job) {
		j.Result = result
		j.Progress = 100
	}, "")
}

// Fail marks a running job as failed.
func (q *Queue) Fail(jobID, errorMessage, errorType string) (bool, string) {
	return q.finish(jobID, StatusFailed, func(j *Job) {
		j.ErrorMessage = errorMessage
		j.ErrorType = errorType
	}, errorMessage)
}

// MarkTimedOut drives a running job whose deadline has passed to timeout.
func (q *Queue) MarkTimedOut(jobID string) (bool, string) {
	return q.finish(jobID, StatusTimeout, func(j *Job) {
		j.ErrorMessage = "job deadline exceeded"
		j.ErrorType = "timeout"
	}, "deadline exceeded")
}

// Cancel stops a job that has not yet finished. Safe to call at any time:
// cancelling a job already in a terminal state is a clean (false, reason)
// rejection, never a fault.
func (q *Queue) Cancel(jobID, reason string) (bool, string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return false, "job not found: " + jobID
	}
	from := job.Status
	if !CanTransition(from, StatusCancelled) {
		return false, "cannot cancel job in state " + string(from)
	}
	if from == StatusQueued {
		q.removePending(jobID)
	}
	if err := Transition(job, StatusCancelled); err != nil {
		return false, err.Error()
	}
	if reason != "" {
		job.ErrorMessage = reason
		job.ErrorType = "cancelled"
	}
	q.timeouts.StopTracking(jobID)
	q.releaseAssigned(jobID)
	q.notify(job, from, StatusCancelled, reason)
	return true, ""
}

// UpdateProgress records executor progress. It succeeds only while the job
// is running; anything else is a silent false.
func (q *Queue) UpdateProgress(jobID string, progress int, currentNode string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok || job.Status != StatusRunning {
		return false
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	job.Progress = progress
	job.CurrentNode = currentNode
	return true
}

func (q *Queue) finish(jobID string, target Status, apply func(*Job), msg string) (bool, string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return false, "job not found: " + jobID
	}
	from := job.Status
	if !CanTransition(from, target) {
		return false, "cannot mark job " + string(target) + " from state " + string(from)
	}
	if err := Transition(job, target); err != nil {
		return false, err.Error()
	}
	if apply != nil {
		apply(job)
	}
	q.timeouts.StopTracking(jobID)
	q.releaseAssigned(jobID)
	q.notify(job, from, target, msg)
	return true, ""
}

// releaseAssigned returns the robot's capacity unit for a job that just
// left the running state. Caller holds q.mu.
func (q *Queue) releaseAssigned(jobID string) {
	r, ok := q.assigned[jobID]
	if !ok {
		return
	}
	delete(q.assigned, jobID)
	if r.CurrentJobs > 0 {
		r.CurrentJobs--
	}
}

// SetRobotStatus updates a robot's status under the queue lock, so
// availability checks in Dequeue never race with the hub's watchdog.
func (q *Queue) SetRobotStatus(r *Robot, st RobotStatus) {
	if r == nil {
		return
	}
	q.mu.Lock()
	r.Status = st
	q.mu.Unlock()
}

// ReconcileRobot aligns the queue's view of a robot with the active set the
// robot itself reported, which matters right after a reconnect: the fresh
// Robot record starts at zero in-flight jobs while the previous connection's
// assignments may still be executing on the machine.
//
// Running jobs assigned to the robot and present in activeIDs are adopted:
// re-bound to r, counted into r.CurrentJobs. Running jobs the robot did not
// report come back in lost; the caller settles them (fail, maybe requeue).
// Reported ids the queue no longer considers running on this robot come back
// in orphaned; the caller should tell the robot to drop them.
func (q *Queue) ReconcileRobot(r *Robot, activeIDs []string) (lost, orphaned []string) {
	if r == nil {
		return nil, nil
	}
	reported := make(map[string]bool, len(activeIDs))
	for _, id := range activeIDs {
		reported[id] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	adopted := 0
	for id, job := range q.jobs {
		if job.RobotID != r.ID || job.Status != StatusRunning {
			continue
		}
		if reported[id] {
			q.assigned[id] = r
			adopted++
			delete(reported, id)
		} else {
			// Not on the robot anymore; unbind so the later Fail does not
			// decrement capacity that was never granted to r.
			delete(q.assigned, id)
			lost = append(lost, id)
		}
	}
	r.CurrentJobs = adopted
	for id := range reported {
		orphaned = append(orphaned, id)
	}
	return lost, orphaned
}

// RobotSnapshot returns a copy of the robot under the queue lock.
func (q *Queue) RobotSnapshot(r *Robot) Robot {
	q.mu.Lock()
	defer q.mu.Unlock()
	if r == nil {
		return Robot{}
	}
	return *r
}

// removePending drops one job from the heap by id. Caller holds q.mu.
func (q *Queue) removePending(jobID string) {
	for i, it := range q.pending {
		if it.job.ID == jobID {
			heap.Remove(&q.pending, i)
			return
		}
	}
}

func (q *Queue) notify(job *Job, from, to Status, msg string) {
	if q.hook != nil {
		q.hook(job.clone(), from, to)
	}
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: EventJobState, Data: StateChange{
			JobID:      job.ID,
			WorkflowID: job.WorkflowID,
			RobotID:    job.RobotID,
			From:       from,
			To:         to,
			At:         time.Now(),
			Message:    msg,
		}})
	}
	q.log.Debug("job transition",
		logx.String("job_id", job.ID),
		logx.String("workflow", job.WorkflowName),
		logx.String("from", string(from)),
		logx.String("to", string(to)))
}

// TimedOutJobs exposes the timeout manager's expired set for the hub poller.
func (q *Queue) TimedOutJobs() []string { return q.timeouts.TimedOutJobs() }

// RemainingTime exposes the deadline bookkeeping for diagnostics.
func (q *Queue) RemainingTime(jobID string) (time.Duration, bool) {
	return q.timeouts.RemainingTime(jobID)
}
