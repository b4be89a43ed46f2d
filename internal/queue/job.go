package queue

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Priority orders jobs in the dispatch queue. Higher values dequeue first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority maps a config/API string onto a Priority. Unknown values
// fall back to normal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// Job is one unit of scheduled work tied to a workflow execution.
//
// Jobs are created by a submitter in StatusPending and mutated only through
// Queue operations. StartedAt is set exactly on entry to running;
// CompletedAt and DurationMS exactly on entry to a terminal state.
type Job struct {
	ID           string `json:"id"`
	WorkflowID   string `json:"workflow_id"`
	WorkflowName string `json:"workflow_name"`
	RobotID      string `json:"robot_id,omitempty"`

	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`

	Progress    int    `json:"progress"`
	CurrentNode string `json:"current_node,omitempty"`

	// Definition is the opaque workflow document handed to the robot's
	// local executor. The hub never interprets it.
	Definition json.RawMessage `json:"workflow_json,omitempty"`
	Parameters map[string]any  `json:"parameters,omitempty"`

	// Timeout overrides the queue's default job timeout when > 0.
	Timeout time.Duration `json:"-"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	DurationMS  int64     `json:"duration_ms,omitempty"`

	Result       any    `json:"result,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
}

// NewJob mints a pending job for one workflow run.
func NewJob(workflowID, workflowName string, prio Priority, params map[string]any) *Job {
	return &Job{
		ID:           uuid.NewString(),
		WorkflowID:   workflowID,
		WorkflowName: workflowName,
		Status:       StatusPending,
		Priority:     prio,
		Parameters:   params,
		CreatedAt:    time.Now(),
	}
}

// clone returns a shallow copy safe to hand outside the queue.
// Parameters/Definition are shared and treated as read-only by convention.
func (j *Job) clone() *Job {
	cp := *j
	return &cp
}

// RobotStatus is the connection state of a worker as seen by the hub.
type RobotStatus string

const (
	RobotOnline  RobotStatus = "online"
	RobotOffline RobotStatus = "offline"
	RobotPaused  RobotStatus = "paused"
	RobotBusy    RobotStatus = "busy"
)

// Robot describes a worker's capacity and status.
//
// Invariant: CurrentJobs <= MaxConcurrentJobs. Status and CurrentJobs are
// guarded by the owning Queue's lock; mutate them only through Queue
// operations (Dequeue, SetRobotStatus, terminal transitions).
type Robot struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	Status            RobotStatus `json:"status"`
	Environment       string      `json:"environment,omitempty"`
	MaxConcurrentJobs int         `json:"max_concurrent_jobs"`
	CurrentJobs       int         `json:"current_jobs"`
}

// Available reports whether the robot can accept another job.
func (r *Robot) Available() bool {
	if r == nil {
		return false
	}
	return r.Status == RobotOnline && r.CurrentJobs < r.MaxConcurrentJobs
}
