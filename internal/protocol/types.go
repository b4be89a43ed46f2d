// Package protocol defines the control-channel wire format between the hub
// and its robots: the message envelope, the typed payloads, the factory
// functions that are the single source of payload shapes, and the TCP frame
// codec.
package protocol

import "encoding/json"

// MessageType tags the envelope. The payload shape is fully determined by
// the type.
type MessageType string

const (
	TypeRegister    MessageType = "register"
	TypeRegisterAck MessageType = "register_ack"

	TypeHeartbeat    MessageType = "heartbeat"
	TypeHeartbeatAck MessageType = "heartbeat_ack"

	TypeJobAssign    MessageType = "job_assign"
	TypeJobAccept    MessageType = "job_accept"
	TypeJobReject    MessageType = "job_reject"
	TypeJobCancel    MessageType = "job_cancel"
	TypeJobCancelled MessageType = "job_cancelled"
	TypeJobProgress  MessageType = "job_progress"
	TypeJobComplete  MessageType = "job_complete"
	TypeJobFailed    MessageType = "job_failed"

	TypeLogEntry MessageType = "log_entry"
	TypeLogBatch MessageType = "log_batch"

	TypeStatusRequest  MessageType = "status_request"
	TypeStatusResponse MessageType = "status_response"

	TypePause    MessageType = "pause"
	TypeResume   MessageType = "resume"
	TypeShutdown MessageType = "shutdown"

	TypeError      MessageType = "error"
	TypeDisconnect MessageType = "disconnect"
)

// Robot heartbeat statuses as they appear on the wire.
const (
	HeartbeatOnline = "online"
	HeartbeatPaused = "paused"
	HeartbeatBusy   = "busy"
)

// JOB_REJECT reasons the hub keys its dispatch damping on. Robots may send
// free-form reasons; only these two carry robot state the hub acts on.
const (
	RejectPaused  = "paused"
	RejectMaxJobs = "max jobs"
)

// ---- Payloads (worker -> hub) ----

// RegisterPayload announces a robot's identity and capacity. The shared
// secret rides here; the hub drops sessions whose token does not match.
type RegisterPayload struct {
	RobotID           string   `json:"robot_id"`
	RobotName         string   `json:"robot_name,omitempty"`
	Environment       string   `json:"environment,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	Token             string   `json:"token,omitempty"`
}

type HeartbeatPayload struct {
	RobotID string `json:"robot_id"`
	Status  string `json:"status"`
}

type JobAcceptPayload struct {
	JobID string `json:"job_id"`
}

type JobRejectPayload struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

type JobCancelledPayload struct {
	JobID string `json:"job_id"`
}

type JobProgressPayload struct {
	JobID       string `json:"job_id"`
	Progress    int    `json:"progress"`
	CurrentNode string `json:"current_node,omitempty"`
	Message     string `json:"message,omitempty"`
}

type JobCompletePayload struct {
	JobID      string `json:"job_id"`
	Result     any    `json:"result,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type JobFailedPayload struct {
	JobID        string `json:"job_id"`
	ErrorMessage string `json:"error_message"`
	ErrorType    string `json:"error_type,omitempty"`
	StackTrace   string `json:"stack_trace,omitempty"`
	FailedNode   string `json:"failed_node,omitempty"`
}

type LogEntryPayload struct {
	JobID   string         `json:"job_id"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	NodeID  string         `json:"node_id,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

type LogBatchPayload struct {
	JobID   string            `json:"job_id"`
	Entries []LogEntryPayload `json:"entries"`
}

type StatusResponsePayload struct {
	RobotID      string   `json:"robot_id"`
	CurrentJobs  int      `json:"current_jobs"`
	ActiveJobIDs []string `json:"active_job_ids"`
}

type DisconnectPayload struct {
	RobotID string `json:"robot_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ---- Payloads (hub -> worker) ----

// RobotConfig is server-pushed configuration delivered with REGISTER_ACK.
// Durations are Go duration strings.
type RobotConfig struct {
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
}

type RegisterAckPayload struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Config  RobotConfig `json:"config,omitzero"`
}

type HeartbeatAckPayload struct{}

type JobAssignPayload struct {
	JobID        string          `json:"job_id"`
	WorkflowID   string          `json:"workflow_id"`
	WorkflowName string          `json:"workflow_name,omitempty"`
	WorkflowJSON json.RawMessage `json:"workflow_json,omitempty"`
	Parameters   map[string]any  `json:"parameters,omitempty"`
}

type JobCancelPayload struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

type StatusRequestPayload struct {
	RobotID string `json:"robot_id,omitempty"`
}

type PausePayload struct {
	RobotID string `json:"robot_id,omitempty"`
}

type ResumePayload struct {
	RobotID string `json:"robot_id,omitempty"`
}

type ShutdownPayload struct {
	Graceful bool `json:"graceful"`
}

// ---- Either direction ----

type ErrorPayload struct {
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message"`
}
