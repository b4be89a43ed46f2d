package protocol

// One factory per message type. These are the only place payload shapes are
// assembled, so sender and receiver cannot drift apart.

func Register(p RegisterPayload) Message { return build(TypeRegister, p) }

func RegisterAck(success bool, message string, cfg RobotConfig) Message {
	return build(TypeRegisterAck, RegisterAckPayload{Success: success, Message: message, Config: cfg})
}

func Heartbeat(robotID, status string) Message {
	return build(TypeHeartbeat, HeartbeatPayload{RobotID: robotID, Status: status})
}

func HeartbeatAck() Message { return build(TypeHeartbeatAck, HeartbeatAckPayload{}) }

func JobAssign(p JobAssignPayload) Message { return build(TypeJobAssign, p) }

func JobAccept(jobID string) Message {
	return build(TypeJobAccept, JobAcceptPayload{JobID: jobID})
}

func JobReject(jobID, reason string) Message {
	return build(TypeJobReject, JobRejectPayload{JobID: jobID, Reason: reason})
}

func JobCancel(jobID, reason string) Message {
	return build(TypeJobCancel, JobCancelPayload{JobID: jobID, Reason: reason})
}

func JobCancelled(jobID string) Message {
	return build(TypeJobCancelled, JobCancelledPayload{JobID: jobID})
}

func JobProgress(jobID string, progress int, currentNode, message string) Message {
	return build(TypeJobProgress, JobProgressPayload{
		JobID:       jobID,
		Progress:    progress,
		CurrentNode: currentNode,
		Message:     message,
	})
}

func JobComplete(jobID string, result any, durationMS int64) Message {
	return build(TypeJobComplete, JobCompletePayload{JobID: jobID, Result: result, DurationMS: durationMS})
}

func JobFailed(p JobFailedPayload) Message { return build(TypeJobFailed, p) }

func LogEntry(p LogEntryPayload) Message { return build(TypeLogEntry, p) }

func LogBatch(jobID string, entries []LogEntryPayload) Message {
	return build(TypeLogBatch, LogBatchPayload{JobID: jobID, Entries: entries})
}

func StatusRequest(robotID string) Message {
	return build(TypeStatusRequest, StatusRequestPayload{RobotID: robotID})
}

func StatusResponse(robotID string, currentJobs int, activeJobIDs []string) Message {
	return build(TypeStatusResponse, StatusResponsePayload{
		RobotID:      robotID,
		CurrentJobs:  currentJobs,
		ActiveJobIDs: activeJobIDs,
	})
}

func Pause(robotID string) Message  { return build(TypePause, PausePayload{RobotID: robotID}) }
func Resume(robotID string) Message { return build(TypeResume, ResumePayload{RobotID: robotID}) }

func Shutdown(graceful bool) Message {
	return build(TypeShutdown, ShutdownPayload{Graceful: graceful})
}

func Error(code, message string) Message {
	return build(TypeError, ErrorPayload{ErrorCode: code, ErrorMessage: message})
}

func Disconnect(robotID, reason string) Message {
	return build(TypeDisconnect, DisconnectPayload{RobotID: robotID, Reason: reason})
}
