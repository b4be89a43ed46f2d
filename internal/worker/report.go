package worker

import (
	"time"

	"flowhub/internal/protocol"
	"flowhub/pkg/logx"
)

// Reporting API. The local executor calls back into these with progress,
// completion, and failure; the client turns them into protocol messages.

// ReportProgress forwards executor progress for a job.
func (c *Client) ReportProgress(jobID string, progress int, currentNode, message string) error {
	return c.send(protocol.JobProgress(jobID, progress, currentNode, message))
}

// ReportJobComplete removes the job from the active set and sends
// JOB_COMPLETE with the wall-clock duration since the job was accepted.
func (c *Client) ReportJobComplete(jobID string, result any) error {
	c.mu.Lock()
	a, ok := c.active[jobID]
	delete(c.active, jobID)
	c.mu.Unlock()
	if !ok {
		return ErrUnknownJob
	}

	durationMS := time.Since(a.StartedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}
	return c.send(protocol.JobComplete(jobID, result, durationMS))
}

// ReportJobFailed removes the job from the active set and sends JOB_FAILED.
func (c *Client) ReportJobFailed(jobID, errorMessage, errorType, stackTrace, failedNode string) error {
	c.mu.Lock()
	_, ok := c.active[jobID]
	delete(c.active, jobID)
	c.mu.Unlock()
	if !ok {
		return ErrUnknownJob
	}

	return c.send(protocol.JobFailed(protocol.JobFailedPayload{
		JobID:        jobID,
		ErrorMessage: errorMessage,
		ErrorType:    errorType,
		StackTrace:   stackTrace,
		FailedNode:   failedNode,
	}))
}

// SendLog forwards one executor log line. Entries beyond the configured
// rate are dropped locally so a chatty workflow cannot flood the hub.
func (c *Client) SendLog(e protocol.LogEntryPayload) error {
	if !c.logLim.Allow() {
		c.log.Debug("log entry dropped (rate limited)", logx.String("job_id", e.JobID))
		return nil
	}
	return c.send(protocol.LogEntry(e))
}

// SendLogBatch forwards a batch in one frame. A batch counts as one token
// against the rate limit.
func (c *Client) SendLogBatch(jobID string, entries []protocol.LogEntryPayload) error {
	if len(entries) == 0 {
		return nil
	}
	if !c.logLim.Allow() {
		c.log.Debug("log batch dropped (rate limited)",
			logx.String("job_id", jobID),
			logx.Int("entries", len(entries)))
		return nil
	}
	return c.send(protocol.LogBatch(jobID, entries))
}
