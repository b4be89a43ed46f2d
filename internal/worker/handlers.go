package worker

import (
	"context"
	"time"

	"flowhub/internal/protocol"
	"flowhub/pkg/logx"
)

// handle dispatches one incoming message. A malformed payload is logged and
// the message dropped; a single bad message must never kill the connection.
func (c *Client) handle(ctx context.Context, m protocol.Message) {
	switch m.Type {
	case protocol.TypeRegisterAck:
		// Normally consumed during the Connect handshake. A late re-ack
		// only matters when the hub revokes the registration.
		var p protocol.RegisterAckPayload
		if err := m.Decode(&p); err != nil {
			c.log.Warn("dropping malformed message", logx.Err(err))
			return
		}
		if !p.Success {
			c.Disconnect("registration revoked: " + p.Message)
		}

	case protocol.TypeHeartbeatAck:
		// No-op acknowledgment.

	case protocol.TypeJobAssign:
		c.handleJobAssign(m)

	case protocol.TypeJobCancel:
		var p protocol.JobCancelPayload
		if err := m.Decode(&p); err != nil {
			c.log.Warn("dropping malformed message", logx.Err(err))
			return
		}
		c.handleJobCancel(p)

	case protocol.TypeStatusRequest:
		c.mu.Lock()
		count := len(c.active)
		c.mu.Unlock()
		_ = c.send(protocol.StatusResponse(c.cfg.RobotID, count, c.ActiveJobIDs()))

	case protocol.TypePause:
		c.setPaused(true)
		c.log.Info("paused by hub")

	case protocol.TypeResume:
		c.setPaused(false)
		c.log.Info("resumed by hub")

	case protocol.TypeShutdown:
		var p protocol.ShutdownPayload
		if err := m.Decode(&p); err != nil {
			c.log.Warn("dropping malformed message", logx.Err(err))
			return
		}
		if p.Graceful {
			// Stop accepting new jobs; in-flight work finishes and reports.
			c.setPaused(true)
			c.log.Info("graceful shutdown requested; paused")
		} else {
			c.Disconnect("shutdown")
		}

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := m.Decode(&p); err != nil {
			c.log.Warn("dropping malformed message", logx.Err(err))
			return
		}
		c.log.Error("hub reported error",
			logx.String("code", p.ErrorCode),
			logx.String("message", p.ErrorMessage))

	default:
		c.log.Warn("dropping message of unknown type", logx.String("type", string(m.Type)))
	}
}

func (c *Client) handleJobAssign(m protocol.Message) {
	var p protocol.JobAssignPayload
	if err := m.Decode(&p); err != nil {
		c.log.Warn("dropping malformed message", logx.Err(err))
		return
	}
	if p.JobID == "" {
		c.log.Warn("dropping job_assign without job_id")
		return
	}

	c.mu.Lock()
	switch {
	case c.paused:
		c.mu.Unlock()
		_ = c.send(protocol.JobReject(p.JobID, protocol.RejectPaused))
		return
	case len(c.active) >= c.cfg.MaxConcurrentJobs:
		c.mu.Unlock()
		_ = c.send(protocol.JobReject(p.JobID, protocol.RejectMaxJobs))
		return
	}
	a := Assignment{
		JobID:        p.JobID,
		WorkflowID:   p.WorkflowID,
		WorkflowName: p.WorkflowName,
		WorkflowJSON: p.WorkflowJSON,
		Parameters:   p.Parameters,
		StartedAt:    time.Now(),
	}
	c.active[p.JobID] = a
	c.mu.Unlock()

	if err := c.send(protocol.JobAccept(p.JobID)); err != nil {
		c.log.Warn("job accept send failed", logx.String("job_id", p.JobID), logx.Err(err))
	}
	c.log.Info("job accepted",
		logx.String("job_id", p.JobID),
		logx.String("workflow", p.WorkflowName))

	if c.cb.OnJobReceived != nil {
		c.cb.OnJobReceived(a)
	}
}

func (c *Client) handleJobCancel(p protocol.JobCancelPayload) {
	c.mu.Lock()
	_, known := c.active[p.JobID]
	delete(c.active, p.JobID)
	c.mu.Unlock()

	if known {
		c.log.Info("job cancelled by hub",
			logx.String("job_id", p.JobID),
			logx.String("reason", p.Reason))
	}
	if c.cb.OnJobCancel != nil {
		c.cb.OnJobCancel(p.JobID, p.Reason)
	}
	_ = c.send(protocol.JobCancelled(p.JobID))
}

func (c *Client) setPaused(v bool) {
	c.mu.Lock()
	c.paused = v
	c.mu.Unlock()
}
