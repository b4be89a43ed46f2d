package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"flowhub/internal/protocol"
	"flowhub/internal/queue"
	"flowhub/pkg/logx"
)

// handshakeTimeout bounds how long an unauthenticated connection may sit
// before sending REGISTER.
const handshakeTimeout = 10 * time.Second

// session is one authenticated robot connection. Outbound messages go
// through the out channel so the write side is serialized; the read loop
// owns the connection's inbound half.
type session struct {
	srv   *Server
	log   logx.Logger
	conn  net.Conn
	robot *queue.Robot

	out  chan protocol.Message
	done chan struct{}

	closeOnce sync.Once
	reasonMu  sync.Mutex
	closeWhy  string

	lastBeat atomic.Int64 // unix nanos of the last heartbeat (or register)

	// logLim bounds inbound LOG_ENTRY/LOG_BATCH traffic; excess is dropped.
	logLim *rate.Limiter
}

// serveConn authenticates a fresh connection and runs its session until
// either side goes away, then settles the robot's jobs.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	sess, err := s.handshake(conn)
	if err != nil {
		s.log.Warn("registration rejected",
			logx.String("remote", conn.RemoteAddr().String()),
			logx.Err(err))
		conn.Close()
		return
	}
	s.addSession(sess)
	sess.log.Info("robot registered",
		logx.String("remote", conn.RemoteAddr().String()),
		logx.Int("max_concurrent_jobs", sess.robot.MaxConcurrentJobs))

	// Ask what the robot is still running: the response adopts surviving
	// jobs onto this session and settles whatever the robot lost.
	sess.send(protocol.StatusRequest(sess.robot.ID))

	go sess.writeLoop(ctx)
	sess.readLoop()
	sess.close("link lost")

	// Reconcile only if this session is still the registry entry: a
	// superseded session must not offline the robot's fresh connection.
	if s.removeSession(sess) {
		reason := sess.reason()
		sess.log.Info("robot disconnected", logx.String("reason", reason))
		s.reconcileDisconnect(sess, reason)
	}
}

func (s *Server) handshake(conn net.Conn) (*session, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	m, err := protocol.ReadMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("read register: %w", err)
	}
	if m.Type != protocol.TypeRegister {
		protocol.WriteMessage(conn, protocol.RegisterAck(false, "expected register", protocol.RobotConfig{}))
		return nil, fmt.Errorf("first message is %q, want %q", m.Type, protocol.TypeRegister)
	}
	var reg protocol.RegisterPayload
	if err := m.Decode(&reg); err != nil {
		protocol.WriteMessage(conn, protocol.RegisterAck(false, "malformed register", protocol.RobotConfig{}))
		return nil, fmt.Errorf("decode register: %w", err)
	}
	if reg.RobotID == "" {
		protocol.WriteMessage(conn, protocol.RegisterAck(false, "robot_id required", protocol.RobotConfig{}))
		return nil, errors.New("register without robot_id")
	}
	if s.opts.Token != "" && reg.Token != s.opts.Token {
		protocol.WriteMessage(conn, protocol.RegisterAck(false, "invalid token", protocol.RobotConfig{}))
		return nil, fmt.Errorf("robot %q presented an invalid token", reg.RobotID)
	}

	maxJobs := reg.MaxConcurrentJobs
	if maxJobs <= 0 {
		maxJobs = 1
	}
	sess := &session{
		srv:  s,
		log:  s.log.With(logx.String("robot_id", reg.RobotID)),
		conn: conn,
		robot: &queue.Robot{
			ID:                reg.RobotID,
			Name:              reg.RobotName,
			Status:            queue.RobotOnline,
			Environment:       reg.Environment,
			MaxConcurrentJobs: maxJobs,
		},
		out:    make(chan protocol.Message, 64),
		done:   make(chan struct{}),
		logLim: rate.NewLimiter(rate.Limit(s.opts.LogRatePerSec), 2*s.opts.LogRatePerSec),
	}
	sess.lastBeat.Store(time.Now().UnixNano())

	ack := protocol.RegisterAck(true, "", protocol.RobotConfig{
		HeartbeatInterval: s.opts.HeartbeatInterval.String(),
	})
	if err := protocol.WriteMessage(conn, ack); err != nil {
		return nil, fmt.Errorf("write register_ack: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	return sess, nil
}

func (sess *session) readLoop() {
	for {
		m, err := protocol.ReadMessage(sess.conn)
		if err != nil {
			return
		}
		sess.handle(m)
	}
}

func (sess *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.done:
			return
		case m := <-sess.out:
			if err := protocol.WriteMessage(sess.conn, m); err != nil {
				sess.close("write failed: " + err.Error())
				return
			}
		}
	}
}

// send queues m for the write loop. A full buffer means the peer stopped
// reading; the message is dropped and the watchdog will reap the session.
func (sess *session) send(m protocol.Message) {
	select {
	case sess.out <- m:
	case <-sess.done:
	default:
		sess.log.Warn("outbound buffer full, dropping message",
			logx.String("type", string(m.Type)))
	}
}

func (sess *session) close(reason string) {
	sess.closeOnce.Do(func() {
		sess.reasonMu.Lock()
		sess.closeWhy = reason
		sess.reasonMu.Unlock()
		close(sess.done)
		sess.conn.Close()
	})
}

func (sess *session) reason() string {
	sess.reasonMu.Lock()
	defer sess.reasonMu.Unlock()
	if sess.closeWhy == "" {
		return "link lost"
	}
	return sess.closeWhy
}

func (sess *session) lastBeatAt() time.Time {
	return time.Unix(0, sess.lastBeat.Load())
}

// handle routes one inbound message. Malformed payloads are logged and
// dropped; the session stays up.
func (sess *session) handle(m protocol.Message) {
	switch m.Type {
	case protocol.TypeHeartbeat:
		var p protocol.HeartbeatPayload
		if err := m.Decode(&p); err != nil {
			sess.log.Warn("malformed heartbeat", logx.Err(err))
			return
		}
		sess.handleHeartbeat(p)

	case protocol.TypeJobAccept:
		var p protocol.JobAcceptPayload
		if err := m.Decode(&p); err != nil {
			sess.log.Warn("malformed job_accept", logx.Err(err))
			return
		}
		sess.log.Debug("job accepted", logx.String("job_id", p.JobID))

	case protocol.TypeJobReject:
		var p protocol.JobRejectPayload
		if err := m.Decode(&p); err != nil {
			sess.log.Warn("malformed job_reject", logx.Err(err))
			return
		}
		sess.handleJobReject(p)

	case protocol.TypeJobCancelled:
		var p protocol.JobCancelledPayload
		if err := m.Decode(&p); err != nil {
			sess.log.Warn("malformed job_cancelled", logx.Err(err))
			return
		}
		sess.log.Debug("cancel confirmed", logx.String("job_id", p.JobID))

	case protocol.TypeJobProgress:
		var p protocol.JobProgressPayload
		if err := m.Decode(&p); err != nil {
			sess.log.Warn("malformed job_progress", logx.Err(err))
			return
		}
		if !sess.srv.q.UpdateProgress(p.JobID, p.Progress, p.CurrentNode) {
			sess.log.Debug("progress for inactive job", logx.String("job_id", p.JobID))
		}

	case protocol.TypeJobComplete:
		var p protocol.JobCompletePayload
		if err := m.Decode(&p); err != nil {
			sess.log.Warn("malformed job_complete", logx.Err(err))
			return
		}
		if ok, msg := sess.srv.q.Complete(p.JobID, p.Result); !ok {
			sess.log.Warn("completion rejected",
				logx.String("job_id", p.JobID), logx.String("reason", msg))
		}

	case protocol.TypeJobFailed:
		var p protocol.JobFailedPayload
		if err := m.Decode(&p); err != nil {
			sess.log.Warn("malformed job_failed", logx.Err(err))
			return
		}
		if ok, msg := sess.srv.q.Fail(p.JobID, p.ErrorMessage, p.ErrorType); !ok {
			sess.log.Warn("failure report rejected",
				logx.String("job_id", p.JobID), logx.String("reason", msg))
		}

	case protocol.TypeLogEntry:
		var p protocol.LogEntryPayload
		if err := m.Decode(&p); err != nil {
			sess.log.Warn("malformed log_entry", logx.Err(err))
			return
		}
		sess.handleLogEntries(p.JobID, []protocol.LogEntryPayload{p})

	case protocol.TypeLogBatch:
		var p protocol.LogBatchPayload
		if err := m.Decode(&p); err != nil {
			sess.log.Warn("malformed log_batch", logx.Err(err))
			return
		}
		sess.handleLogEntries(p.JobID, p.Entries)

	case protocol.TypeStatusResponse:
		var p protocol.StatusResponsePayload
		if err := m.Decode(&p); err != nil {
			sess.log.Warn("malformed status_response", logx.Err(err))
			return
		}
		sess.log.Debug("robot status",
			logx.Int("current_jobs", p.CurrentJobs),
			logx.Any("active_job_ids", p.ActiveJobIDs))
		sess.srv.reconcileStatus(sess, p)

	case protocol.TypeDisconnect:
		var p protocol.DisconnectPayload
		m.Decode(&p)
		reason := p.Reason
		if reason == "" {
			reason = "robot requested disconnect"
		}
		sess.close(reason)

	default:
		sess.log.Warn("unexpected message type", logx.String("type", string(m.Type)))
		sess.send(protocol.Error("unexpected_type", "unexpected message type "+string(m.Type)))
	}
}

func (sess *session) handleHeartbeat(p protocol.HeartbeatPayload) {
	sess.lastBeat.Store(time.Now().UnixNano())
	st := queue.RobotOnline
	switch p.Status {
	case protocol.HeartbeatPaused:
		st = queue.RobotPaused
	case protocol.HeartbeatBusy:
		st = queue.RobotBusy
	}
	sess.srv.q.SetRobotStatus(sess.robot, st)
	sess.send(protocol.HeartbeatAck())
	if st == queue.RobotOnline {
		sess.srv.kickDispatch()
	}
}

// handleJobReject settles a job the robot refused. The attempt is recorded
// as failed and an identical successor goes back to the queue, so another
// robot (or the same one, later) can pick the work up.
func (sess *session) handleJobReject(p protocol.JobRejectPayload) {
	job, ok := sess.srv.q.Job(p.JobID)
	if !ok {
		sess.log.Warn("reject for unknown job", logx.String("job_id", p.JobID))
		return
	}
	reason := p.Reason
	if reason == "" {
		reason = "unspecified"
	}

	// The reject is fresher than the last heartbeat. Mark the robot before
	// the successor is requeued, or dispatch hands the job straight back and
	// the pair spins assign/reject until the next heartbeat.
	switch reason {
	case protocol.RejectPaused:
		sess.srv.q.SetRobotStatus(sess.robot, queue.RobotPaused)
	case protocol.RejectMaxJobs:
		sess.srv.q.SetRobotStatus(sess.robot, queue.RobotBusy)
	}

	if ok, msg := sess.srv.q.Fail(p.JobID, "rejected by robot: "+reason, "rejected"); !ok {
		sess.log.Warn("reject raced a terminal state",
			logx.String("job_id", p.JobID), logx.String("reason", msg))
		return
	}
	sess.log.Info("job rejected",
		logx.String("job_id", p.JobID), logx.String("reason", reason))
	sess.srv.requeueSuccessor(job)
}

func (sess *session) handleLogEntries(jobID string, entries []protocol.LogEntryPayload) {
	log := sess.log.With(logx.String("job_id", jobID))
	for _, e := range entries {
		if !sess.logLim.Allow() {
			sess.log.Debug("robot log dropped by rate limit", logx.String("job_id", jobID))
			return
		}
		fields := []logx.Field{logx.String("robot_level", e.Level)}
		if e.NodeID != "" {
			fields = append(fields, logx.String("node_id", e.NodeID))
		}
		if len(e.Extra) > 0 {
			fields = append(fields, logx.Any("extra", e.Extra))
		}
		switch e.Level {
		case "error":
			log.Error(e.Message, fields...)
		case "warn", "warning":
			log.Warn(e.Message, fields...)
		case "debug":
			log.Debug(e.Message, fields...)
		default:
			log.Info(e.Message, fields...)
		}
	}
}
