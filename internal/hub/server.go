// Package hub implements the orchestrator side of the robot control
// channel: a TCP listener that authenticates robot sessions, dispatches
// queued jobs to available robots, enforces job deadlines, and watches
// heartbeats.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"flowhub/internal/eventbus"
	"flowhub/internal/protocol"
	"flowhub/internal/queue"
	"flowhub/internal/runtime/supervisor"
	"flowhub/pkg/logx"
)

// Robot lifecycle events published on the bus.
const (
	EventRobotConnected    = "robot.connected"
	EventRobotDisconnected = "robot.disconnected"
)

// RobotEvent is the bus payload for robot.* events.
type RobotEvent struct {
	RobotID string    `json:"robot_id"`
	Name    string    `json:"name,omitempty"`
	Addr    string    `json:"addr,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Server owns the listener and the live robot sessions. One session per
// robot id: a reconnect with the same id supersedes the old session.
type Server struct {
	opts Options
	log  logx.Logger
	q    *queue.Queue
	bus  eventbus.Bus

	mu       sync.Mutex
	ln       net.Listener
	sessions map[string]*session

	// kick wakes the dispatch loop ahead of its ticker when new work or
	// new capacity shows up. Buffered so queue hooks never block on it.
	kick chan struct{}
}

func New(opts Options, q *queue.Queue, log logx.Logger, bus eventbus.Bus) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		opts:     opts,
		log:      log.With(logx.String("component", "hub")),
		q:        q,
		bus:      bus,
		sessions: map[string]*session{},
		kick:     make(chan struct{}, 1),
	}
	q.SetChangeHook(s.onJobState)
	return s
}

// Run listens on opts.Listen and serves robot sessions until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("hub: listen %s: %w", s.opts.Listen, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("listening", logx.String("addr", ln.Addr().String()))

	sup := supervisor.New(ctx, supervisor.WithLogger(s.log))
	sup.Go0("dispatch", s.dispatchLoop)
	sup.Go0("timeout-poll", s.timeoutLoop)
	sup.Go0("heartbeat-watchdog", s.watchdogLoop)
	sup.Go0("accept-closer", func(ctx context.Context) {
		<-ctx.Done()
		ln.Close()
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.log.Error("accept failed", logx.Err(err))
			break
		}
		sup.Go0("session", func(ctx context.Context) {
			s.serveConn(ctx, conn)
		})
	}

	s.closeAllSessions("hub shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sup.Stop(stopCtx)
}

// Addr returns the bound listener address, or "" before Run.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// onJobState runs inside the queue's lock. It must never block: session
// sends go through buffered channels and the dispatch kick is best-effort.
func (s *Server) onJobState(job *queue.Job, from, to queue.Status) {
	switch to {
	case queue.StatusQueued:
		s.kickDispatch()
	case queue.StatusCancelled, queue.StatusTimeout:
		// The robot holding the job has to stop it. If the session is
		// gone the robot learns nothing, which is fine: it will fail to
		// report against a terminal job and drop the work.
		if job.RobotID == "" {
			return
		}
		if sess := s.session(job.RobotID); sess != nil {
			reason := job.ErrorMessage
			if to == queue.StatusTimeout {
				reason = "deadline exceeded"
			}
			sess.send(protocol.JobCancel(job.ID, reason))
		}
	case queue.StatusCompleted, queue.StatusFailed:
		// Capacity was just released; there may be queued work for it.
		s.kickDispatch()
	}
}

func (s *Server) kickDispatch() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Server) dispatchLoop(ctx context.Context) {
	t := time.NewTicker(s.opts.DispatchInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-s.kick:
		}
		s.dispatchOnce()
	}
}

// dispatchOnce drains as much queued work as the connected robots can
// take right now. Dequeue enforces per-robot capacity and status.
func (s *Server) dispatchOnce() {
	for _, sess := range s.snapshotSessions() {
		for {
			job := s.q.Dequeue(sess.robot)
			if job == nil {
				break
			}
			sess.send(protocol.JobAssign(protocol.JobAssignPayload{
				JobID:        job.ID,
				WorkflowID:   job.WorkflowID,
				WorkflowName: job.WorkflowName,
				WorkflowJSON: job.Definition,
				Parameters:   job.Parameters,
			}))
			s.log.Debug("job dispatched",
				logx.String("job_id", job.ID),
				logx.String("robot_id", sess.robot.ID),
				logx.String("priority", job.Priority.String()))
		}
	}
}

func (s *Server) timeoutLoop(ctx context.Context) {
	t := time.NewTicker(s.opts.TimeoutPollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		for _, id := range s.q.TimedOutJobs() {
			if ok, msg := s.q.MarkTimedOut(id); !ok {
				s.log.Debug("timeout race lost", logx.String("job_id", id), logx.String("reason", msg))
			}
		}
	}
}

func (s *Server) watchdogLoop(ctx context.Context) {
	t := time.NewTicker(s.opts.HeartbeatInterval)
	defer t.Stop()
	limit := time.Duration(s.opts.HeartbeatMisses) * s.opts.HeartbeatInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		for _, sess := range s.snapshotSessions() {
			if since := time.Since(sess.lastBeatAt()); since > limit {
				s.log.Warn("robot heartbeat lost",
					logx.String("robot_id", sess.robot.ID),
					logx.Duration("silent_for", since))
				sess.close("heartbeat lost")
			}
		}
	}
}

// addSession registers sess under its robot id. An existing session for
// the same robot is superseded: closed and reconciled before the new one
// becomes visible to dispatch.
func (s *Server) addSession(sess *session) {
	s.mu.Lock()
	old := s.sessions[sess.robot.ID]
	s.sessions[sess.robot.ID] = sess
	s.mu.Unlock()
	if old != nil {
		old.close("superseded by reconnect")
	}
	s.bus.Publish(eventbus.Event{
		Type: EventRobotConnected,
		Time: time.Now(),
		Data: RobotEvent{RobotID: sess.robot.ID, Name: sess.robot.Name, Addr: sess.conn.RemoteAddr().String(), At: time.Now()},
	})
	s.kickDispatch()
}

// removeSession drops sess from the registry if it is still the current
// entry for its robot id, and reports whether it was.
func (s *Server) removeSession(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[sess.robot.ID] != sess {
		return false
	}
	delete(s.sessions, sess.robot.ID)
	return true
}

func (s *Server) session(robotID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[robotID]
}

func (s *Server) snapshotSessions() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Server) closeAllSessions(reason string) {
	for _, sess := range s.snapshotSessions() {
		sess.send(protocol.Shutdown(true))
		sess.close(reason)
	}
}

// reconcileDisconnect settles a departed robot's running jobs according
// to the on_disconnect policy. Requeue fails the orphaned attempt and
// submits a fresh job with the same workflow and parameters, so the job
// history keeps one record per attempt.
func (s *Server) reconcileDisconnect(sess *session, reason string) {
	s.q.SetRobotStatus(sess.robot, queue.RobotOffline)
	for _, job := range s.q.RobotJobs(sess.robot.ID) {
		if !queue.IsActive(job.Status) {
			continue
		}
		s.q.Fail(job.ID, "robot disconnected: "+reason, "disconnected")
		if s.opts.OnDisconnect == DisconnectRequeue {
			s.requeueSuccessor(job)
		}
	}
	s.bus.Publish(eventbus.Event{
		Type: EventRobotDisconnected,
		Time: time.Now(),
		Data: RobotEvent{RobotID: sess.robot.ID, Name: sess.robot.Name, Reason: reason, At: time.Now()},
	})
}

// reconcileStatus settles a robot's STATUS_RESPONSE against the queue. The
// interesting case is the reply to the status request sent right after
// registration: a reconnecting robot may still be executing jobs from its
// previous session, and until those are adopted back the fresh Robot record
// under-reports its load.
func (s *Server) reconcileStatus(sess *session, p protocol.StatusResponsePayload) {
	lost, orphaned := s.q.ReconcileRobot(sess.robot, p.ActiveJobIDs)
	for _, id := range lost {
		job, ok := s.q.Job(id)
		if !ok {
			continue
		}
		if ok, msg := s.q.Fail(id, "not reported by robot after reconnect", "disconnected"); !ok {
			s.log.Debug("status reconcile raced a terminal state",
				logx.String("job_id", id), logx.String("reason", msg))
			continue
		}
		if s.opts.OnDisconnect == DisconnectRequeue {
			s.requeueSuccessor(job)
		}
	}
	for _, id := range orphaned {
		// The queue already settled these (failed on disconnect, or timed
		// out); the robot is burning capacity on work nobody waits for.
		sess.send(protocol.JobCancel(id, "job no longer tracked"))
	}
	if len(lost) > 0 || len(orphaned) > 0 {
		sess.log.Info("robot status reconciled",
			logx.Int("adopted", p.CurrentJobs-len(orphaned)),
			logx.Int("lost", len(lost)),
			logx.Int("orphaned", len(orphaned)))
	}
	s.kickDispatch()
}

// requeueSuccessor resubmits the workflow of a job that never got a fair
// run (rejected, or orphaned by a disconnect). Dedup is skipped: the
// successor is intentionally identical to its predecessor.
func (s *Server) requeueSuccessor(old *queue.Job) {
	next := queue.NewJob(old.WorkflowID, old.WorkflowName, old.Priority, old.Parameters)
	next.Definition = old.Definition
	next.Timeout = old.Timeout
	if ok, msg := s.q.Enqueue(next, false); !ok {
		s.log.Error("requeue failed",
			logx.String("job_id", old.ID),
			logx.String("reason", msg))
		return
	}
	s.log.Info("job requeued",
		logx.String("job_id", old.ID),
		logx.String("successor_id", next.ID),
		logx.String("workflow_id", old.WorkflowID))
}
