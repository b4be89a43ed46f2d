package worker

import (
	"context"
	"net"
	"testing"
	"time"

	"flowhub/internal/protocol"
	"flowhub/pkg/logx"
)

func listen(t *testing.T) (net.Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln, ln.Addr().String()
}

func testClientConfig(addr string) Config {
	return Config{
		RobotID:              "bot-t",
		RobotName:            "test robot",
		MaxConcurrentJobs:    2,
		HubAddr:              addr,
		HeartbeatInterval:    time.Hour, // keep the wire quiet unless a test wants beats
		DialTimeout:          2 * time.Second,
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectAttempts: 1,
	}
}

// acceptRobot completes the hub side of the handshake.
func acceptRobot(t *testing.T, ln net.Listener, hbInterval string) net.Conn {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	m, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read register: %v", err)
	}
	if m.Type != protocol.TypeRegister {
		t.Fatalf("first message = %s, want register", m.Type)
	}
	ack := protocol.RegisterAck(true, "", protocol.RobotConfig{HeartbeatInterval: hbInterval})
	if err := protocol.WriteMessage(conn, ack); err != nil {
		t.Fatalf("write register_ack: %v", err)
	}
	return conn
}

// expectMsg reads until a message of the wanted type arrives, acking any
// interleaved heartbeats.
func expectMsg(t *testing.T, conn net.Conn, want protocol.MessageType) protocol.Message {
	t.Helper()
	for {
		m, err := protocol.ReadMessage(conn)
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if m.Type == protocol.TypeHeartbeat {
			_ = protocol.WriteMessage(conn, protocol.HeartbeatAck())
			continue
		}
		if m.Type != want {
			t.Fatalf("got %s, want %s", m.Type, want)
		}
		return m
	}
}

func TestClientAssignAcceptComplete(t *testing.T) {
	ln, addr := listen(t)
	received := make(chan Assignment, 1)
	c := New(testClientConfig(addr), logx.Nop(), Callbacks{
		OnJobReceived: func(a Assignment) { received <- a },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	hub := acceptRobot(t, ln, "")
	assign := protocol.JobAssign(protocol.JobAssignPayload{
		JobID:        "job-1",
		WorkflowID:   "wf-1",
		WorkflowName: "invoice sync",
		WorkflowJSON: []byte(`{"nodes":[{"id":"open"},{"id":"submit"}]}`),
		Parameters:   map[string]any{"day": "monday"},
	})
	if err := protocol.WriteMessage(hub, assign); err != nil {
		t.Fatalf("assign: %v", err)
	}

	accept := expectMsg(t, hub, protocol.TypeJobAccept)
	var ap protocol.JobAcceptPayload
	if err := accept.Decode(&ap); err != nil || ap.JobID != "job-1" {
		t.Fatalf("accept payload = %+v err = %v", ap, err)
	}

	var a Assignment
	select {
	case a = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("OnJobReceived never fired")
	}
	if a.WorkflowID != "wf-1" || string(a.WorkflowJSON) == "" || a.StartedAt.IsZero() {
		t.Fatalf("assignment = %+v", a)
	}
	if c.ActiveJobCount() != 1 {
		t.Fatalf("active = %d, want 1", c.ActiveJobCount())
	}

	if err := c.ReportProgress("job-1", 50, "open", ""); err != nil {
		t.Fatalf("progress: %v", err)
	}
	prog := expectMsg(t, hub, protocol.TypeJobProgress)
	var pp protocol.JobProgressPayload
	if err := prog.Decode(&pp); err != nil || pp.Progress != 50 || pp.CurrentNode != "open" {
		t.Fatalf("progress payload = %+v err = %v", pp, err)
	}

	if err := c.ReportJobComplete("job-1", map[string]any{"rows": 3}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	done := expectMsg(t, hub, protocol.TypeJobComplete)
	var cp protocol.JobCompletePayload
	if err := done.Decode(&cp); err != nil {
		t.Fatalf("complete payload: %v", err)
	}
	if cp.JobID != "job-1" || cp.DurationMS < 0 {
		t.Fatalf("complete payload = %+v", cp)
	}
	if c.ActiveJobCount() != 0 {
		t.Fatalf("active = %d after completion, want 0", c.ActiveJobCount())
	}
}

func TestClientRejectsBeyondCapacity(t *testing.T) {
	ln, addr := listen(t)
	cfg := testClientConfig(addr)
	cfg.MaxConcurrentJobs = 1
	c := New(cfg, logx.Nop(), Callbacks{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	hub := acceptRobot(t, ln, "")
	protocol.WriteMessage(hub, protocol.JobAssign(protocol.JobAssignPayload{JobID: "job-1", WorkflowID: "wf"}))
	expectMsg(t, hub, protocol.TypeJobAccept)

	protocol.WriteMessage(hub, protocol.JobAssign(protocol.JobAssignPayload{JobID: "job-2", WorkflowID: "wf"}))
	rej := expectMsg(t, hub, protocol.TypeJobReject)
	var rp protocol.JobRejectPayload
	if err := rej.Decode(&rp); err != nil || rp.JobID != "job-2" {
		t.Fatalf("reject payload = %+v err = %v", rp, err)
	}
	if c.ActiveJobCount() != 1 {
		t.Fatalf("active = %d, want 1", c.ActiveJobCount())
	}
}

func TestClientRejectsWhilePaused(t *testing.T) {
	ln, addr := listen(t)
	c := New(testClientConfig(addr), logx.Nop(), Callbacks{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	hub := acceptRobot(t, ln, "")
	protocol.WriteMessage(hub, protocol.Pause("bot-t"))
	protocol.WriteMessage(hub, protocol.JobAssign(protocol.JobAssignPayload{JobID: "job-1", WorkflowID: "wf"}))

	rej := expectMsg(t, hub, protocol.TypeJobReject)
	var rp protocol.JobRejectPayload
	if err := rej.Decode(&rp); err != nil || rp.Reason != "paused" {
		t.Fatalf("reject payload = %+v err = %v", rp, err)
	}

	protocol.WriteMessage(hub, protocol.Resume("bot-t"))
	protocol.WriteMessage(hub, protocol.JobAssign(protocol.JobAssignPayload{JobID: "job-2", WorkflowID: "wf"}))
	expectMsg(t, hub, protocol.TypeJobAccept)
}

func TestClientCancelConfirms(t *testing.T) {
	ln, addr := listen(t)
	cancelled := make(chan string, 1)
	c := New(testClientConfig(addr), logx.Nop(), Callbacks{
		OnJobCancel: func(jobID, _ string) { cancelled <- jobID },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	hub := acceptRobot(t, ln, "")
	protocol.WriteMessage(hub, protocol.JobAssign(protocol.JobAssignPayload{JobID: "job-1", WorkflowID: "wf"}))
	expectMsg(t, hub, protocol.TypeJobAccept)

	protocol.WriteMessage(hub, protocol.JobCancel("job-1", "operator"))
	conf := expectMsg(t, hub, protocol.TypeJobCancelled)
	var cp protocol.JobCancelledPayload
	if err := conf.Decode(&cp); err != nil || cp.JobID != "job-1" {
		t.Fatalf("cancelled payload = %+v err = %v", cp, err)
	}

	select {
	case id := <-cancelled:
		if id != "job-1" {
			t.Fatalf("cancel callback for %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnJobCancel never fired")
	}
	if c.ActiveJobCount() != 0 {
		t.Fatalf("active = %d after cancel, want 0", c.ActiveJobCount())
	}
}

func TestClientHeartbeatsWithServerInterval(t *testing.T) {
	ln, addr := listen(t)
	c := New(testClientConfig(addr), logx.Nop(), Callbacks{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// Server pushes a much shorter interval than the client's own config.
	hub := acceptRobot(t, ln, "20ms")
	m, err := protocol.ReadMessage(hub)
	if err != nil {
		t.Fatalf("waiting for heartbeat: %v", err)
	}
	if m.Type != protocol.TypeHeartbeat {
		t.Fatalf("got %s, want heartbeat", m.Type)
	}
	var hb protocol.HeartbeatPayload
	if err := m.Decode(&hb); err != nil || hb.RobotID != "bot-t" || hb.Status != protocol.HeartbeatOnline {
		t.Fatalf("heartbeat payload = %+v err = %v", hb, err)
	}
}

func TestClientGivesUpAfterReconnectBudget(t *testing.T) {
	ln, addr := listen(t)
	ln.Close() // nothing listening: every dial fails

	cfg := testClientConfig(addr)
	cfg.MaxReconnectAttempts = 2
	c := New(cfg, logx.Nop(), Callbacks{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Run(ctx)
	if err == nil || ctx.Err() != nil {
		t.Fatalf("Run = %v (ctx err %v), want reconnect exhaustion", err, ctx.Err())
	}
}

func TestReportsForUnknownJob(t *testing.T) {
	c := New(testClientConfig("127.0.0.1:0"), logx.Nop(), Callbacks{})
	if err := c.ReportJobComplete("ghost", nil); err != ErrUnknownJob {
		t.Fatalf("complete unknown = %v, want ErrUnknownJob", err)
	}
	if err := c.ReportJobFailed("ghost", "boom", "", "", ""); err != ErrUnknownJob {
		t.Fatalf("fail unknown = %v, want ErrUnknownJob", err)
	}
	if err := c.ReportProgress("ghost", 1, "", ""); err != ErrNotConnected {
		t.Fatalf("progress while disconnected = %v, want ErrNotConnected", err)
	}
}

func TestImmediateShutdownStopsReconnecting(t *testing.T) {
	ln, addr := listen(t)
	cfg := testClientConfig(addr)
	cfg.MaxReconnectAttempts = 0 // unlimited: only the shutdown may stop Run
	c := New(cfg, logx.Nop(), Callbacks{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	hub := acceptRobot(t, ln, "")
	protocol.WriteMessage(hub, protocol.Shutdown(false))
	expectMsg(t, hub, protocol.TypeDisconnect)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after shutdown = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept going after immediate shutdown")
	}

	// The session is over: no redial may arrive.
	ln.(*net.TCPListener).SetDeadline(time.Now().Add(200 * time.Millisecond))
	if conn, err := ln.Accept(); err == nil {
		conn.Close()
		t.Fatal("client reconnected after immediate shutdown")
	}
}

func TestReconnectClearsInheritedPause(t *testing.T) {
	ln, addr := listen(t)
	cfg := testClientConfig(addr)
	cfg.MaxReconnectAttempts = 0
	c := New(cfg, logx.Nop(), Callbacks{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	hub := acceptRobot(t, ln, "")
	protocol.WriteMessage(hub, protocol.Shutdown(true))
	deadline := time.Now().Add(2 * time.Second)
	for !c.IsPaused() {
		if time.Now().After(deadline) {
			t.Fatal("graceful shutdown never paused the client")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The hub restarts: the old link drops, the client redials, and the
	// pause from the dying hub must not survive the new registration.
	hub.Close()
	hub2 := acceptRobot(t, ln, "")
	deadline = time.Now().Add(2 * time.Second)
	for c.IsPaused() {
		if time.Now().After(deadline) {
			t.Fatal("client re-registered still paused")
		}
		time.Sleep(5 * time.Millisecond)
	}

	protocol.WriteMessage(hub2, protocol.JobAssign(protocol.JobAssignPayload{JobID: "job-1", WorkflowID: "wf"}))
	expectMsg(t, hub2, protocol.TypeJobAccept)
}
