package queue

import (
	"testing"
	"time"

	"flowhub/pkg/logx"
)

func newTestQueue() *Queue {
	return New(Config{
		DedupWindow:       50 * time.Millisecond,
		DefaultJobTimeout: time.Minute,
	}, logx.Nop(), nil)
}

func testRobot(max int) *Robot {
	return &Robot{ID: "bot-1", Name: "bot one", Status: RobotOnline, MaxConcurrentJobs: max}
}

func mustEnqueue(t *testing.T, q *Queue, j *Job) {
	t.Helper()
	if ok, msg := q.Enqueue(j, false); !ok {
		t.Fatalf("enqueue %s: %s", j.ID, msg)
	}
}

func TestDequeueHonorsPriority(t *testing.T) {
	q := newTestQueue()
	low := NewJob("wf-a", "", PriorityLow, nil)
	crit := NewJob("wf-b", "", PriorityCritical, nil)
	norm := NewJob("wf-c", "", PriorityNormal, nil)
	mustEnqueue(t, q, low)
	mustEnqueue(t, q, crit)
	mustEnqueue(t, q, norm)

	robot := testRobot(3)
	want := []string{crit.ID, norm.ID, low.ID}
	for i, id := range want {
		j := q.Dequeue(robot)
		if j == nil {
			t.Fatalf("dequeue %d returned nil", i)
		}
		if j.ID != id {
			t.Fatalf("dequeue %d = %s (prio %s), want %s", i, j.ID, j.Priority, id)
		}
		if j.Status != StatusRunning {
			t.Fatalf("dequeued job status = %s, want running", j.Status)
		}
		if j.RobotID != robot.ID {
			t.Fatalf("dequeued job robot = %q, want %q", j.RobotID, robot.ID)
		}
	}
	if j := q.Dequeue(robot); j != nil {
		t.Fatalf("empty queue returned %s", j.ID)
	}
}

func TestEqualPriorityIsFIFO(t *testing.T) {
	q := newTestQueue()
	var ids []string
	for i := 0; i < 5; i++ {
		j := NewJob("wf-fifo", "", PriorityNormal, map[string]any{"i": i})
		mustEnqueue(t, q, j)
		ids = append(ids, j.ID)
	}
	robot := testRobot(5)
	for i, id := range ids {
		j := q.Dequeue(robot)
		if j == nil || j.ID != id {
			t.Fatalf("dequeue %d out of order: got %+v, want %s", i, j, id)
		}
	}
}

func TestEnqueueRejections(t *testing.T) {
	q := newTestQueue()

	j := NewJob("wf-1", "", PriorityNormal, nil)
	j.Status = StatusRunning
	if ok, msg := q.Enqueue(j, false); ok {
		t.Fatal("non-pending job must be rejected")
	} else if msg == "" {
		t.Fatal("rejection must carry a reason")
	}

	j2 := NewJob("wf-1", "", PriorityNormal, nil)
	mustEnqueue(t, q, j2)
	dup := *j2
	dup.Status = StatusPending
	if ok, _ := q.Enqueue(&dup, false); ok {
		t.Fatal("known job id must be rejected")
	}

	if ok, _ := q.Enqueue(nil, false); ok {
		t.Fatal("nil job must be rejected")
	}
}

func TestDuplicateSubmissionWindow(t *testing.T) {
	q := newTestQueue()
	params := map[string]any{"region": "eu", "run": 7}

	first := NewJob("wf-dup", "", PriorityNormal, params)
	mustEnqueue(t, q, first)

	second := NewJob("wf-dup", "", PriorityNormal, params)
	if ok, msg := q.Enqueue(second, true); ok {
		t.Fatal("identical submission inside the window must be rejected")
	} else if msg != "duplicate submission" {
		t.Fatalf("reason = %q", msg)
	}

	// Different parameters are a different submission.
	other := NewJob("wf-dup", "", PriorityNormal, map[string]any{"region": "us", "run": 7})
	if ok, msg := q.Enqueue(other, true); !ok {
		t.Fatalf("differing params rejected: %s", msg)
	}

	time.Sleep(60 * time.Millisecond)
	retry := NewJob("wf-dup", "", PriorityNormal, params)
	if ok, msg := q.Enqueue(retry, true); !ok {
		t.Fatalf("submission after window expiry rejected: %s", msg)
	}
}

func TestDequeueUnavailableRobot(t *testing.T) {
	q := newTestQueue()
	mustEnqueue(t, q, NewJob("wf-1", "", PriorityNormal, nil))

	offline := testRobot(1)
	offline.Status = RobotOffline
	if q.Dequeue(offline) != nil {
		t.Fatal("offline robot must not receive work")
	}

	paused := testRobot(1)
	paused.Status = RobotPaused
	if q.Dequeue(paused) != nil {
		t.Fatal("paused robot must not receive work")
	}

	full := testRobot(1)
	full.CurrentJobs = 1
	if q.Dequeue(full) != nil {
		t.Fatal("robot at capacity must not receive work")
	}

	if q.Dequeue(nil) != nil {
		t.Fatal("nil robot must not receive work")
	}
}

func TestCapacityReleasedOnTerminal(t *testing.T) {
	q := newTestQueue()
	a := NewJob("wf-1", "", PriorityNormal, map[string]any{"n": 1})
	b := NewJob("wf-1", "", PriorityNormal, map[string]any{"n": 2})
	mustEnqueue(t, q, a)
	mustEnqueue(t, q, b)

	robot := testRobot(1)
	got := q.Dequeue(robot)
	if got == nil || got.ID != a.ID {
		t.Fatalf("first dequeue = %+v, want %s", got, a.ID)
	}
	if robot.CurrentJobs != 1 {
		t.Fatalf("CurrentJobs = %d after dequeue, want 1", robot.CurrentJobs)
	}
	if q.Dequeue(robot) != nil {
		t.Fatal("robot at capacity got a second job")
	}

	if ok, msg := q.Complete(a.ID, map[string]any{"rows": 12}); !ok {
		t.Fatalf("complete: %s", msg)
	}
	if robot.CurrentJobs != 0 {
		t.Fatalf("CurrentJobs = %d after completion, want 0", robot.CurrentJobs)
	}
	if got := q.Dequeue(robot); got == nil || got.ID != b.ID {
		t.Fatalf("second dequeue = %+v, want %s", got, b.ID)
	}
}

func TestCompleteRecordsResult(t *testing.T) {
	q := newTestQueue()
	j := NewJob("wf-1", "", PriorityNormal, nil)
	mustEnqueue(t, q, j)
	q.Dequeue(testRobot(1))

	if ok, msg := q.Complete(j.ID, "42 rows"); !ok {
		t.Fatalf("complete: %s", msg)
	}
	got, ok := q.Job(j.ID)
	if !ok {
		t.Fatal("job vanished")
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Result != "42 rows" {
		t.Fatalf("result = %v", got.Result)
	}
	if got.Progress != 100 {
		t.Fatalf("progress = %d, want 100", got.Progress)
	}
	if got.CompletedAt.IsZero() || got.DurationMS < 0 {
		t.Fatalf("completion bookkeeping missing: %+v", got)
	}
	if _, tracked := q.RemainingTime(j.ID); tracked {
		t.Fatal("completed job still deadline-tracked")
	}
}

func TestTerminalJobsRejectFurtherOperations(t *testing.T) {
	q := newTestQueue()
	j := NewJob("wf-1", "", PriorityNormal, nil)
	mustEnqueue(t, q, j)
	q.Dequeue(testRobot(1))
	if ok, msg := q.Complete(j.ID, nil); !ok {
		t.Fatalf("complete: %s", msg)
	}
	before, _ := q.Job(j.ID)

	if ok, _ := q.Complete(j.ID, "again"); ok {
		t.Fatal("double completion accepted")
	}
	if ok, _ := q.Fail(j.ID, "late failure", "late"); ok {
		t.Fatal("failing a completed job accepted")
	}
	if ok, _ := q.Cancel(j.ID, "late cancel"); ok {
		t.Fatal("cancelling a completed job accepted")
	}
	if ok, _ := q.MarkTimedOut(j.ID); ok {
		t.Fatal("timing out a completed job accepted")
	}

	after, _ := q.Job(j.ID)
	if !after.CompletedAt.Equal(before.CompletedAt) {
		t.Fatal("CompletedAt changed by a rejected operation")
	}
	if after.Status != StatusCompleted || after.ErrorMessage != "" {
		t.Fatalf("rejected operations mutated the job: %+v", after)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	q := newTestQueue()
	j := NewJob("wf-1", "", PriorityNormal, nil)
	mustEnqueue(t, q, j)

	if ok, msg := q.Cancel(j.ID, "operator request"); !ok {
		t.Fatalf("cancel: %s", msg)
	}
	if q.Depth() != 0 {
		t.Fatalf("depth = %d after cancel, want 0", q.Depth())
	}
	if q.Dequeue(testRobot(1)) != nil {
		t.Fatal("cancelled job was dispatched")
	}
	got, _ := q.Job(j.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	if got.ErrorMessage != "operator request" || got.ErrorType != "cancelled" {
		t.Fatalf("cancel reason not recorded: %+v", got)
	}
}

func TestCancelRunningJobReleasesRobot(t *testing.T) {
	q := newTestQueue()
	j := NewJob("wf-1", "", PriorityNormal, nil)
	mustEnqueue(t, q, j)
	robot := testRobot(1)
	q.Dequeue(robot)

	if ok, msg := q.Cancel(j.ID, "shutting down"); !ok {
		t.Fatalf("cancel: %s", msg)
	}
	if snap := q.RobotSnapshot(robot); snap.CurrentJobs != 0 {
		t.Fatalf("CurrentJobs = %d, want 0", snap.CurrentJobs)
	}
	if _, tracked := q.RemainingTime(j.ID); tracked {
		t.Fatal("cancelled job still deadline-tracked")
	}
}

func TestUpdateProgress(t *testing.T) {
	q := newTestQueue()
	j := NewJob("wf-1", "", PriorityNormal, nil)
	mustEnqueue(t, q, j)

	if q.UpdateProgress(j.ID, 10, "n1") {
		t.Fatal("progress accepted for a queued job")
	}
	q.Dequeue(testRobot(1))

	if !q.UpdateProgress(j.ID, 150, "n2") {
		t.Fatal("progress rejected for a running job")
	}
	got, _ := q.Job(j.ID)
	if got.Progress != 100 || got.CurrentNode != "n2" {
		t.Fatalf("progress = %d node = %q", got.Progress, got.CurrentNode)
	}
	q.UpdateProgress(j.ID, -5, "n3")
	got, _ = q.Job(j.ID)
	if got.Progress != 0 {
		t.Fatalf("negative progress not clamped: %d", got.Progress)
	}
	if q.UpdateProgress("no-such-job", 50, "") {
		t.Fatal("progress accepted for unknown job")
	}
}

func TestTimeoutFlow(t *testing.T) {
	q := newTestQueue()
	j := NewJob("wf-1", "", PriorityNormal, nil)
	j.Timeout = 10 * time.Millisecond
	mustEnqueue(t, q, j)
	q.Dequeue(testRobot(1))

	time.Sleep(20 * time.Millisecond)
	expired := q.TimedOutJobs()
	if len(expired) != 1 || expired[0] != j.ID {
		t.Fatalf("TimedOutJobs = %v", expired)
	}
	if ok, msg := q.MarkTimedOut(j.ID); !ok {
		t.Fatalf("mark timed out: %s", msg)
	}
	got, _ := q.Job(j.ID)
	if got.Status != StatusTimeout || got.ErrorType != "timeout" {
		t.Fatalf("job after timeout: %+v", got)
	}
	if len(q.TimedOutJobs()) != 0 {
		t.Fatal("settled job still reported as timed out")
	}
}

func TestChangeHookObservesTransitions(t *testing.T) {
	q := newTestQueue()
	type hop struct{ from, to Status }
	var hops []hop
	q.SetChangeHook(func(_ *Job, from, to Status) {
		hops = append(hops, hop{from, to})
	})

	j := NewJob("wf-1", "", PriorityNormal, nil)
	mustEnqueue(t, q, j)
	q.Dequeue(testRobot(1))
	q.Complete(j.ID, nil)

	want := []hop{
		{StatusPending, StatusQueued},
		{StatusQueued, StatusRunning},
		{StatusRunning, StatusCompleted},
	}
	if len(hops) != len(want) {
		t.Fatalf("hook fired %d times, want %d", len(hops), len(want))
	}
	for i := range want {
		if hops[i] != want[i] {
			t.Fatalf("hop %d = %+v, want %+v", i, hops[i], want[i])
		}
	}
}

func TestStats(t *testing.T) {
	q := newTestQueue()
	a := NewJob("wf-1", "", PriorityHigh, nil)
	b := NewJob("wf-2", "", PriorityNormal, nil)
	c := NewJob("wf-3", "", PriorityNormal, nil)
	mustEnqueue(t, q, a)
	mustEnqueue(t, q, b)
	mustEnqueue(t, q, c)

	robot := testRobot(1)
	q.Dequeue(robot)

	st := q.Stats()
	if st.Total != 3 {
		t.Fatalf("total = %d", st.Total)
	}
	if st.Depth != 2 {
		t.Fatalf("depth = %d", st.Depth)
	}
	if st.ByStatus[StatusRunning] != 1 || st.ByStatus[StatusQueued] != 2 {
		t.Fatalf("by status = %v", st.ByStatus)
	}
	// Priority totals cover every job, running included, not just the
	// still-queued ones.
	if st.ByPriority["high"] != 1 || st.ByPriority["normal"] != 2 {
		t.Fatalf("by priority = %v", st.ByPriority)
	}

	running := q.RunningJobs()
	if len(running) != 1 || running[0].ID != a.ID {
		t.Fatalf("running = %v", running)
	}
	mine := q.RobotJobs(robot.ID)
	if len(mine) != 1 || mine[0].ID != a.ID {
		t.Fatalf("robot jobs = %v", mine)
	}
}

func TestDequeueSerializesWithRobotStatusWrites(t *testing.T) {
	q := newTestQueue()
	robot := testRobot(2)
	for i := 0; i < 64; i++ {
		mustEnqueue(t, q, NewJob("wf-race", "", PriorityNormal, nil))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			q.SetRobotStatus(robot, RobotPaused)
			q.SetRobotStatus(robot, RobotOnline)
		}
	}()
	var got int
	for i := 0; i < 200; i++ {
		if j := q.Dequeue(robot); j != nil {
			got++
			if ok, msg := q.Complete(j.ID, nil); !ok {
				t.Fatalf("complete %s: %s", j.ID, msg)
			}
		}
	}
	<-done

	snap := q.RobotSnapshot(robot)
	if snap.CurrentJobs != 0 {
		t.Fatalf("current jobs = %d after draining, want 0", snap.CurrentJobs)
	}
	if got == 0 {
		t.Fatal("no job dequeued while robot toggled online")
	}
}

func TestDequeueNilRobot(t *testing.T) {
	q := newTestQueue()
	mustEnqueue(t, q, NewJob("wf-1", "", PriorityNormal, nil))
	if j := q.Dequeue(nil); j != nil {
		t.Fatalf("nil robot dequeued %s", j.ID)
	}
}

func TestReconcileRobot(t *testing.T) {
	q := newTestQueue()
	old := testRobot(2)
	a := NewJob("wf-a", "", PriorityNormal, nil)
	b := NewJob("wf-b", "", PriorityNormal, nil)
	mustEnqueue(t, q, a)
	mustEnqueue(t, q, b)
	if q.Dequeue(old) == nil || q.Dequeue(old) == nil {
		t.Fatal("setup dequeues failed")
	}

	// A reconnect hands the hub a fresh record for the same robot id.
	fresh := &Robot{ID: old.ID, Status: RobotOnline, MaxConcurrentJobs: 2}
	lost, orphaned := q.ReconcileRobot(fresh, []string{a.ID, "ghost-1"})
	if len(lost) != 1 || lost[0] != b.ID {
		t.Fatalf("lost = %v, want [%s]", lost, b.ID)
	}
	if len(orphaned) != 1 || orphaned[0] != "ghost-1" {
		t.Fatalf("orphaned = %v", orphaned)
	}
	if snap := q.RobotSnapshot(fresh); snap.CurrentJobs != 1 {
		t.Fatalf("adopted count = %d, want 1", snap.CurrentJobs)
	}

	// Settling the lost job must not touch the fresh robot's capacity.
	if ok, msg := q.Fail(b.ID, "not reported", "disconnected"); !ok {
		t.Fatalf("fail lost job: %s", msg)
	}
	if snap := q.RobotSnapshot(fresh); snap.CurrentJobs != 1 {
		t.Fatalf("capacity after settling lost job = %d, want 1", snap.CurrentJobs)
	}

	// Completing the adopted job releases the slot it holds on fresh.
	if ok, msg := q.Complete(a.ID, nil); !ok {
		t.Fatalf("complete adopted job: %s", msg)
	}
	if snap := q.RobotSnapshot(fresh); snap.CurrentJobs != 0 {
		t.Fatalf("capacity after completion = %d, want 0", snap.CurrentJobs)
	}
}
