package worker

import (
	"context"
	"testing"
	"time"
)

func TestWorkflowNodes(t *testing.T) {
	nodes := workflowNodes([]byte(`{"nodes":[{"id":"open"},{"name":"fill"},{}]}`))
	want := []string{"open", "fill", "node-2"}
	if len(nodes) != len(want) {
		t.Fatalf("nodes = %v", nodes)
	}
	for i := range want {
		if nodes[i] != want[i] {
			t.Fatalf("node %d = %q, want %q", i, nodes[i], want[i])
		}
	}

	if workflowNodes(nil) != nil {
		t.Fatal("empty definition must yield nil")
	}
	if workflowNodes([]byte(`not json`)) != nil {
		t.Fatal("garbage definition must yield nil")
	}
}

func TestSimExecutorReportsProgress(t *testing.T) {
	e := &SimExecutor{NodeDelay: time.Millisecond}
	var steps []int
	result, err := e.Execute(context.Background(), Assignment{
		JobID:        "job-1",
		WorkflowJSON: []byte(`{"nodes":[{"id":"a"},{"id":"b"},{"id":"c"},{"id":"d"}]}`),
	}, func(pct int, _ string) { steps = append(steps, pct) })
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(steps) != 4 || steps[len(steps)-1] != 100 {
		t.Fatalf("progress steps = %v", steps)
	}
	for i := 1; i < len(steps); i++ {
		if steps[i] <= steps[i-1] {
			t.Fatalf("progress not monotonic: %v", steps)
		}
	}
	m, ok := result.(map[string]any)
	if !ok || m["nodes_run"] != 4 {
		t.Fatalf("result = %v", result)
	}
}

func TestSimExecutorCancellation(t *testing.T) {
	e := &SimExecutor{NodeDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(ctx, Assignment{JobID: "job-1"}, func(int, string) {})
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not stop on cancellation")
	}
}
