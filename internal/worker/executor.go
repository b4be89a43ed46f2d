package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Executor runs one assigned workflow. Implementations report progress
// through the callback and return the job result, or an error when the
// workflow fails. A ctx cancellation means the hub cancelled the job; the
// executor should stop quickly and return ctx.Err().
type Executor interface {
	Execute(ctx context.Context, a Assignment, progress func(pct int, node string)) (any, error)
}

// SimExecutor is the stand-in engine used by cmd/robot: it walks the nodes
// of the workflow definition with a fixed per-node delay, reporting
// progress after each one. Definitions without nodes get a single
// synthetic step.
type SimExecutor struct {
	NodeDelay time.Duration // per-node wall time; default 500ms
}

func (e *SimExecutor) Execute(ctx context.Context, a Assignment, progress func(pct int, node string)) (any, error) {
	delay := e.NodeDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	nodes := workflowNodes(a.WorkflowJSON)
	if len(nodes) == 0 {
		nodes = []string{"main"}
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	for i, node := range nodes {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
		t.Reset(delay)
		progress((i+1)*100/len(nodes), node)
	}
	return map[string]any{"nodes_run": len(nodes)}, nil
}

// workflowNodes extracts node identifiers from a workflow definition of
// the form {"nodes": [{"id": ...}, ...]}. Anything else yields nil.
func workflowNodes(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var def struct {
		Nodes []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"nodes"`
	}
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil
	}
	out := make([]string, 0, len(def.Nodes))
	for i, n := range def.Nodes {
		switch {
		case n.ID != "":
			out = append(out, n.ID)
		case n.Name != "":
			out = append(out, n.Name)
		default:
			out = append(out, fmt.Sprintf("node-%d", i))
		}
	}
	return out
}
