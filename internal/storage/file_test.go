package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"flowhub/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", "  NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("driver %q: %v", driver, err)
		}
		if st != nil {
			t.Fatalf("driver %q: expected nil store", driver)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestFileStoreAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events", "jobs.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	events := []JobEvent{
		{JobID: "job-1", WorkflowID: "wf-1", From: "pending", To: "queued", At: time.Now()},
		{JobID: "job-1", WorkflowID: "wf-1", RobotID: "bot-1", From: "queued", To: "running", At: time.Now()},
	}
	for _, e := range events {
		if err := st.AppendJobEvent(context.Background(), e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open written file: %v", err)
	}
	defer f.Close()

	var got []JobEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e JobEvent
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %d: %v", len(got), err)
		}
		got = append(got, e)
	}
	if len(got) != 2 {
		t.Fatalf("lines = %d, want 2", len(got))
	}
	if got[1].To != "running" || got[1].RobotID != "bot-1" {
		t.Fatalf("second event = %+v", got[1])
	}
}

func TestFileStoreRequiresPath(t *testing.T) {
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("missing path accepted")
	}
}

func TestFileStoreStampsMissingTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.AppendJobEvent(context.Background(), JobEvent{JobID: "job-1", From: "running", To: "completed"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	st.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var e JobEvent
	if err := json.Unmarshal(b[:len(b)-1], &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.At.IsZero() {
		t.Fatal("missing timestamp not stamped")
	}
}
