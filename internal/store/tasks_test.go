package store

import (
	"fmt"
	"testing"
)

func newTestTaskStore(t *testing.T) *TaskStore {
	t.Helper()
	return NewTaskStore(t.TempDir())
}

func sent(id string) StoredTask {
	return StoredTask{
		TaskID:       id,
		TargetNodeID: "node-b",
		Instruction:  "ls",
		Source:       "remote",
		Status:       StatusSent,
		SentAt:       nowMs(),
	}
}

func TestTaskStoreMonotonicStatus(t *testing.T) {
	tests := []struct {
		name     string
		sequence []string
		want     string
	}{
		{"forward progression", []string{StatusQueued, StatusRunning, StatusCompleted}, StatusCompleted},
		{"regression discarded", []string{StatusRunning, StatusQueued}, StatusRunning},
		{"terminal is final", []string{StatusRunning, StatusFailed, StatusRunning}, StatusFailed},
		{"duplicate status discarded", []string{StatusRunning, StatusRunning}, StatusRunning},
		{"unknown status discarded", []string{StatusRunning, "weird"}, StatusRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestTaskStore(t)
			ts.RecordSent(sent("t1"))
			for _, s := range tt.sequence {
				ts.UpdateStatus("t1", s)
			}
			got, ok := ts.Get("t1")
			if !ok {
				t.Fatal("task t1 not found")
			}
			if got.Status != tt.want {
				t.Errorf("status = %q, want %q", got.Status, tt.want)
			}
		})
	}
}

func TestTaskStoreUpdateStatusStamps(t *testing.T) {
	ts := newTestTaskStore(t)
	ts.RecordSent(sent("t1"))

	if _, ok := ts.UpdateStatus("t1", StatusQueued); !ok {
		t.Fatal("queued update rejected")
	}
	got, _ := ts.Get("t1")
	if got.AckedAt == 0 {
		t.Error("AckedAt not stamped on queued")
	}

	ts.UpdateStatus("t1", StatusRunning)
	got, _ = ts.Get("t1")
	if got.StartedAt == 0 {
		t.Error("StartedAt not stamped on running")
	}
}

func TestTaskStoreRecordResult(t *testing.T) {
	ts := newTestTaskStore(t)
	ts.RecordSent(sent("t1"))
	ts.UpdateStatus("t1", StatusRunning)

	got, ok := ts.RecordResult("t1", true, "done", "")
	if !ok {
		t.Fatal("result rejected")
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %q, want %q", got.Status, StatusCompleted)
	}
	if got.CompletedAt == 0 || got.DurationMs < 0 {
		t.Errorf("completion not stamped: completedAt=%d durationMs=%d", got.CompletedAt, got.DurationMs)
	}

	// A second result for a terminal task is discarded.
	if _, ok := ts.RecordResult("t1", false, "", "boom"); ok {
		t.Error("second result accepted for terminal task")
	}
	got, _ = ts.Get("t1")
	if got.Status != StatusCompleted || got.Result != "done" {
		t.Errorf("terminal record mutated: %+v", got)
	}
}

func TestTaskStoreCapEvictsOldest(t *testing.T) {
	ts := newTestTaskStore(t)
	for i := 0; i < maxSentTasks+1; i++ {
		ts.RecordSent(sent(fmt.Sprintf("t%d", i)))
	}

	all := ts.List(ListFilter{Limit: maxSentTasks + 10})
	if len(all) != maxSentTasks {
		t.Fatalf("len = %d, want %d", len(all), maxSentTasks)
	}
	if _, ok := ts.Get("t0"); ok {
		t.Error("oldest task t0 survived eviction")
	}
	if _, ok := ts.Get(fmt.Sprintf("t%d", maxSentTasks)); !ok {
		t.Error("newest task missing")
	}
}

func TestTaskStoreClearCompletedIdempotent(t *testing.T) {
	ts := newTestTaskStore(t)
	ts.RecordSent(sent("t1"))
	ts.RecordSent(sent("t2"))
	ts.RecordResult("t1", true, "ok", "")
	ts.RecordResult("t2", false, "", "boom")

	if n := ts.ClearCompleted(0); n != 2 {
		t.Errorf("first clear = %d, want 2", n)
	}
	if n := ts.ClearCompleted(0); n != 0 {
		t.Errorf("second clear = %d, want 0", n)
	}
}

func TestTaskStoreListFilters(t *testing.T) {
	ts := newTestTaskStore(t)
	a := sent("t1")
	ts.RecordSent(a)
	b := sent("t2")
	b.TargetNodeID = "node-c"
	ts.RecordSent(b)
	ts.RecordResult("t2", true, "ok", "")

	if got := ts.List(ListFilter{NodeID: "node-c"}); len(got) != 1 || got[0].TaskID != "t2" {
		t.Errorf("node filter: %+v", got)
	}
	if got := ts.List(ListFilter{Status: StatusCompleted}); len(got) != 1 || got[0].TaskID != "t2" {
		t.Errorf("status filter: %+v", got)
	}
	if got := ts.List(ListFilter{Limit: 1}); len(got) != 1 {
		t.Errorf("limit: got %d entries", len(got))
	}
}

func TestTaskStorePersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	ts := NewTaskStore(dir)
	ts.RecordSent(sent("t1"))
	ts.UpdateStatus("t1", StatusRunning)
	ts.Flush()

	reloaded := NewTaskStore(dir)
	got, ok := reloaded.Get("t1")
	if !ok {
		t.Fatal("task lost on reload")
	}
	if got.Status != StatusRunning || got.Instruction != "ls" {
		t.Errorf("reloaded task = %+v", got)
	}
}

func TestTaskStoreSummary(t *testing.T) {
	ts := newTestTaskStore(t)
	ts.RecordSent(sent("t1"))
	ts.RecordSent(sent("t2"))
	ts.RecordResult("t1", true, "ok", "")

	sum := ts.Summary()
	if sum["total"] != 2 {
		t.Errorf("total = %d, want 2", sum["total"])
	}
	if sum[StatusCompleted] != 1 {
		t.Errorf("completed = %d, want 1", sum[StatusCompleted])
	}
	if sum[StatusSent] != 1 {
		t.Errorf("sent = %d, want 1", sum[StatusSent])
	}
}
