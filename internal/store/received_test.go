package store

import (
	"fmt"
	"testing"
)

func TestReceivedStoreRecordAndUpdate(t *testing.T) {
	rs := NewReceivedStore(t.TempDir())
	rs.Record(ReceivedTask{
		TaskID:      "t1",
		FromNodeID:  "node-a",
		Instruction: "echo hi",
		Status:      StatusQueued,
		ReceivedAt:  nowMs(),
	})

	ok := rs.Update("t1", func(r *ReceivedTask) {
		r.Status = StatusRunning
		r.StartedAt = nowMs()
	})
	if !ok {
		t.Fatal("update of known task failed")
	}
	got, found := rs.Get("t1")
	if !found || got.Status != StatusRunning || got.StartedAt == 0 {
		t.Errorf("got %+v", got)
	}

	if rs.Update("nope", func(r *ReceivedTask) {}) {
		t.Error("update of unknown task reported success")
	}
}

func TestReceivedStoreCap(t *testing.T) {
	rs := NewReceivedStore(t.TempDir())
	for i := 0; i < maxReceivedTasks+5; i++ {
		rs.Record(ReceivedTask{TaskID: fmt.Sprintf("t%d", i), Status: StatusQueued})
	}
	if got := rs.List(0); len(got) != maxReceivedTasks {
		t.Errorf("len = %d, want %d", len(got), maxReceivedTasks)
	}
	if _, found := rs.Get("t0"); found {
		t.Error("oldest entry survived the cap")
	}
}

func TestReceivedStorePersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	rs := NewReceivedStore(dir)
	rs.Record(ReceivedTask{TaskID: "t1", FromNodeID: "node-a", Status: StatusQueued})
	rs.Flush()

	reloaded := NewReceivedStore(dir)
	got, found := reloaded.Get("t1")
	if !found || got.FromNodeID != "node-a" {
		t.Errorf("reloaded = %+v found=%v", got, found)
	}
}

func TestEventStoreRing(t *testing.T) {
	es := NewEventStore(t.TempDir())
	for i := 0; i < maxNodeEvents+3; i++ {
		es.Append(NodeEvent{NodeID: fmt.Sprintf("n%d", i), Event: EventOnline, Timestamp: nowMs()})
	}

	all := es.List(0)
	if len(all) != maxNodeEvents {
		t.Fatalf("len = %d, want %d", len(all), maxNodeEvents)
	}
	if all[0].NodeID != fmt.Sprintf("n%d", maxNodeEvents+2) {
		t.Errorf("most recent first violated: %+v", all[0])
	}

	if got := es.List(5); len(got) != 5 {
		t.Errorf("limit: got %d", len(got))
	}
}
