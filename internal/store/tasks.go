package store

import (
	"path/filepath"
	"sync"
)

// Sent-task statuses, in non-regressing order.
const (
	StatusSent      = "sent"
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusTimeout   = "timeout"
)

// statusRank orders statuses along sent < queued < running < terminal.
// Updates that would move a task backwards are discarded — the Hub may
// deliver ack/status/result frames out of order.
var statusRank = map[string]int{
	StatusSent:      0,
	StatusQueued:    1,
	StatusRunning:   2,
	StatusCompleted: 3,
	StatusFailed:    3,
	StatusCancelled: 3,
	StatusTimeout:   3,
}

// IsTerminal reports whether status is a terminal task state.
func IsTerminal(status string) bool {
	return statusRank[status] == 3
}

// StoredTask is one outbound task record. Timestamps are unix ms.
type StoredTask struct {
	TaskID         string `json:"taskId"`
	TargetNodeID   string `json:"targetNodeId"`
	TargetNodeName string `json:"targetNodeName,omitempty"`
	Instruction    string `json:"instruction"`
	Source         string `json:"source"` // local | remote
	Status         string `json:"status"`
	SentAt         int64  `json:"sentAt"`
	AckedAt        int64  `json:"ackedAt,omitempty"`
	StartedAt      int64  `json:"startedAt,omitempty"`
	CompletedAt    int64  `json:"completedAt,omitempty"`
	Result         string `json:"result,omitempty"`
	Error          string `json:"error,omitempty"`
	DurationMs     int64  `json:"durationMs,omitempty"`
}

const maxSentTasks = 200

type taskFile struct {
	Version   int          `json:"version"`
	UpdatedAt int64        `json:"updatedAt"`
	Tasks     []StoredTask `json:"tasks"`
}

// TaskStore is the durable log of tasks this node has sent.
// tasks are held most-recent-first and capped at 200.
type TaskStore struct {
	path  string
	mu    sync.RWMutex
	tasks []StoredTask
	sv    saver
}

// NewTaskStore loads tasks.json from dir (best-effort).
func NewTaskStore(dir string) *TaskStore {
	t := &TaskStore{path: filepath.Join(dir, "tasks.json")}
	t.sv.write = t.save

	var f taskFile
	if readJSON(t.path, &f) {
		t.tasks = f.Tasks
	}
	return t
}

// RecordSent inserts a new task at the head of the log.
func (t *TaskStore) RecordSent(task StoredTask) {
	if task.Status == "" {
		task.Status = StatusSent
	}
	if task.SentAt == 0 {
		task.SentAt = nowMs()
	}

	t.mu.Lock()
	t.tasks = append([]StoredTask{task}, t.tasks...)
	if len(t.tasks) > maxSentTasks {
		t.tasks = t.tasks[:maxSentTasks]
	}
	t.mu.Unlock()
	t.sv.schedule()
}

// UpdateStatus applies a status transition in place, stamping ackedAt
// and startedAt as the task advances. Regressing updates are discarded;
// the return value reports whether anything changed.
func (t *TaskStore) UpdateStatus(taskID, status string) (StoredTask, bool) {
	rank, known := statusRank[status]
	if !known {
		return StoredTask{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.tasks {
		task := &t.tasks[i]
		if task.TaskID != taskID {
			continue
		}
		if rank <= statusRank[task.Status] {
			return StoredTask{}, false
		}
		task.Status = status
		now := nowMs()
		if task.AckedAt == 0 && (status == StatusQueued || status == StatusRunning) {
			task.AckedAt = now
		}
		if task.StartedAt == 0 && status == StatusRunning {
			task.StartedAt = now
		}
		updated := *task
		t.sv.schedule()
		return updated, true
	}
	return StoredTask{}, false
}

// RecordResult transitions a task to its terminal state and computes
// the duration. Success maps to completed, failure to failed.
func (t *TaskStore) RecordResult(taskID string, success bool, result, errMsg string) (StoredTask, bool) {
	status := StatusCompleted
	if !success {
		status = StatusFailed
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.tasks {
		task := &t.tasks[i]
		if task.TaskID != taskID {
			continue
		}
		if IsTerminal(task.Status) {
			return StoredTask{}, false
		}
		task.Status = status
		task.Result = result
		task.Error = errMsg
		task.CompletedAt = nowMs()
		task.DurationMs = task.CompletedAt - task.SentAt
		updated := *task
		t.sv.schedule()
		return updated, true
	}
	return StoredTask{}, false
}

// ListFilter narrows List results.
type ListFilter struct {
	NodeID string
	Status string
	Limit  int
}

// List returns matching tasks, most recent first.
func (t *TaskStore) List(f ListFilter) []StoredTask {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]StoredTask, 0, len(t.tasks))
	for _, task := range t.tasks {
		if f.NodeID != "" && task.TargetNodeID != f.NodeID {
			continue
		}
		if f.Status != "" && task.Status != f.Status {
			continue
		}
		out = append(out, task)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Get returns a task by id.
func (t *TaskStore) Get(taskID string) (StoredTask, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, task := range t.tasks {
		if task.TaskID == taskID {
			return task, true
		}
	}
	return StoredTask{}, false
}

// Summary aggregates counts by status.
func (t *TaskStore) Summary() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := map[string]int{"total": len(t.tasks)}
	for _, task := range t.tasks {
		out[task.Status]++
	}
	return out
}

// ClearCompleted removes terminal tasks, optionally only those that
// completed before the given unix-ms timestamp (0 = all terminal).
// Returns the number removed.
func (t *TaskStore) ClearCompleted(before int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.tasks[:0]
	removed := 0
	for _, task := range t.tasks {
		if IsTerminal(task.Status) && (before == 0 || task.CompletedAt < before) {
			removed++
			continue
		}
		kept = append(kept, task)
	}
	t.tasks = kept
	if removed > 0 {
		t.sv.schedule()
	}
	return removed
}

// Flush writes pending state synchronously.
func (t *TaskStore) Flush() { t.sv.flush() }

func (t *TaskStore) save() {
	t.mu.RLock()
	f := taskFile{Version: 1, UpdatedAt: nowMs(), Tasks: append([]StoredTask(nil), t.tasks...)}
	t.mu.RUnlock()
	writeJSON(t.path, f) // error swallowed; next debounced save retries
}
