package store

import (
	"path/filepath"
	"sync"
)

// ReceivedTask is one inbound task record. The sessionKey is the agent
// session handle used to cancel a running task.
type ReceivedTask struct {
	TaskID      string `json:"taskId"`
	FromNodeID  string `json:"fromNodeId"`
	Instruction string `json:"instruction"`
	Priority    string `json:"priority,omitempty"` // high | normal | low, informational
	Status      string `json:"status"`             // queued | running | completed | failed | cancelled
	ReceivedAt  int64  `json:"receivedAt"`
	StartedAt   int64  `json:"startedAt,omitempty"`
	CompletedAt int64  `json:"completedAt,omitempty"`
	SessionKey  string `json:"sessionKey,omitempty"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
}

const maxReceivedTasks = 200

type receivedFile struct {
	Version   int            `json:"version"`
	UpdatedAt int64          `json:"updatedAt"`
	Tasks     []ReceivedTask `json:"tasks"`
}

// ReceivedStore is the durable log of tasks other nodes asked this
// node to execute. Records are never destroyed, only trimmed to 200.
type ReceivedStore struct {
	path  string
	mu    sync.RWMutex
	tasks []ReceivedTask
	sv    saver
}

// NewReceivedStore loads received-tasks.json from dir (best-effort).
func NewReceivedStore(dir string) *ReceivedStore {
	r := &ReceivedStore{path: filepath.Join(dir, "received-tasks.json")}
	r.sv.write = r.save

	var f receivedFile
	if readJSON(r.path, &f) {
		r.tasks = f.Tasks
	}
	return r
}

// Record inserts a new inbound task at the head of the log.
func (r *ReceivedStore) Record(task ReceivedTask) {
	if task.Status == "" {
		task.Status = StatusQueued
	}
	if task.ReceivedAt == 0 {
		task.ReceivedAt = nowMs()
	}

	r.mu.Lock()
	r.tasks = append([]ReceivedTask{task}, r.tasks...)
	if len(r.tasks) > maxReceivedTasks {
		r.tasks = r.tasks[:maxReceivedTasks]
	}
	r.mu.Unlock()
	r.sv.schedule()
}

// Update applies fn to the task with the given id under the lock.
func (r *ReceivedStore) Update(taskID string, fn func(*ReceivedTask)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.tasks {
		if r.tasks[i].TaskID == taskID {
			fn(&r.tasks[i])
			r.sv.schedule()
			return true
		}
	}
	return false
}

// Get returns a task by id.
func (r *ReceivedStore) Get(taskID string) (ReceivedTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, task := range r.tasks {
		if task.TaskID == taskID {
			return task, true
		}
	}
	return ReceivedTask{}, false
}

// List returns up to limit tasks, most recent first (0 = all).
func (r *ReceivedStore) List(limit int) []ReceivedTask {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.tasks)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]ReceivedTask, n)
	copy(out, r.tasks[:n])
	return out
}

// Flush writes pending state synchronously.
func (r *ReceivedStore) Flush() { r.sv.flush() }

func (r *ReceivedStore) save() {
	r.mu.RLock()
	f := receivedFile{Version: 1, UpdatedAt: nowMs(), Tasks: append([]ReceivedTask(nil), r.tasks...)}
	r.mu.RUnlock()
	writeJSON(r.path, f) // error swallowed; next debounced save retries
}
