// Package queue runs tasks received from peers against the local
// agent. Two pools bound the work: the dispatching pool holds tasks
// whose agent submission is in flight and is capped at maxConcurrent;
// the inflight pool holds dispatched runs awaiting completion and is
// unbounded. A slot frees as soon as the submit round-trip returns,
// well before the run finishes.
package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawhub/internal/agentrpc"
	"github.com/nextlevelbuilder/clawhub/internal/store"
	"github.com/nextlevelbuilder/clawhub/pkg/wire"
)

const completedRingSize = 50

// instructionPreviewLen bounds instruction text in status snapshots.
const instructionPreviewLen = 100

// Bridge is the slice of the agent bridge the queue needs.
type Bridge interface {
	Dispatch(ctx context.Context, taskID, instruction string) (agentrpc.Dispatched, error)
	WaitAndCollect(ctx context.Context, runID, sessionKey string, timeoutMs int) agentrpc.Outcome
	DeleteSession(sessionKey string)
}

// Sender emits acknowledgement and result frames back to the task
// originator.
type Sender interface {
	SendWS(msg wire.Message)
	SendResult(taskID, toNodeID string, success bool, result, errMsg string)
}

type task struct {
	id          string
	from        string
	instruction string
	priority    string
	status      string
	receivedAt  int64
	startedAt   int64
	completedAt int64
	sessionKey  string
	runID       string
	result      string
	errMsg      string
	cancelled   bool
}

// Queue is the received-task scheduler.
type Queue struct {
	bridge Bridge
	sender Sender
	rcv    *store.ReceivedStore

	taskTimeoutMs int

	mu            sync.Mutex
	maxConcurrent int
	waiting       []*task
	dispatching   map[string]*task
	inflight      map[string]*task
	completed     []*task // most recent first

	// OnUpdate, when set, observes every task state change.
	OnUpdate func(store.ReceivedTask)
}

// New builds a queue. maxConcurrent is clamped to [1, 10]; a
// non-positive taskTimeoutMs falls back to the bridge default.
func New(bridge Bridge, sender Sender, rcv *store.ReceivedStore, maxConcurrent, taskTimeoutMs int) *Queue {
	return &Queue{
		bridge:        bridge,
		sender:        sender,
		rcv:           rcv,
		taskTimeoutMs: taskTimeoutMs,
		maxConcurrent: clampConcurrent(maxConcurrent),
		dispatching:   make(map[string]*task),
		inflight:      make(map[string]*task),
	}
}

func clampConcurrent(n int) int {
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}

// SetMaxConcurrent adjusts the dispatch cap and drains the waiting
// queue into any newly available slots.
func (q *Queue) SetMaxConcurrent(n int) {
	q.mu.Lock()
	q.maxConcurrent = clampConcurrent(n)
	q.mu.Unlock()
	q.dequeue()
}

// Enqueue admits a task. With a free dispatch slot it starts at once;
// otherwise it joins the FIFO queue and the sender is told its
// position.
func (q *Queue) Enqueue(taskID, fromNodeID, instruction, priority string) {
	t := &task{
		id:          taskID,
		from:        fromNodeID,
		instruction: instruction,
		priority:    priority,
		status:      store.StatusQueued,
		receivedAt:  time.Now().UnixMilli(),
	}

	q.rcv.Record(store.ReceivedTask{
		TaskID:      taskID,
		FromNodeID:  fromNodeID,
		Instruction: instruction,
		Priority:    priority,
		Status:      store.StatusQueued,
		ReceivedAt:  t.receivedAt,
	})

	q.mu.Lock()
	if len(q.dispatching) >= q.maxConcurrent {
		q.waiting = append(q.waiting, t)
		position := len(q.waiting)
		q.mu.Unlock()
		q.sender.SendWS(wire.NewMessage(wire.TypeTaskAck, taskID, fromNodeID, wire.AckPayload{
			Status:   store.StatusQueued,
			Position: position,
		}))
		q.notify(t)
		return
	}
	q.claim(t)
	q.mu.Unlock()
	q.startTask(t)
}

// claim marks t running and takes a dispatch slot. Callers hold q.mu
// and have verified a slot is free; the capacity check and the
// insertion must share one critical section or concurrent admits can
// oversubscribe the pool.
func (q *Queue) claim(t *task) {
	t.status = store.StatusRunning
	t.startedAt = time.Now().UnixMilli()
	q.dispatching[t.id] = t
}

// startTask announces a claimed task and runs it to completion in its
// own goroutine.
func (q *Queue) startTask(t *task) {
	q.persist(t)
	q.sender.SendWS(wire.NewMessage(wire.TypeTaskAck, t.id, t.from, wire.AckPayload{
		Status: store.StatusRunning,
	}))

	go q.run(t)
}

func (q *Queue) run(t *task) {
	ctx := context.Background()

	d, err := q.bridge.Dispatch(ctx, t.id, t.instruction)

	q.mu.Lock()
	delete(q.dispatching, t.id)
	if err != nil {
		t.status = store.StatusFailed
		t.errMsg = err.Error()
		q.mu.Unlock()
		q.finalize(t)
		q.dequeue()
		return
	}
	t.sessionKey = d.SessionKey
	t.runID = d.RunID
	q.inflight[t.id] = t
	q.mu.Unlock()

	q.persist(t)
	// Slot is free the moment dispatch returns; start the next waiter
	// before blocking on completion.
	q.dequeue()

	out := q.bridge.WaitAndCollect(ctx, d.RunID, d.SessionKey, q.taskTimeoutMs)

	q.mu.Lock()
	delete(q.inflight, t.id)
	t.result = out.Result
	t.errMsg = out.Error
	switch {
	case out.Success:
		t.status = store.StatusCompleted
	case t.cancelled || isCancelledError(out.Error):
		t.status = store.StatusCancelled
		t.errMsg = "cancelled"
	default:
		t.status = store.StatusFailed
	}
	q.mu.Unlock()

	q.finalize(t)
	q.dequeue()
}

// finalize stamps completion, rotates the task into the completed
// ring, and sends the terminal result frame.
func (q *Queue) finalize(t *task) {
	q.mu.Lock()
	t.completedAt = time.Now().UnixMilli()
	q.completed = append([]*task{t}, q.completed...)
	if len(q.completed) > completedRingSize {
		q.completed = q.completed[:completedRingSize]
	}
	q.mu.Unlock()

	q.persist(t)
	q.sender.SendResult(t.id, t.from, t.status == store.StatusCompleted, t.result, t.errMsg)
}

// dequeue starts waiting tasks while dispatch slots remain.
func (q *Queue) dequeue() {
	for {
		q.mu.Lock()
		if len(q.waiting) == 0 || len(q.dispatching) >= q.maxConcurrent {
			q.mu.Unlock()
			return
		}
		t := q.waiting[0]
		q.waiting = q.waiting[1:]
		q.claim(t)
		q.mu.Unlock()
		q.startTask(t)
	}
}

// Cancel stops a task. A task still waiting is removed and a
// synthesized cancelled result goes back to the sender. A dispatched
// task has its agent session deleted; the pending wait surfaces the
// cancellation. Returns false for unknown or already finished tasks.
func (q *Queue) Cancel(taskID string) bool {
	q.mu.Lock()
	for i, t := range q.waiting {
		if t.id != taskID {
			continue
		}
		q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
		t.status = store.StatusCancelled
		t.errMsg = "cancelled"
		t.completedAt = time.Now().UnixMilli()
		q.completed = append([]*task{t}, q.completed...)
		if len(q.completed) > completedRingSize {
			q.completed = q.completed[:completedRingSize]
		}
		q.mu.Unlock()

		q.persist(t)
		q.sender.SendResult(t.id, t.from, false, "", "cancelled")
		return true
	}

	t := q.dispatching[taskID]
	if t == nil {
		t = q.inflight[taskID]
	}
	if t == nil || t.sessionKey == "" {
		q.mu.Unlock()
		return false
	}
	t.cancelled = true
	sessionKey := t.sessionKey
	q.mu.Unlock()

	q.bridge.DeleteSession(sessionKey)
	return true
}

// ActiveCount reports dispatching plus inflight tasks, the heartbeat's
// activeTasks figure.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dispatching) + len(q.inflight)
}

// TaskBrief is one queue entry in a status snapshot.
type TaskBrief struct {
	TaskID      string `json:"taskId"`
	Instruction string `json:"instruction"`
	ReceivedAt  int64  `json:"receivedAt,omitempty"`
	StartedAt   int64  `json:"startedAt,omitempty"`
}

// Snapshot is the queue status surface.
type Snapshot struct {
	MaxConcurrent   int                  `json:"maxConcurrent"`
	Queued          int                  `json:"queued"`
	Dispatching     int                  `json:"dispatching"`
	Inflight        int                  `json:"inflight"`
	Running         int                  `json:"running"`
	Completed       int                  `json:"completed"`
	Failed          int                  `json:"failed"`
	QueuedTasks     []TaskBrief          `json:"queuedTasks"`
	RunningTasks    []TaskBrief          `json:"runningTasks"`
	RecentCompleted []store.ReceivedTask `json:"recentCompleted"`
}

// Status returns a point-in-time snapshot of all pools.
func (q *Queue) Status() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Snapshot{
		MaxConcurrent: q.maxConcurrent,
		Queued:        len(q.waiting),
		Dispatching:   len(q.dispatching),
		Inflight:      len(q.inflight),
		Running:       len(q.dispatching) + len(q.inflight),
		QueuedTasks:   []TaskBrief{},
		RunningTasks:  []TaskBrief{},
	}
	for _, t := range q.completed {
		switch t.status {
		case store.StatusCompleted:
			s.Completed++
		case store.StatusFailed:
			s.Failed++
		}
	}
	for _, t := range q.waiting {
		s.QueuedTasks = append(s.QueuedTasks, TaskBrief{
			TaskID:      t.id,
			Instruction: preview(t.instruction),
			ReceivedAt:  t.receivedAt,
		})
	}
	for _, t := range q.dispatching {
		s.RunningTasks = append(s.RunningTasks, TaskBrief{
			TaskID:      t.id,
			Instruction: preview(t.instruction),
			StartedAt:   t.startedAt,
		})
	}
	for _, t := range q.inflight {
		s.RunningTasks = append(s.RunningTasks, TaskBrief{
			TaskID:      t.id,
			Instruction: preview(t.instruction),
			StartedAt:   t.startedAt,
		})
	}
	for i, t := range q.completed {
		if i >= 10 {
			break
		}
		s.RecentCompleted = append(s.RecentCompleted, snapshotTask(t))
	}
	return s
}

func (q *Queue) persist(t *task) {
	q.mu.Lock()
	rec := snapshotTask(t)
	q.mu.Unlock()

	q.rcv.Update(t.id, func(r *store.ReceivedTask) {
		r.Status = rec.Status
		r.StartedAt = rec.StartedAt
		r.CompletedAt = rec.CompletedAt
		r.SessionKey = rec.SessionKey
		r.Result = rec.Result
		r.Error = rec.Error
	})
	q.notify(t)
}

func (q *Queue) notify(t *task) {
	if q.OnUpdate == nil {
		return
	}
	q.mu.Lock()
	rec := snapshotTask(t)
	q.mu.Unlock()
	q.OnUpdate(rec)
}

func snapshotTask(t *task) store.ReceivedTask {
	return store.ReceivedTask{
		TaskID:      t.id,
		FromNodeID:  t.from,
		Instruction: t.instruction,
		Priority:    t.priority,
		Status:      t.status,
		ReceivedAt:  t.receivedAt,
		StartedAt:   t.startedAt,
		CompletedAt: t.completedAt,
		SessionKey:  t.sessionKey,
		Result:      t.result,
		Error:       t.errMsg,
	}
}

func preview(s string) string {
	if len(s) > instructionPreviewLen {
		return s[:instructionPreviewLen]
	}
	return s
}

func isCancelledError(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "cancel") ||
		strings.Contains(strings.ToLower(msg), "session deleted")
}
