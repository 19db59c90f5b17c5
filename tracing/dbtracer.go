package tracing

import (
	"sync"

	"github.com/sarchlab/dwmmc/datarecording"
	"github.com/sarchlab/dwmmc/sim"
	"github.com/tebeka/atexit"
)

// Tables written by a DBTracer.
const (
	TaskTable = "trace"
	StepTable = "trace_steps"
)

// TaskEntry is a row of the task table.
type TaskEntry struct {
	ID        string
	ParentID  string
	Kind      string
	What      string
	Location  string
	StartTime float64
	EndTime   float64
}

// StepEntry is a row of the step table.
type StepEntry struct {
	TaskID string
	Time   float64
	What   string
}

// DBTracer is a tracer that can store tasks into a database.
type DBTracer struct {
	lock       sync.Mutex
	timeTeller sim.TimeTeller
	backend    datarecording.DataRecorder

	startTime, endTime sim.VTimeInSec

	tracingTasks map[string]*Task
	terminated   bool
}

// NewDBTracer creates a new DBTracer. Tasks still running at program exit
// are written with the exit time as their end time.
func NewDBTracer(
	timeTeller sim.TimeTeller,
	backend datarecording.DataRecorder,
) *DBTracer {
	backend.CreateTable(TaskTable, TaskEntry{})
	backend.CreateTable(StepTable, StepEntry{})

	t := &DBTracer{
		timeTeller:   timeTeller,
		backend:      backend,
		tracingTasks: make(map[string]*Task),
	}

	atexit.Register(t.Terminate)

	return t
}

// SetTimeRange limits tracing to tasks that overlap the range. A zero bound
// is open.
func (t *DBTracer) SetTimeRange(startTime, endTime sim.VTimeInSec) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.startTime = startTime
	t.endTime = endTime
}

// StartTask marks the start of a task.
func (t *DBTracer) StartTask(task Task) {
	task.StartTime = t.timeTeller.CurrentTime()

	t.lock.Lock()
	defer t.lock.Unlock()

	if t.terminated {
		return
	}

	if t.endTime > 0 && task.StartTime > t.endTime {
		return
	}

	t.tracingTasks[task.ID] = &task
}

// StepTask records a step of a task.
func (t *DBTracer) StepTask(task Task) {
	now := t.timeTeller.CurrentTime()

	t.lock.Lock()
	defer t.lock.Unlock()

	original, ok := t.tracingTasks[task.ID]
	if !ok {
		return
	}

	for _, step := range task.Steps {
		step.Time = now
		original.Steps = append(original.Steps, step)
	}
}

// EndTask writes the task and its steps.
func (t *DBTracer) EndTask(task Task) {
	now := t.timeTeller.CurrentTime()

	t.lock.Lock()
	defer t.lock.Unlock()

	original, ok := t.tracingTasks[task.ID]
	if !ok {
		return
	}

	delete(t.tracingTasks, task.ID)

	if t.startTime > 0 && now < t.startTime {
		return
	}

	original.EndTime = now
	t.write(original)
}

func (t *DBTracer) write(task *Task) {
	t.backend.InsertData(TaskTable, TaskEntry{
		ID:        task.ID,
		ParentID:  task.ParentID,
		Kind:      task.Kind,
		What:      task.What,
		Location:  task.Location,
		StartTime: float64(task.StartTime),
		EndTime:   float64(task.EndTime),
	})

	for _, step := range task.Steps {
		t.backend.InsertData(StepTable, StepEntry{
			TaskID: task.ID,
			Time:   float64(step.Time),
			What:   step.What,
		})
	}
}

// Terminate writes the unfinished tasks and flushes the backend. Later
// tasks are ignored.
func (t *DBTracer) Terminate() {
	now := t.timeTeller.CurrentTime()

	t.lock.Lock()
	defer t.lock.Unlock()

	if t.terminated {
		return
	}

	t.terminated = true

	for _, task := range t.tracingTasks {
		task.EndTime = now
		t.write(task)
	}

	t.tracingTasks = nil
	t.backend.Flush()
}
