package tracing

import (
	"sync"
)

// StepCountTracer counts how often each step is reached, and by how many
// tasks.
type StepCountTracer struct {
	filter            TaskFilter
	lock              sync.Mutex
	inflightTasks     map[string]*Task
	stepNames         []string
	stepCount         map[string]uint64
	taskWithStepCount map[string]uint64
}

// NewStepCountTracer creates a new StepCountTracer
func NewStepCountTracer(filter TaskFilter) *StepCountTracer {
	return &StepCountTracer{
		filter:            filter,
		inflightTasks:     make(map[string]*Task),
		stepCount:         make(map[string]uint64),
		taskWithStepCount: make(map[string]uint64),
	}
}

// GetStepNames returns all the step names collected, in the order they were
// first seen.
func (t *StepCountTracer) GetStepNames() []string {
	t.lock.Lock()
	defer t.lock.Unlock()

	return append([]string(nil), t.stepNames...)
}

// GetStepCount returns the number of steps that is recorded with a certain
// step name.
func (t *StepCountTracer) GetStepCount(stepName string) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.stepCount[stepName]
}

// GetTaskCount returns the number of tasks that is recorded to have a certain
// step with a given name.
func (t *StepCountTracer) GetTaskCount(stepName string) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.taskWithStepCount[stepName]
}

// StartTask records the task
func (t *StepCountTracer) StartTask(task Task) {
	if t.filter != nil && !t.filter(task) {
		return
	}

	t.lock.Lock()
	t.inflightTasks[task.ID] = &task
	t.lock.Unlock()
}

// StepTask counts the step if the task is traced.
func (t *StepCountTracer) StepTask(task Task) {
	t.lock.Lock()
	defer t.lock.Unlock()

	original, ok := t.inflightTasks[task.ID]
	if !ok {
		return
	}

	step := task.Steps[0]
	if _, seen := t.stepCount[step.What]; !seen {
		t.stepNames = append(t.stepNames, step.What)
	}
	t.stepCount[step.What]++

	if !taskContainsStep(original, step) {
		t.taskWithStepCount[step.What]++
	}

	original.Steps = append(original.Steps, step)
}

func taskContainsStep(task *Task, step TaskStep) bool {
	for _, s := range task.Steps {
		if s.What == step.What {
			return true
		}
	}

	return false
}

// EndTask forgets the task
func (t *StepCountTracer) EndTask(task Task) {
	t.lock.Lock()
	delete(t.inflightTasks, task.ID)
	t.lock.Unlock()
}
