package tracing

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/xid"
	"github.com/sarchlab/dwmmc/sim"
	"github.com/tebeka/atexit"
)

// JSONTracer writes finished tasks as a JSON array.
type JSONTracer struct {
	timeTeller sim.TimeTeller
	w          io.Writer

	lock          sync.Mutex
	firstTask     bool
	closed        bool
	inflightTasks map[string]*Task
}

// NewJSONTracer creates a JSONTracer that writes into a new file with a
// unique name. The array is closed at program exit.
func NewJSONTracer(timeTeller sim.TimeTeller) *JSONTracer {
	filename := xid.New().String() + ".json"

	f, err := os.Create(filename)
	if err != nil {
		panic(err)
	}

	fmt.Fprintf(os.Stderr, "Recording tasks in %s\n", filename)

	t := NewJSONTracerWithWriter(timeTeller, f)

	atexit.Register(func() {
		t.Close()
		f.Close()
	})

	return t
}

// NewJSONTracerWithWriter creates a JSONTracer that writes into w.
func NewJSONTracerWithWriter(
	timeTeller sim.TimeTeller,
	w io.Writer,
) *JSONTracer {
	t := &JSONTracer{
		timeTeller:    timeTeller,
		w:             w,
		firstTask:     true,
		inflightTasks: make(map[string]*Task),
	}

	t.mustWrite([]byte("[\n"))

	return t
}

// StartTask records the start of a task
func (t *JSONTracer) StartTask(task Task) {
	task.StartTime = t.timeTeller.CurrentTime()

	t.lock.Lock()
	t.inflightTasks[task.ID] = &task
	t.lock.Unlock()
}

// StepTask records the moment that a task reaches a milestone
func (t *JSONTracer) StepTask(task Task) {
	now := t.timeTeller.CurrentTime()

	t.lock.Lock()
	defer t.lock.Unlock()

	original, ok := t.inflightTasks[task.ID]
	if !ok {
		return
	}

	for _, step := range task.Steps {
		step.Time = now
		original.Steps = append(original.Steps, step)
	}
}

// EndTask writes the task.
func (t *JSONTracer) EndTask(task Task) {
	now := t.timeTeller.CurrentTime()

	t.lock.Lock()
	defer t.lock.Unlock()

	original, ok := t.inflightTasks[task.ID]
	if !ok || t.closed {
		return
	}

	delete(t.inflightTasks, task.ID)
	original.EndTime = now

	b, err := json.Marshal(original)
	if err != nil {
		panic(err)
	}

	if t.firstTask {
		t.firstTask = false
	} else {
		t.mustWrite([]byte(",\n"))
	}

	t.mustWrite(b)
}

// Close terminates the JSON array. Tasks ending later are dropped.
func (t *JSONTracer) Close() {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return
	}

	t.closed = true
	t.mustWrite([]byte("\n]"))
}

func (t *JSONTracer) mustWrite(b []byte) {
	if _, err := t.w.Write(b); err != nil {
		panic(err)
	}
}
