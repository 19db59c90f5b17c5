package datarecording

import (
	"os"
	"strings"
	"time"
)

// ExecTable is the table that describes the program run a recording comes
// from.
const ExecTable = "exec_info"

// ExecInfo is a row of the exec_info table.
type ExecInfo struct {
	Property string
	Value    string
}

const execTimeFormat = "2006-01-02 15:04:05.000000000"

// execRecorder records when and how the program was run.
type execRecorder struct {
	recorder DataRecorder
	entries  []ExecInfo
}

func startExecRecorder(recorder DataRecorder) *execRecorder {
	recorder.CreateTable(ExecTable, ExecInfo{})

	e := &execRecorder{recorder: recorder}

	e.entries = append(e.entries,
		ExecInfo{"Start Time", time.Now().Format(execTimeFormat)},
		ExecInfo{"Command", strings.Join(os.Args, " ")},
	)

	if cwd, err := os.Getwd(); err == nil {
		e.entries = append(e.entries, ExecInfo{"Working Directory", cwd})
	}

	return e
}

// End writes the execution record along with the exit time.
func (e *execRecorder) End() {
	e.entries = append(e.entries,
		ExecInfo{"End Time", time.Now().Format(execTimeFormat)})

	for _, entry := range e.entries {
		e.recorder.InsertData(ExecTable, entry)
	}

	e.entries = nil
	e.recorder.Flush()
}
