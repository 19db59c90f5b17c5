package datarecording

import (
	"database/sql"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/structs"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// New creates a DataRecorder that writes into path.sqlite3. A unique name is
// used when path is empty. The file must not exist. Buffered entries are
// flushed at program exit.
func New(path string) DataRecorder {
	if path == "" {
		path = "dwmmc_data_recording_" + xid.New().String()
	}

	filename := path + ".sqlite3"

	if _, err := os.Stat(filename); err == nil {
		panic(fmt.Errorf("file %s already exists", filename))
	}

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		panic(err)
	}

	fmt.Fprintf(os.Stderr, "Database created for recording: %s\n", filename)

	w := newSQLiteWriter(db)
	w.exec = startExecRecorder(w)

	atexit.Register(func() { w.Close() })

	return w
}

// NewWithDB creates a DataRecorder that writes into an open database.
func NewWithDB(db *sql.DB) DataRecorder {
	w := newSQLiteWriter(db)

	atexit.Register(w.Flush)

	return w
}

// sqliteWriter is the writer that writes data into SQLite database
type sqliteWriter struct {
	*sql.DB

	lock       sync.Mutex
	tables     map[string]*table
	batchSize  int
	entryCount int
	closed     bool
	exec       *execRecorder
}

func newSQLiteWriter(db *sql.DB) *sqliteWriter {
	return &sqliteWriter{
		DB:        db,
		tables:    make(map[string]*table),
		batchSize: defaultBatchSize,
	}
}

func (w *sqliteWriter) CreateTable(tableName string, sampleEntry any) {
	t := newTable(sampleEntry)

	w.lock.Lock()
	defer w.lock.Unlock()

	if _, exists := w.tables[tableName]; exists {
		panic(fmt.Sprintf("table %s already exists", tableName))
	}

	w.mustExecute(`CREATE TABLE ` + tableName +
		" (\n\t" + strings.Join(t.columns, ", \n\t") + "\n);")

	w.tables[tableName] = t
}

func (w *sqliteWriter) InsertData(tableName string, entry any) {
	w.lock.Lock()
	defer w.lock.Unlock()

	t, exists := w.tables[tableName]
	if !exists {
		panic(fmt.Sprintf("table %s does not exist", tableName))
	}

	t.add(tableName, entry)

	w.entryCount++
	if w.entryCount >= w.batchSize {
		w.flush()
	}
}

func (w *sqliteWriter) ListTables() []string {
	w.lock.Lock()
	defer w.lock.Unlock()

	names := make([]string, 0, len(w.tables))
	for name := range w.tables {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func (w *sqliteWriter) Flush() {
	w.lock.Lock()
	defer w.lock.Unlock()

	w.flush()
}

func (w *sqliteWriter) flush() {
	if w.entryCount == 0 || w.closed {
		return
	}

	tx, err := w.Begin()
	if err != nil {
		panic(err)
	}

	for name, t := range w.tables {
		if len(t.entries) == 0 {
			continue
		}

		w.insert(tx, name, t)
		t.entries = nil
	}

	if err := tx.Commit(); err != nil {
		panic(err)
	}

	w.entryCount = 0
}

func (w *sqliteWriter) insert(tx *sql.Tx, name string, t *table) {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(t.columns)), ", ")

	stmt, err := tx.Prepare("INSERT INTO " + name + " VALUES (" + marks + ")")
	if err != nil {
		panic(err)
	}
	defer stmt.Close()

	for _, entry := range t.entries {
		if _, err := stmt.Exec(structs.Values(entry)...); err != nil {
			panic(err)
		}
	}
}

// Close writes the end of the execution record, flushes and closes the
// database. Calling it again does nothing.
func (w *sqliteWriter) Close() error {
	if w.exec != nil {
		w.exec.End()
		w.exec = nil
	}

	w.lock.Lock()
	defer w.lock.Unlock()

	if w.closed {
		return nil
	}

	w.flush()
	w.closed = true

	return w.DB.Close()
}

func (w *sqliteWriter) mustExecute(query string) sql.Result {
	res, err := w.Exec(query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to execute: %s\n", query)
		panic(err)
	}

	return res
}
