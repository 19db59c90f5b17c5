// Package datarecording stores rows of plain structs into a database. Each
// table is created from a sample struct whose exported fields become the
// columns.
package datarecording

import (
	"fmt"
	"reflect"

	"github.com/fatih/structs"
)

// DataRecorder is a backend that can record and store data
type DataRecorder interface {
	// CreateTable creates a new table with columns taken from the fields of
	// sampleEntry.
	CreateTable(tableName string, sampleEntry any)

	// InsertData buffers an entry for a table that already exists.
	InsertData(tableName string, entry any)

	// ListTables returns the names of the tables created, sorted.
	ListTables() []string

	// Flush writes all the buffered entries into the database.
	Flush()

	// Close flushes and releases the database.
	Close() error
}

const defaultBatchSize = 100000

func isAllowedKind(kind reflect.Kind) bool {
	switch kind {
	case
		reflect.Bool,
		reflect.Int,
		reflect.Int8,
		reflect.Int16,
		reflect.Int32,
		reflect.Int64,
		reflect.Uint,
		reflect.Uint8,
		reflect.Uint16,
		reflect.Uint32,
		reflect.Uint64,
		reflect.Float32,
		reflect.Float64,
		reflect.String:
		return true
	default:
		return false
	}
}

// checkEntry makes sure an entry is a struct of scalar fields.
func checkEntry(entry any) error {
	t := reflect.TypeOf(entry)
	if t == nil || t.Kind() != reflect.Struct {
		return fmt.Errorf("entry %T is not a struct", entry)
	}

	if len(structs.Names(entry)) == 0 {
		return fmt.Errorf("entry %T has no exported field", entry)
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		if !isAllowedKind(field.Type.Kind()) {
			return fmt.Errorf("field %s of %T has unsupported type %s",
				field.Name, entry, field.Type)
		}
	}

	return nil
}

// table holds the entries of a table that have not been written yet.
type table struct {
	structType reflect.Type
	columns    []string
	entries    []any
}

func newTable(sampleEntry any) *table {
	if err := checkEntry(sampleEntry); err != nil {
		panic(err)
	}

	return &table{
		structType: reflect.TypeOf(sampleEntry),
		columns:    structs.Names(sampleEntry),
	}
}

func (t *table) add(tableName string, entry any) {
	if reflect.TypeOf(entry) != t.structType {
		panic(fmt.Sprintf("table %s stores %s, got %T",
			tableName, t.structType, entry))
	}

	t.entries = append(t.entries, entry)
}
