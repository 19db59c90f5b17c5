package datarecording

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/fatih/structs"
	"github.com/tebeka/atexit"
)

// ClickHouseConfig tells where a ClickHouse recorder connects to.
type ClickHouseConfig struct {
	Addr      string // host:port of the native protocol
	Database  string
	Username  string
	Password  string
	BatchSize int
}

type clickHouseRecorder struct {
	conn      clickhouse.Conn
	lock      sync.Mutex
	tables    map[string]*table
	batchSize int
	count     int
	closed    bool
}

// NewClickHouse connects to a ClickHouse server and returns a DataRecorder
// that writes into it with batched inserts.
func NewClickHouse(cfg ClickHouseConfig) (DataRecorder, error) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      30 * time.Second,
		MaxOpenConns:     5,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging ClickHouse at %s: %w", cfg.Addr, err)
	}

	r := &clickHouseRecorder{
		conn:      conn,
		tables:    make(map[string]*table),
		batchSize: cfg.BatchSize,
	}

	atexit.Register(func() { r.Close() })

	return r, nil
}

func clickHouseType(kind reflect.Kind) string {
	switch kind {
	case reflect.Bool:
		return "Bool"
	case reflect.Int8:
		return "Int8"
	case reflect.Int16:
		return "Int16"
	case reflect.Int32:
		return "Int32"
	case reflect.Int, reflect.Int64:
		return "Int64"
	case reflect.Uint8:
		return "UInt8"
	case reflect.Uint16:
		return "UInt16"
	case reflect.Uint32:
		return "UInt32"
	case reflect.Uint, reflect.Uint64:
		return "UInt64"
	case reflect.Float32:
		return "Float32"
	case reflect.Float64:
		return "Float64"
	case reflect.String:
		return "String"
	}

	panic(fmt.Sprintf("no ClickHouse type for %s", kind))
}

func createTableSQL(tableName string, sampleEntry any) string {
	fields := structs.Fields(sampleEntry)
	columns := make([]string, 0, len(fields))

	for _, f := range fields {
		if !f.IsExported() {
			continue
		}

		columns = append(columns, f.Name()+" "+clickHouseType(f.Kind()))
	}

	return "CREATE TABLE IF NOT EXISTS " + tableName + " (\n\t" +
		strings.Join(columns, ",\n\t") +
		"\n) ENGINE = MergeTree() ORDER BY tuple()"
}

// rowValues returns the column values of an entry, with int and uint widened
// to the 64-bit types of their columns.
func rowValues(entry any) []any {
	values := structs.Values(entry)

	for i, v := range values {
		switch x := v.(type) {
		case int:
			values[i] = int64(x)
		case uint:
			values[i] = uint64(x)
		}
	}

	return values
}

func (r *clickHouseRecorder) CreateTable(tableName string, sampleEntry any) {
	t := newTable(sampleEntry)

	r.lock.Lock()
	defer r.lock.Unlock()

	err := r.conn.Exec(context.Background(),
		createTableSQL(tableName, sampleEntry))
	if err != nil {
		panic(fmt.Errorf("failed to create table %s: %w", tableName, err))
	}

	r.tables[tableName] = t
}

func (r *clickHouseRecorder) InsertData(tableName string, entry any) {
	r.lock.Lock()
	defer r.lock.Unlock()

	t, exists := r.tables[tableName]
	if !exists {
		panic(fmt.Sprintf("table %s does not exist", tableName))
	}

	t.add(tableName, entry)

	r.count++
	if r.count >= r.batchSize {
		r.flush()
	}
}

func (r *clickHouseRecorder) ListTables() []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func (r *clickHouseRecorder) Flush() {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.flush()
}

func (r *clickHouseRecorder) flush() {
	if r.count == 0 || r.closed {
		return
	}

	ctx := context.Background()

	for name, t := range r.tables {
		if len(t.entries) == 0 {
			continue
		}

		batch, err := r.conn.PrepareBatch(ctx, "INSERT INTO "+name)
		if err != nil {
			panic(fmt.Errorf("failed to prepare batch for %s: %w", name, err))
		}

		for _, entry := range t.entries {
			if err := batch.Append(rowValues(entry)...); err != nil {
				panic(fmt.Errorf("failed to append to %s: %w", name, err))
			}
		}

		if err := batch.Send(); err != nil {
			panic(fmt.Errorf("failed to send batch for %s: %w", name, err))
		}

		t.entries = nil
	}

	r.count = 0
}

func (r *clickHouseRecorder) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return nil
	}

	r.flush()
	r.closed = true

	return r.conn.Close()
}
