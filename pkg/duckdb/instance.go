//go:build duckdb

package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	goduckdb "github.com/marcboeker/go-duckdb"

	helpers "github.com/sandboxws/boostsql/pkg/arrow/helpers"
)

// Available reports whether DuckDB was compiled in.
const Available = true

const defaultMemoryLimit = 256 << 20

// Instance is a private in-memory DuckDB database pinned to one connection,
// which the Arrow interface requires.
type Instance struct {
	db          *sql.DB
	conn        *sql.Conn
	alloc       memory.Allocator
	releaseView func()
}

// NewInstance opens a database capped at memoryLimit bytes, or 256MB when
// memoryLimit is 0.
func NewInstance(alloc memory.Allocator, memoryLimit int64) (*Instance, error) {
	if memoryLimit <= 0 {
		memoryLimit = defaultMemoryLimit
	}
	connector, err := goduckdb.NewConnector("", nil)
	if err != nil {
		return nil, fmt.Errorf("duckdb: create connector: %w", err)
	}

	inst := &Instance{db: sql.OpenDB(connector), alloc: alloc}
	ctx := context.Background()
	if inst.conn, err = inst.db.Conn(ctx); err != nil {
		inst.Close()
		return nil, fmt.Errorf("duckdb: get connection: %w", err)
	}
	setting := fmt.Sprintf("SET memory_limit='%dMB'", max(memoryLimit>>20, 1))
	if _, err := inst.conn.ExecContext(ctx, setting); err != nil {
		inst.Close()
		return nil, fmt.Errorf("duckdb: set memory_limit: %w", err)
	}
	return inst, nil
}

// Close drops the registered view and the database.
func (inst *Instance) Close() error {
	inst.dropView()
	if inst.conn != nil {
		inst.conn.Close()
	}
	if inst.db == nil {
		return nil
	}
	return inst.db.Close()
}

func (inst *Instance) dropView() {
	if inst.releaseView != nil {
		inst.releaseView()
		inst.releaseView = nil
	}
}

// withArrow runs fn against the Arrow interface of the pinned connection.
func (inst *Instance) withArrow(fn func(*goduckdb.Arrow) error) error {
	return inst.conn.Raw(func(dc any) error {
		ar, err := goduckdb.NewArrowFromConn(dc.(driver.Conn))
		if err != nil {
			return fmt.Errorf("duckdb: arrow from conn: %w", err)
		}
		return fn(ar)
	})
}

// RegisterView exposes batch to SQL as name without copying it. Registering
// a new view drops the previous one.
func (inst *Instance) RegisterView(batch arrow.Record, name string) error {
	inst.dropView()
	return inst.withArrow(func(ar *goduckdb.Arrow) error {
		rdr, err := array.NewRecordReader(batch.Schema(), []arrow.Record{batch})
		if err != nil {
			return fmt.Errorf("duckdb: record reader: %w", err)
		}
		release, err := ar.RegisterView(rdr, name)
		if err != nil {
			return fmt.Errorf("duckdb: register view %s: %w", name, err)
		}
		inst.releaseView = release
		return nil
	})
}

// Query runs querySQL and concatenates every result batch into one record,
// which the caller releases.
func (inst *Instance) Query(ctx context.Context, querySQL string) (arrow.Record, error) {
	var result arrow.Record
	err := inst.withArrow(func(ar *goduckdb.Arrow) error {
		rdr, err := ar.QueryContext(ctx, querySQL)
		if err != nil {
			return fmt.Errorf("duckdb: query: %w", err)
		}
		defer rdr.Release()
		result, err = collect(inst.alloc, rdr)
		return err
	})
	return result, err
}

func collect(alloc memory.Allocator, rdr array.RecordReader) (arrow.Record, error) {
	var batches []arrow.Record
	defer func() {
		for _, b := range batches {
			b.Release()
		}
	}()
	for rdr.Next() {
		b := rdr.Record()
		b.Retain()
		batches = append(batches, b)
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("duckdb: read results: %w", err)
	}
	if len(batches) == 0 {
		return emptyRecord(alloc, rdr.Schema()), nil
	}
	return helpers.Concat(alloc, batches)
}

// ReadCSV loads a CSV file with DuckDB's sniffer. Every column is read as
// text so that categorical codes such as t/f are not turned into booleans;
// the result has the same shape as connectors.ReadCSV.
func (inst *Instance) ReadCSV(ctx context.Context, path string) (arrow.Record, error) {
	query := fmt.Sprintf("SELECT * FROM read_csv_auto(%s, header=true, all_varchar=true)", quote(path))
	rec, err := inst.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("duckdb: read csv %s: %w", path, err)
	}
	return rec, nil
}

func emptyRecord(alloc memory.Allocator, schema *arrow.Schema) arrow.Record {
	names := make([]string, schema.NumFields())
	arrays := make([]arrow.Array, schema.NumFields())
	for i, f := range schema.Fields() {
		names[i] = f.Name
		arrays[i] = array.MakeArrayOfNull(alloc, f.Type, 0)
	}
	return helpers.NewRecord(names, arrays, 0)
}

// quote renders s as a SQL string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
