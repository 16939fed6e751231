// Package duckdb loads and queries CSV files through an embedded DuckDB,
// returning Arrow records that can be registered into a session. It is
// compiled in with -tags duckdb,duckdb_arrow; without the tags every call
// returns ErrDuckDBNotAvailable.
package duckdb

import "errors"

// ErrDuckDBNotAvailable is returned when DuckDB functions are called
// without the duckdb build tag.
var ErrDuckDBNotAvailable = errors.New("DuckDB CSV ingest requires building with -tags duckdb,duckdb_arrow")
