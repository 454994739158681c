package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/array"
	duckdb "github.com/marcboeker/go-duckdb"

	"github.com/atlasbio/morpho/internal/errors"
)

// QuerySnapshot runs an analytical SQL query against a named table
// snapshot. The snapshot is exposed as a view with the table's name, in
// long format (object, column, value). Results stream back as Arrow; the
// caller must call cleanup() when done with the reader.
func (s *Store) QuerySnapshot(ctx context.Context, name, query string) (array.RecordReader, func(), error) {
	snapshotPath := s.SnapshotPath(name)

	// In-memory DuckDB per query; snapshots are small enough that the
	// setup cost does not matter next to the reduction runs.
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeStorage, "storage.query", "opening duckdb")
	}

	// The Arrow result interface is driver-specific, so we need a
	// dedicated connection rather than the pool.
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, nil, errors.Wrap(err, errors.ErrorTypeStorage, "storage.query", "opening connection")
	}

	var ar *duckdb.Arrow
	err = conn.Raw(func(c interface{}) error {
		dc, ok := c.(driver.Conn)
		if !ok {
			return fmt.Errorf("not a duckdb driver connection")
		}
		var err error
		ar, err = duckdb.NewArrowFromConn(dc)
		return err
	})
	if err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, nil, errors.Wrap(err, errors.ErrorTypeStorage, "storage.query", "initializing arrow interface")
	}

	createViewSQL := fmt.Sprintf("CREATE VIEW %q AS SELECT * FROM read_parquet('%s')", name, snapshotPath)
	if _, err := conn.ExecContext(ctx, createViewSQL); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, nil, errors.Wrap(err, errors.ErrorTypeStorage, "storage.query", "creating snapshot view")
	}

	rdr, err := ar.QueryContext(ctx, query)
	if err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, nil, errors.Wrap(err, errors.ErrorTypeStorage, "storage.query", "executing query")
	}

	cleanup := func() {
		rdr.Release()
		_ = conn.Close()
		_ = db.Close()
	}
	return rdr, cleanup, nil
}
