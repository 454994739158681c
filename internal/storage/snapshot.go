// Package storage persists measurement tables as Parquet snapshots and
// exposes analytical SQL over them through DuckDB.
package storage

import (
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	"github.com/atlasbio/morpho/internal/errors"
	"github.com/atlasbio/morpho/internal/metrics"
	"github.com/atlasbio/morpho/internal/table"
)

const snapshotDirName = "snapshots"

// MeasurementRow is one (object, column, value) cell of a table in long
// format. Long format keeps the Parquet schema stable while tables gain
// and lose embedding columns between runs.
type MeasurementRow struct {
	Object int64   `parquet:"object"`
	Column string  `parquet:"column"`
	Value  float64 `parquet:"value"`
}

// Store manages Parquet snapshots of measurement tables under a data
// directory.
type Store struct {
	dataPath string
	logger   *zap.Logger
}

// NewStore creates a snapshot store rooted at dataPath. The snapshot
// subdirectory is created on first write.
func NewStore(dataPath string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dataPath: dataPath, logger: logger}
}

// SnapshotPath returns the Parquet file path for a named table.
func (s *Store) SnapshotPath(name string) string {
	return filepath.Join(s.dataPath, snapshotDirName, name+".parquet")
}

// Snapshot writes the table to <dataPath>/snapshots/<name>.parquet,
// replacing any previous snapshot of that name atomically via rename.
func (s *Store) Snapshot(name string, t *table.Table) error {
	if t == nil {
		return errors.NewValidationError("storage.snapshot", "no table to snapshot")
	}
	dir := filepath.Join(s.dataPath, snapshotDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		metrics.SnapshotTotal.WithLabelValues("failure").Inc()
		return errors.Wrap(err, errors.ErrorTypeStorage, "storage.snapshot", "creating snapshot directory")
	}

	tmp, err := os.CreateTemp(dir, name+".*.parquet.tmp")
	if err != nil {
		metrics.SnapshotTotal.WithLabelValues("failure").Inc()
		return errors.Wrap(err, errors.ErrorTypeStorage, "storage.snapshot", "creating temp snapshot")
	}
	defer os.Remove(tmp.Name())

	if err := writeSnapshot(tmp, t); err != nil {
		_ = tmp.Close()
		metrics.SnapshotTotal.WithLabelValues("failure").Inc()
		return errors.Wrap(err, errors.ErrorTypeStorage, "storage.snapshot", "writing snapshot")
	}

	info, err := tmp.Stat()
	if err == nil {
		metrics.SnapshotBytesWritten.Add(float64(info.Size()))
	}
	if err := tmp.Close(); err != nil {
		metrics.SnapshotTotal.WithLabelValues("failure").Inc()
		return errors.Wrap(err, errors.ErrorTypeStorage, "storage.snapshot", "closing temp snapshot")
	}
	if err := os.Rename(tmp.Name(), s.SnapshotPath(name)); err != nil {
		metrics.SnapshotTotal.WithLabelValues("failure").Inc()
		return errors.Wrap(err, errors.ErrorTypeStorage, "storage.snapshot", "publishing snapshot")
	}

	metrics.SnapshotTotal.WithLabelValues("success").Inc()
	s.logger.Info("table snapshot written",
		zap.String("table", name),
		zap.Int("rows", t.NumRows()),
		zap.Int("columns", t.NumCols()))
	return nil
}

// Load reads a named snapshot back into a table.
func (s *Store) Load(name string) (*table.Table, error) {
	f, err := os.Open(s.SnapshotPath(name))
	if err != nil {
		metrics.SnapshotTotal.WithLabelValues("failure").Inc()
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "storage.load", "opening snapshot")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		metrics.SnapshotTotal.WithLabelValues("failure").Inc()
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "storage.load", "stat snapshot")
	}

	t, err := readSnapshot(f, info.Size())
	if err != nil {
		metrics.SnapshotTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	metrics.SnapshotTotal.WithLabelValues("success").Inc()
	return t, nil
}

// List returns the names of all snapshots in the store, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataPath, snapshotDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "storage.list", "reading snapshot directory")
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		base := e.Name()
		if ext := filepath.Ext(base); ext == ".parquet" {
			names = append(names, base[:len(base)-len(ext)])
		}
	}
	sort.Strings(names)
	return names, nil
}

// writeSnapshot serializes a table row-major in long format. Object ids
// come from the table's label column when present, otherwise from the
// row index.
func writeSnapshot(w io.Writer, t *table.Table) error {
	pw := parquet.NewGenericWriter[MeasurementRow](w, parquet.Compression(&parquet.Zstd))

	names := t.ColumnNames()
	cols := make([][]float64, len(names))
	for i, name := range names {
		col, err := t.Column(name)
		if err != nil {
			return err
		}
		cols[i] = col
	}

	objects := t.Labels()
	rows := t.NumRows()
	batch := make([]MeasurementRow, 0, rows*len(names))
	for r := 0; r < rows; r++ {
		obj := int64(r)
		if objects != nil {
			obj = objects[r]
		}
		for c, name := range names {
			batch = append(batch, MeasurementRow{Object: obj, Column: name, Value: cols[c][r]})
		}
	}

	if len(batch) > 0 {
		if _, err := pw.Write(batch); err != nil {
			return err
		}
	}
	return pw.Close()
}

// readSnapshot rebuilds a table from long format. Row order follows the
// first appearance of each object id and column order the first
// appearance of each column name, so a round trip preserves both.
func readSnapshot(f *os.File, size int64) (*table.Table, error) {
	pf, err := parquet.OpenFile(f, size)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "storage.load", "opening parquet file")
	}

	pr := parquet.NewGenericReader[MeasurementRow](pf)
	rows := make([]MeasurementRow, pr.NumRows())
	if _, err := pr.Read(rows); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "storage.load", "reading parquet rows")
	}

	var (
		objectOrder []int64
		objectIdx   = make(map[int64]int)
		colOrder    []string
		cells       = make(map[string]map[int64]float64)
	)
	for _, row := range rows {
		if _, ok := objectIdx[row.Object]; !ok {
			objectIdx[row.Object] = len(objectOrder)
			objectOrder = append(objectOrder, row.Object)
		}
		if _, ok := cells[row.Column]; !ok {
			colOrder = append(colOrder, row.Column)
			cells[row.Column] = make(map[int64]float64)
		}
		cells[row.Column][row.Object] = row.Value
	}

	cols := make(map[string][]float64, len(colOrder))
	for _, name := range colOrder {
		vals := make([]float64, len(objectOrder))
		byObject := cells[name]
		for i, obj := range objectOrder {
			v, ok := byObject[obj]
			if !ok {
				return nil, errors.NewStorageError("storage.load", "snapshot is missing a cell for column "+name)
			}
			vals[i] = v
		}
		cols[name] = vals
	}

	t, err := table.FromColumns(colOrder, cols)
	if err != nil {
		return nil, err
	}
	if len(objectOrder) > 0 {
		if err := t.SetLabels(objectOrder); err != nil {
			return nil, err
		}
	}
	return t, nil
}
