// Package table holds per-object measurement tables: named float64 columns
// of equal length where the row index identifies one labeled object. The
// table is the single shared mutable resource of a reduction run; all column
// writes go through ApplyMerge so readers never observe a half-written
// set of output columns.
package table

import (
	"fmt"
	"sync"

	"github.com/atlasbio/morpho/internal/errors"
)

// Table is a mapping from column name to one value per labeled object.
// Row order is stable and shared across all columns.
type Table struct {
	mu     sync.RWMutex
	names  []string // column order, first-added first
	cols   map[string][]float64
	labels []int64 // optional object label ids, nil when absent
	rows   int
}

// New returns an empty table.
func New() *Table {
	return &Table{cols: make(map[string][]float64)}
}

// FromColumns builds a table from named columns in the given order.
// All columns must have the same length.
func FromColumns(names []string, cols map[string][]float64) (*Table, error) {
	t := New()
	for _, name := range names {
		vals, ok := cols[name]
		if !ok {
			return nil, errors.NewValidationError("table.from_columns",
				fmt.Sprintf("column %q has no values", name))
		}
		if err := t.SetColumn(name, vals); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// NumRows returns the number of objects in the table.
func (t *Table) NumRows() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rows
}

// NumCols returns the number of measurement columns.
func (t *Table) NumCols() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.names)
}

// ColumnNames returns the column names in table order.
func (t *Table) ColumnNames() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// HasColumn reports whether the named column exists.
func (t *Table) HasColumn(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.cols[name]
	return ok
}

// Column returns a copy of the named column's values, or a validation
// error when no such column exists.
func (t *Table) Column(name string) ([]float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	vals, ok := t.cols[name]
	if !ok {
		return nil, errors.NewValidationError("table.column",
			fmt.Sprintf("column %q not found in table", name))
	}
	out := make([]float64, len(vals))
	copy(out, vals)
	return out, nil
}

// Labels returns a copy of the object label ids, or nil when none are set.
func (t *Table) Labels() []int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.labels == nil {
		return nil
	}
	out := make([]int64, len(t.labels))
	copy(out, t.labels)
	return out
}

// SetLabels attaches object label ids to the table rows.
func (t *Table) SetLabels(labels []int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rows > 0 && len(labels) != t.rows {
		return errors.NewValidationError("table.set_labels",
			fmt.Sprintf("label count %d does not match row count %d", len(labels), t.rows))
	}
	if t.rows == 0 && len(t.names) == 0 {
		t.rows = len(labels)
	}
	t.labels = make([]int64, len(labels))
	copy(t.labels, labels)
	return nil
}

// SetColumn adds or replaces a column. The first column added to an empty
// table fixes the row count.
func (t *Table) SetColumn(name string, vals []float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setColumnLocked(name, vals)
}

func (t *Table) setColumnLocked(name string, vals []float64) error {
	if name == "" {
		return errors.NewValidationError("table.set_column", "column name is empty")
	}
	if t.rows == 0 && len(t.names) == 0 && t.labels == nil {
		t.rows = len(vals)
	}
	if len(vals) != t.rows {
		return errors.NewValidationError("table.set_column",
			fmt.Sprintf("column %q has %d values, table has %d rows", name, len(vals), t.rows))
	}
	if _, exists := t.cols[name]; !exists {
		t.names = append(t.names, name)
	}
	stored := make([]float64, len(vals))
	copy(stored, vals)
	t.cols[name] = stored
	return nil
}

func (t *Table) dropPrefixLocked(prefix string) int {
	if prefix == "" {
		return 0
	}
	kept := t.names[:0]
	dropped := 0
	for _, name := range t.names {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			delete(t.cols, name)
			dropped++
			continue
		}
		kept = append(kept, name)
	}
	t.names = kept
	return dropped
}

// DropColumnsWithPrefix removes every column whose name starts with prefix
// and returns how many were removed.
func (t *Table) DropColumnsWithPrefix(prefix string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropPrefixLocked(prefix)
}

// ApplyMerge atomically merges a reduction result into the table: columns
// matching dropPrefix are removed first, then the named output columns are
// added or replaced. Either every column lands or none does; concurrent
// readers see the table before or after the merge, never in between.
func (t *Table) ApplyMerge(dropPrefix string, names []string, cols [][]float64) error {
	if len(names) != len(cols) {
		return errors.NewValidationError("table.apply_merge",
			fmt.Sprintf("%d names for %d columns", len(names), len(cols)))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Validate everything before touching state so the merge is all-or-nothing.
	for i, name := range names {
		if name == "" {
			return errors.NewValidationError("table.apply_merge", "output column name is empty")
		}
		if len(cols[i]) != t.rows {
			return errors.NewValidationError("table.apply_merge",
				fmt.Sprintf("output column %q has %d values, table has %d rows", name, len(cols[i]), t.rows))
		}
	}

	t.dropPrefixLocked(dropPrefix)
	for i, name := range names {
		if err := t.setColumnLocked(name, cols[i]); err != nil {
			return err
		}
	}
	return nil
}
