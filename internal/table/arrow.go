package table

import (
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/atlasbio/morpho/internal/errors"
)

// LabelColumn is the reserved name of the integer object-id column carried
// through Arrow records alongside the float64 measurement columns.
const LabelColumn = "label"

// ToRecord materializes the table as an Arrow record batch. The label
// column, when present, comes first, followed by the measurement columns
// in table order. The caller owns the returned record and must Release it.
func (t *Table) ToRecord(mem memory.Allocator) (arrow.RecordBatch, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	fields := make([]arrow.Field, 0, len(t.names)+1)
	if t.labels != nil {
		fields = append(fields, arrow.Field{Name: LabelColumn, Type: arrow.PrimitiveTypes.Int64})
	}
	for _, name := range t.names {
		fields = append(fields, arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Float64})
	}
	if len(fields) == 0 {
		return nil, errors.NewValidationError("table.to_record", "table has no columns")
	}
	schema := arrow.NewSchema(fields, nil)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	idx := 0
	if t.labels != nil {
		b.Field(idx).(*array.Int64Builder).AppendValues(t.labels, nil)
		idx++
	}
	for _, name := range t.names {
		b.Field(idx).(*array.Float64Builder).AppendValues(t.cols[name], nil)
		idx++
	}

	return b.NewRecordBatch(), nil
}

// FromRecord builds a table from an Arrow record batch. Float64 columns
// become measurement columns in schema order; an int64 or int32 column
// named "label" becomes the object ids. Any other column type is rejected,
// measurement tables are numeric by contract.
func FromRecord(rec arrow.RecordBatch) (*Table, error) {
	t := New()

	for i, field := range rec.Schema().Fields() {
		col := rec.Column(i)

		switch arr := col.(type) {
		case *array.Float64:
			vals := make([]float64, arr.Len())
			copy(vals, arr.Float64Values())
			// Nulls surface as NaN so the missing-value guard sees them.
			if arr.NullN() > 0 {
				for j := range vals {
					if arr.IsNull(j) {
						vals[j] = math.NaN()
					}
				}
			}
			if err := t.SetColumn(field.Name, vals); err != nil {
				return nil, err
			}

		case *array.Int64:
			if field.Name != LabelColumn {
				return nil, errors.NewValidationError("table.from_record",
					fmt.Sprintf("integer column %q is not the label column", field.Name))
			}
			labels := make([]int64, arr.Len())
			copy(labels, arr.Int64Values())
			if err := t.SetLabels(labels); err != nil {
				return nil, err
			}

		case *array.Int32:
			if field.Name != LabelColumn {
				return nil, errors.NewValidationError("table.from_record",
					fmt.Sprintf("integer column %q is not the label column", field.Name))
			}
			labels := make([]int64, arr.Len())
			for j := 0; j < arr.Len(); j++ {
				labels[j] = int64(arr.Value(j))
			}
			if err := t.SetLabels(labels); err != nil {
				return nil, err
			}

		default:
			return nil, errors.NewValidationError("table.from_record",
				fmt.Sprintf("column %q has unsupported type %s", field.Name, field.Type))
		}
	}

	if t.NumCols() == 0 {
		return nil, errors.NewValidationError("table.from_record", "record has no measurement columns")
	}
	return t, nil
}

// FromRecords builds a table from a stream of record batches sharing one
// schema, concatenating them in arrival order.
func FromRecords(recs []arrow.RecordBatch) (*Table, error) {
	if len(recs) == 0 {
		return nil, errors.NewValidationError("table.from_records", "no record batches received")
	}
	if len(recs) == 1 {
		return FromRecord(recs[0])
	}

	schema := recs[0].Schema()
	names := make([]string, 0, schema.NumFields())
	cols := make(map[string][]float64, schema.NumFields())
	var labels []int64
	hasLabels := false

	for _, rec := range recs {
		if !rec.Schema().Equal(schema) {
			return nil, errors.NewValidationError("table.from_records",
				"record batches disagree on schema")
		}
		part, err := FromRecord(rec)
		if err != nil {
			return nil, err
		}
		for _, name := range part.ColumnNames() {
			vals, err := part.Column(name)
			if err != nil {
				return nil, err
			}
			if _, seen := cols[name]; !seen {
				names = append(names, name)
			}
			cols[name] = append(cols[name], vals...)
		}
		if part.Labels() != nil {
			hasLabels = true
			labels = append(labels, part.Labels()...)
		}
	}

	t, err := FromColumns(names, cols)
	if err != nil {
		return nil, err
	}
	if hasLabels {
		if err := t.SetLabels(labels); err != nil {
			return nil, err
		}
	}
	return t, nil
}
