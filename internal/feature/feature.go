// Package feature turns a measurement table into the numeric matrix a
// reduction algorithm consumes: column selection, optional standardization
// and the NaN guard that keeps bad inputs away from the algorithms.
package feature

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/atlasbio/morpho/internal/errors"
	"github.com/atlasbio/morpho/internal/table"
)

// Select projects the table onto the requested columns, in the requested
// order, producing a fresh row-major matrix. The table is never mutated.
func Select(t *table.Table, names []string) (*mat.Dense, error) {
	if t == nil {
		return nil, errors.NewValidationError("feature.select", "no measurement table")
	}
	if len(names) == 0 {
		return nil, errors.NewValidationError("feature.select", "no columns selected")
	}

	rows := t.NumRows()
	if rows == 0 {
		return nil, errors.NewValidationError("feature.select", "table has no rows")
	}

	m := mat.NewDense(rows, len(names), nil)
	for j, name := range names {
		col, err := t.Column(name)
		if err != nil {
			return nil, err
		}
		for i, v := range col {
			m.Set(i, j, v)
		}
	}
	return m, nil
}

// Standardize rescales each column to zero mean and unit variance using
// population statistics. Zero-variance columns keep scale 1 so they come
// out as all zeros instead of dividing by zero. Returns a new matrix.
func Standardize(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)

	for j := 0; j < c; j++ {
		sum := 0.0
		for i := 0; i < r; i++ {
			sum += m.At(i, j)
		}
		mean := sum / float64(r)

		sumSq := 0.0
		for i := 0; i < r; i++ {
			d := m.At(i, j) - mean
			sumSq += d * d
		}
		scale := math.Sqrt(sumSq / float64(r))
		if scale < 1e-8 {
			scale = 1.0
		}

		for i := 0; i < r; i++ {
			out.Set(i, j, (m.At(i, j)-mean)/scale)
		}
	}
	return out
}

// CheckNaN is the guard applied before every algorithm invocation: any
// missing value fails the run before computation starts, identically for
// UMAP, t-SNE and PCA.
func CheckNaN(m mat.Matrix) error {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if math.IsNaN(m.At(i, j)) {
				return errors.NewDataQualityError("feature.nan_guard",
					"input contains missing values").
					WithContext("row", i).
					WithContext("col", j)
			}
		}
	}
	return nil
}
