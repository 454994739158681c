package feature

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/atlasbio/morpho/internal/errors"
	"github.com/atlasbio/morpho/internal/table"
)

func testTable(t *testing.T) *table.Table {
	t.Helper()
	tbl, err := table.FromColumns(
		[]string{"area", "perimeter", "solidity"},
		map[string][]float64{
			"area":      {1, 2, 3, 4},
			"perimeter": {4, 3, 2, 1},
			"solidity":  {0.5, 0.5, 0.5, 0.5},
		},
	)
	require.NoError(t, err)
	return tbl
}

func TestSelect_OrderFollowsRequest(t *testing.T) {
	tbl := testTable(t)

	m, err := Select(tbl, []string{"perimeter", "area"})
	require.NoError(t, err)

	r, c := m.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 2, c)
	assert.Equal(t, 4.0, m.At(0, 0)) // perimeter first
	assert.Equal(t, 1.0, m.At(0, 1)) // area second
}

func TestSelect_Validation(t *testing.T) {
	tbl := testTable(t)

	_, err := Select(tbl, nil)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	_, err = Select(tbl, []string{"area", "missing"})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	_, err = Select(nil, []string{"area"})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestSelect_DoesNotMutateTable(t *testing.T) {
	tbl := testTable(t)
	m, err := Select(tbl, []string{"area"})
	require.NoError(t, err)

	m.Set(0, 0, 1000)
	vals, _ := tbl.Column("area")
	assert.Equal(t, 1.0, vals[0])
}

func TestStandardize(t *testing.T) {
	// Column 1 has zero variance, column 2 becomes [-1, 1].
	m := mat.NewDense(2, 2, []float64{
		0, 0,
		0, 2,
	})

	out := Standardize(m)

	assert.Equal(t, 0.0, out.At(0, 0))
	assert.Equal(t, 0.0, out.At(1, 0))
	assert.InDelta(t, -1.0, out.At(0, 1), 1e-12)
	assert.InDelta(t, 1.0, out.At(1, 1), 1e-12)

	// Input untouched
	assert.Equal(t, 2.0, m.At(1, 1))
}

func TestStandardize_Statistics(t *testing.T) {
	m := mat.NewDense(4, 1, []float64{1, 2, 3, 4})
	out := Standardize(m)

	sum, sumSq := 0.0, 0.0
	for i := 0; i < 4; i++ {
		sum += out.At(i, 0)
	}
	mean := sum / 4
	for i := 0; i < 4; i++ {
		d := out.At(i, 0) - mean
		sumSq += d * d
	}

	assert.InDelta(t, 0.0, mean, 1e-12)
	assert.InDelta(t, 1.0, sumSq/4, 1e-12)
}

func TestCheckNaN(t *testing.T) {
	clean := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	assert.NoError(t, CheckNaN(clean))

	dirty := mat.NewDense(2, 2, []float64{1, 2, math.NaN(), 4})
	err := CheckNaN(dirty)
	require.Error(t, err)
	assert.True(t, errors.IsDataQuality(err))
	assert.Contains(t, err.Error(), "missing values")
}
