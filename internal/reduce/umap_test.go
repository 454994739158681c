package reduce

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/atlasbio/morpho/internal/errors"
)

func TestUMAP_Shape(t *testing.T) {
	m := mat.NewDense(4, 2, []float64{
		1, 4,
		2, 3,
		3, 2,
		4, 1,
	})

	p := DefaultParams()
	p.NNeighbors = 2

	emb, err := runUMAP(m, p)
	require.NoError(t, err)

	rows, cols := emb.Dims()
	assert.Equal(t, 4, rows)
	assert.Equal(t, 2, cols)

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			assert.False(t, math.IsNaN(emb.At(i, j)))
			assert.False(t, math.IsInf(emb.At(i, j), 0))
		}
	}
}

func TestUMAP_Deterministic(t *testing.T) {
	m := mat.NewDense(8, 3, []float64{
		0, 0, 0,
		0.1, 0, 0,
		0, 0.1, 0,
		0.1, 0.1, 0,
		50, 50, 50,
		50.1, 50, 50,
		50, 50.1, 50,
		50.1, 50.1, 50,
	})

	p := DefaultParams()
	p.NNeighbors = 3

	a, err := runUMAP(m, p)
	require.NoError(t, err)
	b, err := runUMAP(m, p)
	require.NoError(t, err)

	assert.True(t, mat.EqualApprox(a, b, 1e-12))
}

func TestUMAP_NeighborsExceedRows(t *testing.T) {
	m := mat.NewDense(4, 2, []float64{1, 2, 3, 4, 5, 6, 7, 8})

	p := DefaultParams() // n_neighbors 15 against 4 rows
	_, err := runUMAP(m, p)
	require.Error(t, err)
	assert.True(t, errors.IsAlgorithm(err))

	p.NNeighbors = 4 // equal to rows is still too many
	_, err = runUMAP(m, p)
	require.Error(t, err)
	assert.True(t, errors.IsAlgorithm(err))
}

func TestUMAP_KeepsGroupsApart(t *testing.T) {
	m := mat.NewDense(8, 3, []float64{
		0, 0, 0,
		0.1, 0, 0,
		0, 0.1, 0,
		0.1, 0.1, 0,
		50, 50, 50,
		50.1, 50, 50,
		50, 50.1, 50,
		50.1, 50.1, 50,
	})

	p := DefaultParams()
	p.NNeighbors = 3

	emb, err := runUMAP(m, p)
	require.NoError(t, err)

	intra := (embDist(emb, 0, 1) + embDist(emb, 4, 5)) / 2
	inter := (embDist(emb, 0, 4) + embDist(emb, 1, 5)) / 2
	assert.Less(t, intra, inter)
}

func TestKNNGraph(t *testing.T) {
	m := mat.NewDense(5, 1, []float64{0, 1, 2, 10, 11})

	neighbors, dists := knnGraph(m, 2)
	require.Len(t, neighbors, 5)

	// Row 0 (value 0) is closest to rows 1 and 2.
	assert.ElementsMatch(t, []int{1, 2}, neighbors[0])
	// Row 3 (value 10) is closest to rows 4 and 2.
	assert.ElementsMatch(t, []int{4, 2}, neighbors[3])

	for i := range dists {
		require.Len(t, dists[i], 2)
		// Sorted ascending
		assert.LessOrEqual(t, dists[i][0], dists[i][1])
	}
}

func TestFuzzyEdges_WeightsInUnitInterval(t *testing.T) {
	m := mat.NewDense(5, 1, []float64{0, 1, 2, 10, 11})
	neighbors, dists := knnGraph(m, 2)

	edges := fuzzyEdges(neighbors, dists, 5, 2)
	require.NotEmpty(t, edges)
	for _, e := range edges {
		assert.Greater(t, e.weight, 0.0)
		assert.LessOrEqual(t, e.weight, 1.0)
		assert.NotEqual(t, e.from, e.to)
	}
}

func TestSmoothKNNDistance(t *testing.T) {
	dists := []float64{1, 2, 3, 4}
	rho := 1.0
	target := math.Log2(4)

	sigma := smoothKNNDistance(dists, rho, target)
	require.Greater(t, sigma, 0.0)

	sum := 0.0
	for _, d := range dists {
		if d <= rho {
			sum += 1
			continue
		}
		sum += math.Exp(-(d - rho) / sigma)
	}
	assert.InDelta(t, target, sum, 1e-3)
}
