package reduce

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func pcaTestMatrix() *mat.Dense {
	// 8 objects, 4 measurements with decreasing spread so the component
	// variances separate cleanly.
	return mat.NewDense(8, 4, []float64{
		10.0, 1.0, 0.10, 5.0,
		20.5, 1.9, 0.11, 5.1,
		31.0, 3.2, 0.09, 4.9,
		39.5, 3.8, 0.12, 5.2,
		50.0, 5.1, 0.10, 5.0,
		61.0, 6.0, 0.08, 4.8,
		69.5, 7.2, 0.11, 5.1,
		80.0, 7.9, 0.10, 5.0,
	})
}

func TestPCA_FixedComponents(t *testing.T) {
	m := pcaTestMatrix()

	for k := 1; k <= 4; k++ {
		p := DefaultParams()
		p.PCAComponents = k

		emb, err := runPCA(m, p)
		require.NoError(t, err)
		rows, cols := emb.Dims()
		assert.Equal(t, 8, rows)
		assert.Equal(t, k, cols)
	}
}

func TestPCA_ThresholdSelection(t *testing.T) {
	m := pcaTestMatrix()

	p := DefaultParams()
	p.PCAComponents = 0
	p.ExplainedVariance = 95

	emb, err := runPCA(m, p)
	require.NoError(t, err)

	rows, k := emb.Dims()
	require.Equal(t, 8, rows)
	require.GreaterOrEqual(t, k, 1)
	require.LessOrEqual(t, k, 4)

	// The returned prefix must meet the threshold, and dropping the last
	// component must fall below it. Component scores are uncorrelated, so
	// their variances are the explained variances.
	full := DefaultParams()
	full.PCAComponents = 4
	fullEmb, err := runPCA(m, full)
	require.NoError(t, err)

	_, total := fullEmb.Dims()
	vars := make([]float64, total)
	sum := 0.0
	for j := 0; j < total; j++ {
		vars[j] = colVariance(fullEmb, j)
		sum += vars[j]
	}

	cum := 0.0
	for j := 0; j < k; j++ {
		cum += vars[j] / sum
	}
	assert.GreaterOrEqual(t, cum+1e-9, 0.95)

	if k > 1 {
		assert.Less(t, cum-vars[k-1]/sum, 0.95)
	}
}

func TestPCA_ZeroComponentsEqualsOverflow(t *testing.T) {
	// Requesting more components than columns falls back to threshold
	// selection, exactly like requesting 0.
	m := pcaTestMatrix()

	auto := DefaultParams()
	auto.PCAComponents = 0

	over := DefaultParams()
	over.PCAComponents = 9

	a, err := runPCA(m, auto)
	require.NoError(t, err)
	b, err := runPCA(m, over)
	require.NoError(t, err)

	_, ka := a.Dims()
	_, kb := b.Dims()
	assert.Equal(t, ka, kb)
}

func TestPCA_StandardizesInternally(t *testing.T) {
	// Component scores of standardized input are centered at zero.
	m := pcaTestMatrix()
	p := DefaultParams()
	p.PCAComponents = 2

	emb, err := runPCA(m, p)
	require.NoError(t, err)

	rows, cols := emb.Dims()
	for j := 0; j < cols; j++ {
		sum := 0.0
		for i := 0; i < rows; i++ {
			sum += emb.At(i, j)
		}
		assert.InDelta(t, 0, sum/float64(rows), 1e-9)
	}
}

func TestPCA_TooFewRows(t *testing.T) {
	m := mat.NewDense(1, 3, []float64{1, 2, 3})
	p := DefaultParams()
	_, err := runPCA(m, p)
	assert.Error(t, err)
}

func TestSelectByExplainedVariance(t *testing.T) {
	vars := []float64{6, 3, 1} // ratios 0.6, 0.3, 0.1

	assert.Equal(t, 1, selectByExplainedVariance(vars, 0.5))
	assert.Equal(t, 1, selectByExplainedVariance(vars, 0.6))
	assert.Equal(t, 2, selectByExplainedVariance(vars, 0.61))
	assert.Equal(t, 2, selectByExplainedVariance(vars, 0.9))
	assert.Equal(t, 3, selectByExplainedVariance(vars, 0.95))
	assert.Equal(t, 3, selectByExplainedVariance(vars, 1.0))
}

func colVariance(m *mat.Dense, col int) float64 {
	n, _ := m.Dims()
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += m.At(i, col)
	}
	mean := sum / float64(n)
	sumSq := 0.0
	for i := 0; i < n; i++ {
		d := m.At(i, col) - mean
		sumSq += d * d
	}
	return sumSq / float64(n)
}

func TestPCA_NoNaNsInOutput(t *testing.T) {
	m := pcaTestMatrix()
	p := DefaultParams()
	p.PCAComponents = 0

	emb, err := runPCA(m, p)
	require.NoError(t, err)

	rows, cols := emb.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			assert.False(t, math.IsNaN(emb.At(i, j)))
		}
	}
}
